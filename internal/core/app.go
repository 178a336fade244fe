// Package core wires the configuration, logging, session registry, dispatch
// service and HTTP API into one runnable application.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"wabridge/internal/config"
	"wabridge/internal/dispatch"
	"wabridge/internal/eventbus"
	"wabridge/internal/httpapi"
	"wabridge/internal/protocol"
	wameow "wabridge/internal/protocol/whatsmeow"
	"wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
	"wabridge/internal/storage"
	"wabridge/pkg/logx"
)

// cronParser accepts standard 5-field specs plus descriptors (@every 2m).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sessions *session.Registry
	disp     *dispatch.Service
	api      *httpapi.Server
	sweeper  *cron.Cron
}

// Option overrides pieces of the default wiring. Used by tests and dry runs.
type Option func(*appOptions)

type appOptions struct {
	factory protocol.Factory
}

// WithProtocolFactory injects a protocol client factory instead of the
// driver configured in the file.
func WithProtocolFactory(f protocol.Factory) Option {
	return func(o *appOptions) { o.factory = f }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var ao appOptions
	for _, o := range opts {
		o(&ao)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if cfg.Storage != nil {
		st, err := storage.Open(mapStorageConfig(cfg.Storage), log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		if store != nil {
			log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
		}
	}

	dataDir := cfg.Protocol.DataDir
	if dataDir == "" {
		dataDir = "./sessions"
	}
	factory := ao.factory
	if factory == nil {
		factory, err = newFactory(cfg.Protocol.Driver, dataDir, log)
		if err != nil {
			return nil, err
		}
	}

	sessions := session.NewRegistry(factory, dataDir, bus, log.With(logx.String("comp", "session")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		sessions: sessions,
	}, nil
}

func newFactory(driver, dataDir string, log logx.Logger) (protocol.Factory, error) {
	switch driver {
	case "", "whatsmeow":
		return wameow.NewFactory(dataDir, log.With(logx.String("comp", "whatsmeow"))), nil
	default:
		return nil, fmt.Errorf("unknown protocol driver: %q", driver)
	}
}

func (a *App) Sessions() *session.Registry { return a.sessions }

// Done is closed when the supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return errors.New("no committed config")
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.disp = dispatch.New(mapDispatchConfig(&cfg.Dispatch), a.sessions, a.sup, a.store, a.bus,
		a.log.With(logx.String("comp", "dispatch")))
	a.api = httpapi.New(httpapi.Config{
		Addr:        cfg.Server.Addr,
		UploadDir:   cfg.Server.UploadDir,
		MaxUploadMB: cfg.Server.MaxUploadMB,
	}, a.sessions, a.disp, a.store, a.log.With(logx.String("comp", "http")))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sup.Go("httpapi", func(ctx context.Context) error {
		return a.api.Run()
	})
	a.sup.Go0("httpapi.shutdown", func(ctx context.Context) {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.api.Shutdown(sctx); err != nil {
			a.log.Warn("http shutdown", logx.Err(err))
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)
	updates := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.sup.Go0("events.log", func(ctx context.Context) { a.logEvents(ctx) })

	if cfg.Reconcile.Enabled {
		if err := a.startSweeper(cfg.Reconcile.Schedule); err != nil {
			return err
		}
	}

	a.log.Info("application started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sweeper != nil {
		<-a.sweeper.Stop().Done()
	}
	var firstErr error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("application stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}

// applyConfig pushes hot-reloadable settings into running services.
// Listener address, storage driver and protocol driver need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.disp.Apply(mapDispatchConfig(&cfg.Dispatch))
	a.log.Info("runtime config applied")
}

// logEvents drains the bus into the log: this is the fire-and-forget side
// channel where detached dispatch outcomes become visible.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case eventbus.SessionStatusData:
				a.log.Info("session transition",
					logx.String("tenant", d.Tenant),
					logx.String("from", d.From),
					logx.String("to", d.To),
					logx.String("reason", d.Reason))
			case eventbus.DispatchStartedData:
				a.log.Info("dispatch started",
					logx.String("job", d.JobID),
					logx.String("tenant", d.Tenant),
					logx.Int("total", d.Total))
			case eventbus.DispatchFinishedData:
				a.log.Info("dispatch finished",
					logx.String("job", d.JobID),
					logx.String("tenant", d.Tenant),
					logx.Int("sent", d.Sent),
					logx.Int("failed", d.Failed),
					logx.Int("total", d.Total),
					logx.Duration("took", d.Took))
			}
		}
	}
}

// startSweeper schedules the periodic reconcile pass that re-checks every
// tracked session against the authoritative client state.
func (a *App) startSweeper(schedule string) error {
	if schedule == "" {
		schedule = "@every 2m"
	}
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(schedule, a.reconcileSweep); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	a.sweeper = c
	a.log.Info("reconcile sweep scheduled", logx.String("schedule", schedule))
	return nil
}

func (a *App) reconcileSweep() {
	ctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
	defer cancel()
	for _, tenant := range a.sessions.Tenants() {
		st, degraded := a.sessions.Status(ctx, tenant)
		a.log.Debug("reconcile sweep",
			logx.String("tenant", tenant),
			logx.String("status", string(st)),
			logx.Bool("degraded", degraded))
		if ctx.Err() != nil {
			return
		}
	}
}

// ---- config mapping / validation ----

func mapDispatchConfig(c *config.DispatchConfig) dispatch.Config {
	return dispatch.Config{
		CountryPrefix: c.CountryPrefix,
		DefaultPacing: config.Duration(c.DefaultPacing, 8*time.Second),
		RatePerSec:    c.RatePerSec,
	}
}

func mapStorageConfig(c *config.StorageConfig) storage.Config {
	return storage.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		BusyTimeout: config.Duration(c.BusyTimeout, 0),
	}
}

func validateConfig(cfg *config.Config) error {
	if cfg.Server.MaxUploadMB < 0 {
		return errors.New("server.max_upload_mb must be >= 0")
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return errors.New("dispatch.rate_per_sec must be >= 0")
	}
	if s := cfg.Dispatch.DefaultPacing; s != "" {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("dispatch.default_pacing: %w", err)
		}
	}
	if cfg.Storage != nil && cfg.Storage.BusyTimeout != "" {
		if _, err := time.ParseDuration(cfg.Storage.BusyTimeout); err != nil {
			return fmt.Errorf("storage.busy_timeout: %w", err)
		}
	}
	if cfg.Reconcile.Enabled && cfg.Reconcile.Schedule != "" {
		if _, err := cronParser.Parse(cfg.Reconcile.Schedule); err != nil {
			return fmt.Errorf("reconcile.schedule: %w", err)
		}
	}
	return nil
}
