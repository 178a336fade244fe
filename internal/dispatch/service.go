package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"wabridge/internal/eventbus"
	"wabridge/internal/protocol"
	"wabridge/internal/runtime/supervisor"
	"wabridge/internal/session"
	"wabridge/internal/storage"
	"wabridge/pkg/logx"
)

// SessionSource hands out the protocol client bound to a tenant. The
// registry implements it; jobs re-read it every iteration so a session
// closed mid-batch turns the remaining recipients into recorded failures
// instead of sends on a dead handle.
type SessionSource interface {
	Handle(tenant string) (protocol.Client, session.Status)
}

// Service runs send batches as detached background jobs.
//
// The triggering call validates, acknowledges and returns; the batch itself
// runs under the supervisor and reports through the event bus, the log and
// the report store. There is no mid-batch cancellation: once started, a
// batch runs every recipient to a recorded outcome.
type Service struct {
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	sup      *supervisor.Supervisor
	sessions SessionSource

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, sessions SessionSource, sup *supervisor.Supervisor, store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		store:    store,
		sup:      sup,
		sessions: sessions,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps dispatch defaults at runtime (config hot reload).
func (s *Service) Apply(cfg Config) {
	if cfg.CountryPrefix == "" {
		cfg.CountryPrefix = DefaultCountryPrefix
	}
	if cfg.DefaultPacing <= 0 {
		cfg.DefaultPacing = defaultPacing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		s.limiter = nil
	}
}

// Dispatch validates a request and, if it passes, schedules the batch and
// returns immediately with a zeroed tally.
//
// Validation mutates nothing: on error the caller still owns the uploaded
// media file and is responsible for removing it.
func (s *Service) Dispatch(req Request) (Ack, error) {
	if req.Tenant == "" {
		return Ack{}, ErrMissingTenant
	}
	if cli, st := s.sessions.Handle(req.Tenant); cli == nil || st != session.StatusReady {
		return Ack{}, ErrSessionNotReady
	}
	if len(req.Recipients) == 0 {
		return Ack{}, ErrNoRecipients
	}
	if req.DefaultBody == "" && req.Media == nil {
		return Ack{}, ErrNoContent
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	j := &job{
		id:         uuid.NewString(),
		tenant:     req.Tenant,
		recipients: req.Recipients,
		bodies:     effectiveBodies(req.Recipients, req.Bodies, req.DefaultBody),
		pacing:     req.Pacing,
		media:      req.Media,
		prefix:     cfg.CountryPrefix,
	}
	if j.pacing <= 0 {
		j.pacing = cfg.DefaultPacing
	}

	s.log.Info("dispatch initiated",
		logx.String("job", j.id),
		logx.String("tenant", j.tenant),
		logx.Int("total", len(j.recipients)),
		logx.Duration("pacing", j.pacing),
		logx.Bool("media", j.media != nil))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeDispatchStarted,
			Data: eventbus.DispatchStartedData{JobID: j.id, Tenant: j.tenant, Total: len(j.recipients)},
		})
	}

	s.sup.Go0("dispatch."+j.id, func(ctx context.Context) { s.run(ctx, j) })

	return Ack{JobID: j.id, Total: len(j.recipients)}, nil
}

// effectiveBodies pads the per-recipient body list to the recipient count,
// falling back to the shared default for missing or empty entries.
func effectiveBodies(recipients, bodies []string, def string) []string {
	out := make([]string, len(recipients))
	for i := range recipients {
		if i < len(bodies) && bodies[i] != "" {
			out[i] = bodies[i]
		} else {
			out[i] = def
		}
	}
	return out
}
