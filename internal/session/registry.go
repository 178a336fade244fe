package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"wabridge/internal/eventbus"
	"wabridge/internal/protocol"
	"wabridge/pkg/logx"
)

// Registry owns every tenant session in the process: the protocol handle,
// the tracked status and the pending pairing code. It is the single owner
// of handles; nothing else may call Connect/Logout/Destroy on them.
//
// Mutations are serialized per tenant via an operation mutex on each entry,
// so StartSession, CloseSession and stale teardown never interleave for the
// same tenant id. Status reads take a short read lock only.
type Registry struct {
	log     logx.Logger
	bus     eventbus.Bus
	factory protocol.Factory
	dataDir string

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	tenant string

	// op serializes lifecycle operations (start/close/teardown).
	// Event callbacks never take it: they fire while Connect holds it.
	op sync.Mutex

	stateMu sync.RWMutex
	status  Status
	code    string
	client  protocol.Client
}

func NewRegistry(factory protocol.Factory, dataDir string, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:     log,
		bus:     bus,
		factory: factory,
		dataDir: dataDir,
		entries: map[string]*entry{},
	}
}

// Tenants returns the ids of all tenants with a registry entry.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Handle returns the live protocol client and current status for a tenant.
// The client is nil when no live handle exists. Callers may use the client
// for lookups and sends only; lifecycle calls stay inside the registry.
func (r *Registry) Handle(tenant string) (protocol.Client, Status) {
	e := r.lookup(tenant)
	if e == nil {
		return nil, StatusNoSession
	}
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.client, e.status
}

// Start creates (or reports) the session for a tenant.
//
// It is idempotent while the session is active: a second call during
// initializing/needs_scan/authenticated/ready returns the current status
// without creating a second handle. Stale entries (error/terminal statuses)
// are torn down first. The call blocks until the connect attempt settles,
// which can take tens of seconds on a fresh pairing.
func (r *Registry) Start(ctx context.Context, tenant string) (Status, error) {
	if tenant == "" {
		return StatusNoSession, ErrMissingTenant
	}
	e := r.acquire(tenant)
	defer e.op.Unlock()

	cur := e.snapshot()
	if cur.Active() {
		r.log.Info("session already active",
			logx.String("tenant", tenant), logx.String("status", string(cur)))
		return cur, nil
	}

	// Tear down whatever is left of a previous attempt. Best-effort: a
	// failing destroy must not stop a fresh start.
	if cli := e.takeClient(); cli != nil {
		if err := cli.Destroy(ctx); err != nil {
			r.log.Warn("stale session destroy failed",
				logx.String("tenant", tenant), logx.Err(err))
		}
	}

	e.transition(r, StatusInitializing, "start requested")
	e.setCode("")

	cli, err := r.factory(tenant, &observer{registry: r, tenant: tenant})
	if err != nil {
		e.transition(r, StatusInitError, err.Error())
		return StatusInitError, err
	}
	e.setClient(cli)

	r.log.Info("connecting session", logx.String("tenant", tenant))
	if err := cli.Connect(ctx); err != nil {
		e.transition(r, StatusInitError, err.Error())
		if c := e.takeClient(); c != nil {
			if derr := c.Destroy(context.WithoutCancel(ctx)); derr != nil {
				r.log.Warn("destroy after failed connect",
					logx.String("tenant", tenant), logx.Err(derr))
			}
		}
		e.setCode("")
		return StatusInitError, err
	}

	// Ready/pairing events may have raced the connect resolution; report
	// whatever the session looks like right now.
	st := e.snapshot()
	r.log.Info("session connect settled",
		logx.String("tenant", tenant), logx.String("status", string(st)))
	return st, nil
}

// Status reports the session status for a tenant, reconciled against the
// authoritative remote state when a live handle exists.
//
// degraded is true when the authoritative query failed and the locally
// tracked status was returned as a fallback.
func (r *Registry) Status(ctx context.Context, tenant string) (status Status, degraded bool) {
	e := r.lookup(tenant)
	if e == nil {
		return StatusNoSession, false
	}

	e.stateMu.RLock()
	tracked := e.status
	cli := e.client
	e.stateMu.RUnlock()

	if cli == nil {
		return tracked, false
	}

	remote, err := cli.QueryState(ctx)
	if err != nil {
		r.log.Warn("authoritative state query failed; using tracked status",
			logx.String("tenant", tenant), logx.String("tracked", string(tracked)), logx.Err(err))
		return tracked, true
	}

	next, action := Reconcile(tracked, remote)
	if next != tracked {
		e.transition(r, next, "reconciled against "+string(remote))
	}
	switch action {
	case ActionClearCode:
		e.setCode("")
	case ActionTeardown:
		r.log.Warn("unexpected remote state; tearing down handle",
			logx.String("tenant", tenant), logx.String("remote", string(remote)))
		e.setCode("")
		if c := e.takeClient(); c != nil {
			if derr := c.Destroy(ctx); derr != nil {
				r.log.Warn("destroy on reconcile teardown",
					logx.String("tenant", tenant), logx.Err(derr))
			}
		}
		r.purgeArtifacts(tenant)
	}
	return next, false
}

// PairingCode returns the pending pairing code for a tenant.
//
// The code is handed out during needs_scan, or during authenticated when a
// code is still pending (a narrow transitional window). ErrCodeNotReady is
// returned while the session is still starting up, ErrAlreadyConnected once
// it is ready, and ErrNoSession for terminal/error/absent sessions.
func (r *Registry) PairingCode(tenant string) (string, Status, error) {
	if tenant == "" {
		return "", StatusNoSession, ErrMissingTenant
	}
	e := r.lookup(tenant)
	if e == nil {
		return "", StatusNoSession, ErrNoSession
	}
	e.stateMu.RLock()
	st, code := e.status, e.code
	e.stateMu.RUnlock()

	switch {
	case st == StatusReady:
		return "", st, ErrAlreadyConnected
	case st == StatusNeedsScan && code != "":
		return code, st, nil
	case st == StatusAuthenticated && code != "":
		return code, st, nil
	case st == StatusInitializing || st == StatusAuthenticated || st == StatusNeedsScan:
		return "", st, ErrCodeNotReady
	default:
		return "", st, ErrNoSession
	}
}

// Close tears a session down and removes its entry.
//
// The status flips to disconnected immediately so concurrent readers see
// the transition before teardown completes. Logout is attempted only from
// ready/authenticated (it is invalid otherwise), destroy is attempted
// unconditionally, and neither failure blocks progression: the entry is
// always removed and artifacts always purged.
func (r *Registry) Close(ctx context.Context, tenant string) error {
	if tenant == "" {
		return ErrMissingTenant
	}
	e := r.lookup(tenant)
	if e == nil {
		return ErrNoSession
	}
	e.op.Lock()
	defer e.op.Unlock()

	// A concurrent Close may have removed the entry while we waited on the
	// operation mutex; closing twice is not an error worth teardown.
	if r.lookup(tenant) != e {
		return ErrNoSession
	}

	e.stateMu.Lock()
	prev := e.status
	e.status = StatusDisconnected
	e.code = ""
	cli := e.client
	e.client = nil
	e.stateMu.Unlock()
	r.publish(tenant, prev, StatusDisconnected, "close requested")

	if cli != nil {
		if prev == StatusReady || prev == StatusAuthenticated {
			if err := cli.Logout(ctx); err != nil {
				r.log.Warn("logout failed; continuing teardown",
					logx.String("tenant", tenant), logx.Err(err))
			}
		} else {
			r.log.Debug("skipping logout",
				logx.String("tenant", tenant), logx.String("status", string(prev)))
		}
		if err := cli.Destroy(ctx); err != nil {
			r.log.Warn("destroy failed; continuing teardown",
				logx.String("tenant", tenant), logx.Err(err))
		}
	}

	r.mu.Lock()
	delete(r.entries, tenant)
	r.mu.Unlock()
	r.purgeArtifacts(tenant)
	r.publish(tenant, StatusDisconnected, StatusNoSession, "session closed")
	r.log.Info("session closed", logx.String("tenant", tenant))
	return nil
}

// ---- event observer ----

// observer bridges asynchronous protocol client events into the registry.
// Callbacks take the state lock only: they may fire while Start holds the
// operation mutex waiting on Connect.
type observer struct {
	registry *Registry
	tenant   string
}

func (o *observer) PairingCode(code string) {
	r, e := o.registry, o.registry.lookup(o.tenant)
	if e == nil {
		return
	}
	r.log.Info("pairing code issued", logx.String("tenant", o.tenant))
	e.setCode(code)
	e.transition(r, StatusNeedsScan, "pairing code issued")
}

func (o *observer) Authenticated() {
	r, e := o.registry, o.registry.lookup(o.tenant)
	if e == nil {
		return
	}
	e.setCode("")
	e.transition(r, StatusAuthenticated, "device link accepted")
}

func (o *observer) Ready() {
	r, e := o.registry, o.registry.lookup(o.tenant)
	if e == nil {
		return
	}
	e.setCode("")
	e.transition(r, StatusReady, "client ready")
}

func (o *observer) AuthFailure(reason string) {
	r, e := o.registry, o.registry.lookup(o.tenant)
	if e == nil {
		return
	}
	r.log.Error("authentication failure",
		logx.String("tenant", o.tenant), logx.String("reason", reason))
	e.setCode("")
	e.transition(r, StatusAuthFailure, reason)
	if cli := e.takeClient(); cli != nil {
		if err := cli.Destroy(context.Background()); err != nil {
			r.log.Warn("destroy on auth failure",
				logx.String("tenant", o.tenant), logx.Err(err))
		}
	}
	r.purgeArtifacts(o.tenant)
}

func (o *observer) Disconnected(reason string) {
	r, e := o.registry, o.registry.lookup(o.tenant)
	if e == nil {
		return
	}
	r.log.Warn("client disconnected",
		logx.String("tenant", o.tenant), logx.String("reason", reason))
	e.setCode("")
	e.transition(r, StatusDisconnected, reason)
	if cli := e.takeClient(); cli != nil {
		if err := cli.Destroy(context.Background()); err != nil {
			r.log.Warn("destroy on disconnect",
				logx.String("tenant", o.tenant), logx.Err(err))
		}
	}
	r.purgeArtifacts(o.tenant)
}

// ---- internals ----

func (r *Registry) lookup(tenant string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[tenant]
}

func (r *Registry) ensure(tenant string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[tenant]
	if e == nil {
		e = &entry{tenant: tenant, status: StatusNoSession}
		r.entries[tenant] = e
	}
	return e
}

// acquire returns the tenant's entry with its operation mutex held.
//
// A Close that held the mutex while we queued on it removes the entry from
// the map before unlocking; proceeding on that detached entry would create a
// handle the registry no longer tracks. Re-check membership after every
// acquisition and retry until the locked entry is the one in the map.
func (r *Registry) acquire(tenant string) *entry {
	for {
		e := r.ensure(tenant)
		e.op.Lock()
		if r.lookup(tenant) == e {
			return e
		}
		e.op.Unlock()
	}
}

// purgeArtifacts removes the on-disk session directory for a tenant.
// Best-effort: a failure is logged and never propagated.
func (r *Registry) purgeArtifacts(tenant string) {
	if r.dataDir == "" {
		return
	}
	dir := filepath.Join(r.dataDir, "session-"+tenant)
	if err := os.RemoveAll(dir); err != nil {
		r.log.Warn("session artifact purge failed",
			logx.String("tenant", tenant), logx.String("dir", dir), logx.Err(err))
		return
	}
	r.log.Debug("session artifacts purged",
		logx.String("tenant", tenant), logx.String("dir", dir))
}

func (r *Registry) publish(tenant string, from, to Status, reason string) {
	if r.bus == nil || from == to {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSessionStatus,
		Data: eventbus.SessionStatusData{
			Tenant: tenant,
			From:   string(from),
			To:     string(to),
			Reason: reason,
		},
	})
}

func (e *entry) snapshot() Status {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.status
}

func (e *entry) setCode(code string) {
	e.stateMu.Lock()
	e.code = code
	e.stateMu.Unlock()
}

func (e *entry) setClient(cli protocol.Client) {
	e.stateMu.Lock()
	e.client = cli
	e.stateMu.Unlock()
}

// takeClient atomically detaches the handle so exactly one caller ends up
// responsible for destroying it.
func (e *entry) takeClient() protocol.Client {
	e.stateMu.Lock()
	cli := e.client
	e.client = nil
	e.stateMu.Unlock()
	return cli
}

func (e *entry) transition(r *Registry, to Status, reason string) {
	e.stateMu.Lock()
	from := e.status
	e.status = to
	e.stateMu.Unlock()
	r.publish(e.tenant, from, to, reason)
}
