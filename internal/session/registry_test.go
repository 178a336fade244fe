package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wabridge/internal/protocol"
	"wabridge/pkg/logx"
)

// scriptClient drives the registry from tests: connect behavior, the
// authoritative state and teardown failures are all scripted.
type scriptClient struct {
	onConnect func(h protocol.EventHandler) error

	// destroyStarted (buffered) signals Destroy entry; destroyGate, when
	// set, holds Destroy open until the channel is closed.
	destroyStarted chan struct{}
	destroyGate    chan struct{}

	mu         sync.Mutex
	handler    protocol.EventHandler
	state      protocol.State
	stateErr   error
	logoutErr  error
	destroyErr error
	logouts    int
	destroys   int
}

func (c *scriptClient) Connect(ctx context.Context) error {
	if c.onConnect != nil {
		return c.onConnect(c.handler)
	}
	return nil
}

func (c *scriptClient) QueryState(ctx context.Context) (protocol.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.stateErr
}

func (c *scriptClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return c.logoutErr
}

func (c *scriptClient) Destroy(ctx context.Context) error {
	if c.destroyStarted != nil {
		select {
		case c.destroyStarted <- struct{}{}:
		default:
		}
	}
	if c.destroyGate != nil {
		<-c.destroyGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroys++
	return c.destroyErr
}

func (c *scriptClient) ResolveAddress(ctx context.Context, number string) (string, error) {
	return number, nil
}
func (c *scriptClient) SendText(ctx context.Context, address, body string) error { return nil }
func (c *scriptClient) SendMedia(ctx context.Context, address string, media protocol.Media, caption string) error {
	return nil
}
func (c *scriptClient) Groups(ctx context.Context) ([]protocol.Group, error) { return nil, nil }
func (c *scriptClient) GroupParticipants(ctx context.Context, groupID string) ([]string, error) {
	return nil, nil
}
func (c *scriptClient) Labels(ctx context.Context) ([]string, error) {
	return nil, protocol.ErrUnsupported
}

func (c *scriptClient) setState(st protocol.State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// scriptFactory hands out pre-built clients in order and records how many
// were created.
type scriptFactory struct {
	mu      sync.Mutex
	clients []*scriptClient
	created int
}

func (f *scriptFactory) factory(tenant string, handler protocol.EventHandler) (protocol.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created >= len(f.clients) {
		return nil, errors.New("factory exhausted")
	}
	cli := f.clients[f.created]
	cli.handler = handler
	f.created++
	return cli, nil
}

func newTestRegistry(t *testing.T, clients ...*scriptClient) (*Registry, *scriptFactory, string) {
	t.Helper()
	f := &scriptFactory{clients: clients}
	dataDir := t.TempDir()
	return NewRegistry(f.factory, dataDir, nil, logx.Nop()), f, dataDir
}

func readyOnConnect(h protocol.EventHandler) error {
	h.Ready()
	return nil
}

func TestStartIdempotentWhileActive(t *testing.T) {
	t.Parallel()
	cli := &scriptClient{onConnect: readyOnConnect, state: protocol.StateConnected}
	r, f, _ := newTestRegistry(t, cli)

	st, err := r.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st != StatusReady {
		t.Fatalf("status = %s, want ready", st)
	}

	st, err = r.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if st != StatusReady {
		t.Fatalf("second status = %s, want ready", st)
	}
	f.mu.Lock()
	created := f.created
	f.mu.Unlock()
	if created != 1 {
		t.Fatalf("factory created %d clients, want 1", created)
	}
}

func TestStartMissingTenant(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	if _, err := r.Start(context.Background(), ""); !errors.Is(err, ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestStartConnectFailure(t *testing.T) {
	t.Parallel()
	broken := &scriptClient{onConnect: func(protocol.EventHandler) error {
		return errors.New("socket refused")
	}}
	fresh := &scriptClient{onConnect: readyOnConnect, state: protocol.StateConnected}
	r, f, _ := newTestRegistry(t, broken, fresh)

	st, err := r.Start(context.Background(), "u1")
	if err == nil {
		t.Fatal("expected connect error")
	}
	if st != StatusInitError {
		t.Fatalf("status = %s, want init_error", st)
	}
	broken.mu.Lock()
	destroys := broken.destroys
	broken.mu.Unlock()
	if destroys != 1 {
		t.Fatalf("failed client destroyed %d times, want 1", destroys)
	}

	// The stale entry must not block a fresh start.
	st, err = r.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if st != StatusReady {
		t.Fatalf("restart status = %s, want ready", st)
	}
	f.mu.Lock()
	created := f.created
	f.mu.Unlock()
	if created != 2 {
		t.Fatalf("factory created %d clients, want 2", created)
	}
}

func TestCloseAlwaysEndsNoSession(t *testing.T) {
	t.Parallel()
	cli := &scriptClient{
		onConnect:  readyOnConnect,
		state:      protocol.StateConnected,
		logoutErr:  errors.New("logout rejected"),
		destroyErr: errors.New("destroy hung up"),
	}
	r, _, dataDir := newTestRegistry(t, cli)

	if _, err := r.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	artifacts := filepath.Join(dataDir, "session-u1")
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := r.Close(context.Background(), "u1"); err != nil {
		t.Fatalf("Close must not propagate teardown failures, got %v", err)
	}

	if st, _ := r.Status(context.Background(), "u1"); st != StatusNoSession {
		t.Fatalf("status after close = %s, want no_session", st)
	}
	if cli, _ := r.Handle("u1"); cli != nil {
		t.Fatal("handle must be released after close")
	}
	cli.mu.Lock()
	logouts, destroys := cli.logouts, cli.destroys
	cli.mu.Unlock()
	if logouts != 1 || destroys != 1 {
		t.Fatalf("logouts=%d destroys=%d, want 1/1", logouts, destroys)
	}
	if _, err := os.Stat(artifacts); !os.IsNotExist(err) {
		t.Fatalf("session artifacts should be purged, stat err = %v", err)
	}
}

func TestCloseUnknownTenant(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	if err := r.Close(context.Background(), "ghost"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestAuthFailureReportedVerbatim(t *testing.T) {
	t.Parallel()
	cli := &scriptClient{onConnect: func(h protocol.EventHandler) error {
		h.AuthFailure("bad credentials")
		return nil
	}}
	r, _, _ := newTestRegistry(t, cli)

	st, err := r.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st != StatusAuthFailure {
		t.Fatalf("status = %s, want auth_failure", st)
	}

	// No handle remains, so GetStatus must return the tracked status
	// verbatim without any authoritative query.
	st, degraded := r.Status(context.Background(), "u1")
	if st != StatusAuthFailure {
		t.Fatalf("tracked status = %s, want auth_failure", st)
	}
	if degraded {
		t.Fatal("no query happened, result must not be degraded")
	}
}

func TestPairingCodeLifecycle(t *testing.T) {
	t.Parallel()
	cli := &scriptClient{
		onConnect: func(h protocol.EventHandler) error {
			h.PairingCode("CODE-1")
			return nil
		},
		state: protocol.StatePairing,
	}
	r, _, _ := newTestRegistry(t, cli)

	st, err := r.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st != StatusNeedsScan {
		t.Fatalf("status = %s, want needs_scan", st)
	}

	code, st, err := r.PairingCode("u1")
	if err != nil {
		t.Fatalf("PairingCode: %v", err)
	}
	if code != "CODE-1" || st != StatusNeedsScan {
		t.Fatalf("got (%q, %s)", code, st)
	}

	// Scan accepted: the code is cleared on the way to ready.
	cli.handler.Authenticated()
	if _, _, err := r.PairingCode("u1"); !errors.Is(err, ErrCodeNotReady) {
		t.Fatalf("expected ErrCodeNotReady after authentication, got %v", err)
	}
	cli.handler.Ready()
	if _, _, err := r.PairingCode("u1"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestPairingCodeNotStarted(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	if _, _, err := r.PairingCode("ghost"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, _, err := r.PairingCode(""); !errors.Is(err, ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestStatusDegradedOnQueryFailure(t *testing.T) {
	t.Parallel()
	cli := &scriptClient{onConnect: readyOnConnect}
	cli.stateErr = errors.New("query timed out")
	r, _, _ := newTestRegistry(t, cli)

	if _, err := r.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, degraded := r.Status(context.Background(), "u1")
	if st != StatusReady {
		t.Fatalf("status = %s, want tracked ready", st)
	}
	if !degraded {
		t.Fatal("query failed, result must be flagged degraded")
	}
}

func TestStatusTeardownOnUnexpectedRemoteState(t *testing.T) {
	t.Parallel()
	cli := &scriptClient{onConnect: readyOnConnect, state: protocol.StateConnected}
	r, _, _ := newTestRegistry(t, cli)

	if _, err := r.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cli.setState(protocol.StateOther)
	st, degraded := r.Status(context.Background(), "u1")
	if st != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", st)
	}
	if degraded {
		t.Fatal("successful query must not be degraded")
	}
	if h, _ := r.Handle("u1"); h != nil {
		t.Fatal("handle must be torn down on unexpected remote state")
	}
	cli.mu.Lock()
	destroys := cli.destroys
	cli.mu.Unlock()
	if destroys != 1 {
		t.Fatalf("destroys = %d, want 1", destroys)
	}
}

func TestStartRacingCloseKeepsSingleTrackedHandle(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	first := &scriptClient{
		onConnect:      readyOnConnect,
		state:          protocol.StateConnected,
		destroyStarted: make(chan struct{}, 1),
		destroyGate:    gate,
	}
	second := &scriptClient{onConnect: readyOnConnect, state: protocol.StateConnected}
	r, f, _ := newTestRegistry(t, first, second)

	if _, err := r.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Close holds the operation mutex mid-teardown while a restart queues
	// behind it. The restart must land on the entry actually in the map,
	// not on the one Close is about to remove.
	closeDone := make(chan error, 1)
	go func() { closeDone <- r.Close(context.Background(), "u1") }()
	<-first.destroyStarted

	var (
		restartStatus Status
		restartErr    error
	)
	startDone := make(chan struct{})
	go func() {
		defer close(startDone)
		restartStatus, restartErr = r.Start(context.Background(), "u1")
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	if err := <-closeDone; err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-startDone
	if restartErr != nil {
		t.Fatalf("racing Start: %v", restartErr)
	}
	if restartStatus != StatusReady {
		t.Fatalf("racing Start status = %s, want ready", restartStatus)
	}

	cli, st := r.Handle("u1")
	if cli == nil || st != StatusReady {
		t.Fatalf("handle after race = (%v, %s), want tracked ready session", cli, st)
	}

	// Idempotency must still hold: the tracked session absorbs the next
	// Start instead of a third client appearing.
	if st, err := r.Start(context.Background(), "u1"); err != nil || st != StatusReady {
		t.Fatalf("follow-up Start = (%s, %v)", st, err)
	}
	f.mu.Lock()
	created := f.created
	f.mu.Unlock()
	if created != 2 {
		t.Fatalf("factory created %d clients, want 2", created)
	}
}

func TestDisconnectEventTearsDown(t *testing.T) {
	t.Parallel()
	cli := &scriptClient{onConnect: readyOnConnect, state: protocol.StateConnected}
	r, _, _ := newTestRegistry(t, cli)

	if _, err := r.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cli.handler.Disconnected("stream replaced")
	if st, _ := r.Status(context.Background(), "u1"); st != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", st)
	}
	if h, _ := r.Handle("u1"); h != nil {
		t.Fatal("handle must be released on disconnect event")
	}
}
