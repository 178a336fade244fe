package session

import "errors"

// Status is the locally tracked lifecycle state of one tenant session.
//
// no_session is the implicit initial/terminal state: a tenant with no
// registry entry reports it. needs_scan and authenticated are transient
// pre-ready states; either may jump straight to ready.
type Status string

const (
	StatusNoSession     Status = "no_session"
	StatusInitializing  Status = "initializing"
	StatusNeedsScan     Status = "needs_scan"
	StatusAuthenticated Status = "authenticated"
	StatusReady         Status = "ready"
	StatusAuthFailure   Status = "auth_failure"
	StatusDisconnected  Status = "disconnected"
	StatusInitError     Status = "init_error"
)

// Active reports whether a session in this status is live or on its way to
// becoming live. StartSession is idempotent for active statuses.
func (s Status) Active() bool {
	switch s {
	case StatusReady, StatusInitializing, StatusNeedsScan, StatusAuthenticated:
		return true
	}
	return false
}

// InFlight reports whether the status is a startup state during which the
// authoritative remote query is known to lag behind local tracking.
func (s Status) InFlight() bool {
	switch s {
	case StatusInitializing, StatusAuthenticated, StatusNeedsScan:
		return true
	}
	return false
}

var (
	ErrMissingTenant = errors.New("missing tenant id")
	// ErrNoSession means no entry exists for the tenant (or it is in a
	// terminal/error status with nothing to hand out).
	ErrNoSession = errors.New("no session")
	// ErrCodeNotReady means the session is starting up and no pairing code
	// has been issued yet.
	ErrCodeNotReady = errors.New("pairing code not generated yet")
	// ErrAlreadyConnected means the session is ready; there is no pairing
	// code to scan.
	ErrAlreadyConnected = errors.New("session already connected")
)
