// Package protocol defines the capability surface of the underlying
// messaging-protocol client. One Client exists per tenant; the session
// registry is its single owner and the only component allowed to call
// lifecycle operations (Connect/Logout/Destroy) on it.
package protocol

import (
	"context"
	"errors"
)

// State is the authoritative point-in-time connection state reported by the
// remote client, as opposed to the registry's locally tracked status.
type State string

const (
	// StateConnected means the client is authenticated and usable for sends.
	StateConnected State = "connected"
	// StatePairing means the client is waiting for a pairing code scan.
	StatePairing State = "pairing"
	// StateIndeterminate covers not-yet-ready / opening / timeout signals
	// where the remote side cannot be trusted over local tracking.
	StateIndeterminate State = "indeterminate"
	// StateOther is any unexpected or terminal remote state (e.g. a session
	// conflict). The registry treats it as grounds for teardown.
	StateOther State = "other"
)

var (
	// ErrNotRegistered is returned by ResolveAddress when the number has no
	// account on the remote service.
	ErrNotRegistered = errors.New("number is not registered")
	// ErrNotConnected is returned by send/lookup operations on a client that
	// is not in a connected state.
	ErrNotConnected = errors.New("client is not connected")
	// ErrUnsupported marks capabilities the concrete client cannot provide
	// (e.g. Business labels on a regular account).
	ErrUnsupported = errors.New("operation not supported")
	// ErrGroupNotFound is returned by GroupParticipants for unknown groups.
	ErrGroupNotFound = errors.New("group not found")
)

// Media is a shared attachment sent to one or more recipients.
type Media struct {
	Data     []byte
	MIMEType string
	Filename string
}

// Group is a minimal view of a group chat the account participates in.
type Group struct {
	ID   string
	Name string
}

// EventHandler receives asynchronous lifecycle events from a Client.
// All callbacks may fire from client-owned goroutines at any time after
// Connect is triggered, including after Ready.
type EventHandler interface {
	// PairingCode fires when a fresh pairing code (rendered as a QR by
	// convention) is issued. May fire multiple times before authentication.
	PairingCode(code string)
	// Authenticated fires once the device link is accepted, before Ready.
	Authenticated()
	// Ready fires when the client is fully connected and can send.
	Ready()
	// AuthFailure fires on unrecoverable authentication failure.
	AuthFailure(reason string)
	// Disconnected fires when the remote side drops or logs out the client.
	Disconnected(reason string)
}

// Client is one authenticated connection to the remote messaging service.
//
// Connect blocks until the connect attempt settles; Ready/PairingCode events
// may race its return, so callers must re-read status afterwards.
type Client interface {
	Connect(ctx context.Context) error
	// QueryState reports the authoritative remote state. It can fail
	// transiently; callers degrade to local tracking in that case.
	QueryState(ctx context.Context) (State, error)
	// Logout gracefully unlinks the device. Valid only when authenticated.
	Logout(ctx context.Context) error
	// Destroy releases all resources. Idempotent; failures are non-fatal.
	Destroy(ctx context.Context) error

	// ResolveAddress maps a normalized number to a routable address,
	// or ErrNotRegistered when the number has no account.
	ResolveAddress(ctx context.Context, number string) (string, error)
	SendText(ctx context.Context, address, body string) error
	SendMedia(ctx context.Context, address string, media Media, caption string) error

	// Groups lists group chats the account participates in.
	Groups(ctx context.Context) ([]Group, error)
	// GroupParticipants lists participant numbers of one group.
	GroupParticipants(ctx context.Context, groupID string) ([]string, error)
	// Labels lists Business labels; ErrUnsupported on regular accounts.
	Labels(ctx context.Context) ([]string, error)
}

// Factory creates a client for one tenant with its event handler attached
// before any connect attempt is made.
type Factory func(tenant string, handler EventHandler) (Client, error)
