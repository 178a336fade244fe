package session

import "wabridge/internal/protocol"

// ReconcileAction tells the registry what to do with the handle after a
// reconciliation step, besides committing the returned status.
type ReconcileAction int

const (
	// ActionNone commits the status and nothing else.
	ActionNone ReconcileAction = iota
	// ActionClearCode commits the status and drops the stored pairing code.
	ActionClearCode
	// ActionTeardown destroys the handle and purges session artifacts.
	ActionTeardown
)

// Reconcile resolves a disagreement between the locally tracked status and
// the authoritative state reported by the protocol client.
//
// The policy is pure and deterministic over the (local, remote) pair:
//
//   - connected: the remote side wins outright; the session is ready.
//   - pairing: the session needs a scan, whatever we tracked.
//   - indeterminate: during startup (initializing/authenticated/needs_scan)
//     the remote query is known to lag, so local tracking wins. If local
//     tracking claims ready or disconnected, the client is most likely
//     mid-reconnect, so the session is demoted to initializing rather than
//     being declared dead.
//   - anything else: an unexpected or terminal remote state (conflict etc.);
//     the handle is torn down unless the session was already disconnected
//     or absent.
func Reconcile(local Status, remote protocol.State) (Status, ReconcileAction) {
	switch remote {
	case protocol.StateConnected:
		return StatusReady, ActionClearCode
	case protocol.StatePairing:
		return StatusNeedsScan, ActionNone
	case protocol.StateIndeterminate:
		if local.InFlight() {
			return local, ActionNone
		}
		return StatusInitializing, ActionNone
	default:
		if local == StatusDisconnected || local == StatusNoSession {
			return StatusDisconnected, ActionNone
		}
		return StatusDisconnected, ActionTeardown
	}
}
