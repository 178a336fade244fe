package session

import (
	"testing"

	"wabridge/internal/protocol"
)

func TestReconcile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		local  Status
		remote protocol.State
		want   Status
		action ReconcileAction
	}{
		{"connected wins over initializing", StatusInitializing, protocol.StateConnected, StatusReady, ActionClearCode},
		{"connected wins over needs_scan", StatusNeedsScan, protocol.StateConnected, StatusReady, ActionClearCode},
		{"connected wins over disconnected", StatusDisconnected, protocol.StateConnected, StatusReady, ActionClearCode},
		{"pairing forces needs_scan", StatusInitializing, protocol.StatePairing, StatusNeedsScan, ActionNone},
		{"pairing demotes ready", StatusReady, protocol.StatePairing, StatusNeedsScan, ActionNone},
		{"indeterminate trusts initializing", StatusInitializing, protocol.StateIndeterminate, StatusInitializing, ActionNone},
		{"indeterminate trusts authenticated", StatusAuthenticated, protocol.StateIndeterminate, StatusAuthenticated, ActionNone},
		{"indeterminate trusts needs_scan", StatusNeedsScan, protocol.StateIndeterminate, StatusNeedsScan, ActionNone},
		{"indeterminate demotes ready to initializing", StatusReady, protocol.StateIndeterminate, StatusInitializing, ActionNone},
		{"indeterminate treats disconnected as reconnecting", StatusDisconnected, protocol.StateIndeterminate, StatusInitializing, ActionNone},
		{"other tears down ready", StatusReady, protocol.StateOther, StatusDisconnected, ActionTeardown},
		{"other tears down initializing", StatusInitializing, protocol.StateOther, StatusDisconnected, ActionTeardown},
		{"other skips teardown when disconnected", StatusDisconnected, protocol.StateOther, StatusDisconnected, ActionNone},
		{"other skips teardown when absent", StatusNoSession, protocol.StateOther, StatusDisconnected, ActionNone},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, action := Reconcile(tt.local, tt.remote)
			if got != tt.want {
				t.Fatalf("Reconcile(%s, %s) status = %s, want %s", tt.local, tt.remote, got, tt.want)
			}
			if action != tt.action {
				t.Fatalf("Reconcile(%s, %s) action = %d, want %d", tt.local, tt.remote, action, tt.action)
			}
		})
	}
}

// The tally of in-flight statuses must stay in sync with the reconciler's
// lag allowance.
func TestStatusPredicates(t *testing.T) {
	t.Parallel()
	all := []Status{
		StatusNoSession, StatusInitializing, StatusNeedsScan, StatusAuthenticated,
		StatusReady, StatusAuthFailure, StatusDisconnected, StatusInitError,
	}
	for _, st := range all {
		if st.InFlight() && !st.Active() {
			t.Fatalf("%s: in-flight statuses must be active", st)
		}
	}
	if !StatusReady.Active() || StatusReady.InFlight() {
		t.Fatal("ready must be active but not in-flight")
	}
	if StatusAuthFailure.Active() || StatusDisconnected.Active() || StatusInitError.Active() {
		t.Fatal("terminal statuses must not be active")
	}
}
