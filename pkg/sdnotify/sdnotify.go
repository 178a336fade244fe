// Package sdnotify reports service readiness to systemd. All calls are
// no-ops outside a systemd unit (NOTIFY_SOCKET unset).
package sdnotify

import "github.com/coreos/go-systemd/v22/daemon"

// Ready signals that startup finished and the service accepts requests.
func Ready() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady)
	return ok
}

// Stopping signals that shutdown has begun.
func Stopping() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return ok
}

// Status publishes a free-form status line visible in systemctl status.
func Status(msg string) bool {
	ok, _ := daemon.SdNotify(false, "STATUS="+msg)
	return ok
}
