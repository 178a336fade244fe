package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl append)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchReport records the outcome of one background send batch.
// Keep it compact and schema-stable; message bodies are never stored.
type DispatchReport struct {
	JobID      string            `json:"job_id"`
	Tenant     string            `json:"tenant"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Total      int               `json:"total"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Failures   []DispatchFailure `json:"failures,omitempty"`
}

// DispatchFailure is one recipient that did not receive the message,
// identified by its untouched raw token.
type DispatchFailure struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}
