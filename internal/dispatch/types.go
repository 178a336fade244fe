package dispatch

import (
	"errors"
	"time"
)

const defaultPacing = 8 * time.Second

// Config controls dispatch behavior. Zero values fall back to defaults.
type Config struct {
	// CountryPrefix is the default country code for bare local numbers.
	CountryPrefix string
	// DefaultPacing is the inter-send delay used when a request carries
	// none (or an invalid one).
	DefaultPacing time.Duration
	// RatePerSec caps sends per second across all concurrent jobs.
	// 0 disables the cap; per-job pacing still applies.
	RatePerSec int
}

// Media is a shared attachment spooled to a temporary file by the HTTP
// layer. Once a request is accepted the job owns the file and removes it
// after every send has settled, never before.
type Media struct {
	Path     string
	MIMEType string
	Filename string
}

// Request is one send-batch invocation. Bodies shorter than Recipients are
// padded with DefaultBody; extra bodies are ignored.
type Request struct {
	Tenant      string
	Recipients  []string
	Bodies      []string
	DefaultBody string
	Pacing      time.Duration
	Media       *Media
}

// Ack is the immediate response to an accepted request. The tally is zeroed
// on purpose: the batch runs detached and reports through the side channel.
type Ack struct {
	JobID  string `json:"jobId"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
	Total  int    `json:"total"`
}

// Failure records one recipient that did not receive the message. The
// recipient is the untouched raw token from the request.
type Failure struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// Report is the final tally of one batch.
type Report struct {
	JobID      string    `json:"jobId"`
	Tenant     string    `json:"tenant"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Total      int       `json:"total"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Failures   []Failure `json:"failures,omitempty"`
}

var (
	ErrMissingTenant   = errors.New("missing tenant id")
	ErrSessionNotReady = errors.New("session not ready")
	ErrNoRecipients    = errors.New("no recipients selected")
	ErrNoContent       = errors.New("message body or media file is required")
)

// Failure reasons shared with tests and the HTTP layer.
const (
	ReasonNotRegistered = "not a valid account"
	ReasonNoContent     = "no content"
)
