package config

import "encoding/json"

type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Protocol ProtocolConfig `json:"protocol"`
	Dispatch DispatchConfig `json:"dispatch"`

	// Storage controls the optional dispatch-report store.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Reconcile controls the periodic status reconcile sweep.
	Reconcile ReconcileConfig `json:"reconcile"`
}

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	// Addr defaults to ":3000".
	Addr string `json:"addr,omitempty"`
	// UploadDir holds temporary attachment uploads. Default "./uploads".
	UploadDir string `json:"upload_dir,omitempty"`
	// MaxUploadMB caps attachment size. Default 32.
	MaxUploadMB int `json:"max_upload_mb,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ProtocolConfig controls the messaging-protocol client.
type ProtocolConfig struct {
	// Driver selects the client implementation ("whatsmeow"). Tests and
	// dry runs may leave it empty and inject a factory directly.
	Driver string `json:"driver,omitempty"`
	// DataDir holds per-tenant session artifacts (device stores). Each
	// tenant lives under <data_dir>/session-<tenant>. Default "./sessions".
	DataDir string `json:"data_dir,omitempty"`
}

// DispatchConfig controls the bulk-send pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "8s", "1m").
type DispatchConfig struct {
	// CountryPrefix is prepended to bare 8-digit local numbers. Default "591".
	CountryPrefix string `json:"country_prefix,omitempty"`
	// DefaultPacing is the inter-send delay used when a request carries
	// none. Default "8s".
	DefaultPacing string `json:"default_pacing,omitempty"`
	// RatePerSec caps sends per second across all jobs. 0 disables.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wabridge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReconcileConfig controls the background sweep that re-checks every
// tracked session against the authoritative client state.
type ReconcileConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec (robfig/cron, descriptors allowed).
	// Default "@every 2m".
	Schedule string `json:"schedule,omitempty"`
}

// Raw re-encodes a config for hashing/diff purposes.
func (c *Config) raw() []byte {
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return b
}
