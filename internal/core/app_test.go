package core

import (
	"testing"
	"time"

	"wabridge/internal/config"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	ok := &config.Config{
		Dispatch:  config.DispatchConfig{DefaultPacing: "8s", RatePerSec: 1},
		Reconcile: config.ReconcileConfig{Enabled: true, Schedule: "@every 2m"},
	}
	if err := validateConfig(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []*config.Config{
		{Dispatch: config.DispatchConfig{DefaultPacing: "soon"}},
		{Dispatch: config.DispatchConfig{RatePerSec: -1}},
		{Server: config.ServerConfig{MaxUploadMB: -1}},
		{Storage: &config.StorageConfig{Driver: "sqlite", BusyTimeout: "nope"}},
		{Reconcile: config.ReconcileConfig{Enabled: true, Schedule: "every now and then"}},
	}
	for i, cfg := range bad {
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("bad config #%d accepted", i)
		}
	}
}

func TestMapDispatchConfig(t *testing.T) {
	t.Parallel()
	got := mapDispatchConfig(&config.DispatchConfig{CountryPrefix: "54", DefaultPacing: "2s", RatePerSec: 3})
	if got.CountryPrefix != "54" || got.DefaultPacing != 2*time.Second || got.RatePerSec != 3 {
		t.Fatalf("unexpected mapping: %+v", got)
	}

	// Empty pacing falls back to the documented 8s default.
	got = mapDispatchConfig(&config.DispatchConfig{})
	if got.DefaultPacing != 8*time.Second {
		t.Fatalf("default pacing = %v, want 8s", got.DefaultPacing)
	}
}
