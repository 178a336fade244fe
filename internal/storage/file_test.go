package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"wabridge/pkg/logx"
)

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "wabridge.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		tenant := "alpha"
		if i%2 == 1 {
			tenant = "beta"
		}
		err := st.AppendReport(ctx, DispatchReport{
			JobID:      fmt.Sprintf("job-%d", i),
			Tenant:     tenant,
			Sent:       i,
			Failed:     1,
			Total:      i + 1,
			StartedAt:  base,
			FinishedAt: base.Add(time.Minute),
			Failures:   []DispatchFailure{{Recipient: "123", Reason: "not a valid account"}},
		})
		if err != nil {
			t.Fatalf("AppendReport #%d: %v", i, err)
		}
	}

	got, err := st.RecentReports(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("RecentReports: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d reports for alpha, want 3", len(got))
	}
	// Newest first.
	if got[0].JobID != "job-4" || got[2].JobID != "job-0" {
		t.Fatalf("unexpected ordering: %s .. %s", got[0].JobID, got[2].JobID)
	}
	if got[0].Failures[0].Reason != "not a valid account" {
		t.Fatalf("failure reason lost: %+v", got[0].Failures)
	}

	// Cap applies after tenant filtering.
	got, err = st.RecentReports(ctx, "", 2)
	if err != nil {
		t.Fatalf("RecentReports all: %v", err)
	}
	if len(got) != 2 || got[0].JobID != "job-4" {
		t.Fatalf("unexpected capped result: %+v", got)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: expected disabled store, got (%v, %v)", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
