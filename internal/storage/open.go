package storage

import (
	"context"
	"errors"
	"strings"

	"wabridge/pkg/logx"
)

// Store is the dispatch-report side channel used by core/services.
type Store interface {
	AppendReport(ctx context.Context, r DispatchReport) error
	// RecentReports returns up to limit reports for a tenant, newest first.
	RecentReports(ctx context.Context, tenant string, limit int) ([]DispatchReport, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
