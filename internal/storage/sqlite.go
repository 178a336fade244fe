package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wabridge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendReport(ctx context.Context, r DispatchReport) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	var failures any
	if len(r.Failures) > 0 {
		b, err := json.Marshal(r.Failures)
		if err != nil {
			return err
		}
		failures = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_reports(job_id, tenant, sent, failed, total, started_at, finished_at, failures)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.JobID, r.Tenant, r.Sent, r.Failed, r.Total,
		r.StartedAt.Format(time.RFC3339Nano), r.FinishedAt.Format(time.RFC3339Nano), failures,
	)
	return err
}

func (s *sqliteStore) RecentReports(ctx context.Context, tenant string, limit int) ([]DispatchReport, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, tenant, sent, failed, total, started_at, finished_at, failures
		 FROM dispatch_reports WHERE (? = '' OR tenant = ?)
		 ORDER BY id DESC LIMIT ?`,
		tenant, tenant, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DispatchReport
	for rows.Next() {
		var (
			r                 DispatchReport
			started, finished string
			failures          sql.NullString
		)
		if err := rows.Scan(&r.JobID, &r.Tenant, &r.Sent, &r.Failed, &r.Total, &started, &finished, &failures); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		if failures.Valid && failures.String != "" {
			if err := json.Unmarshal([]byte(failures.String), &r.Failures); err != nil {
				s.log.Debug("undecodable failure list in report row",
					logx.String("job", r.JobID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
