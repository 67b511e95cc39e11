package output

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "hostwatch/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS results (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	module        TEXT NOT NULL,
	mid           TEXT NOT NULL,
	ts            TEXT NOT NULL,
	exit_code     INTEGER NOT NULL,
	report_status INTEGER NOT NULL DEFAULT 0,
	payload       BLOB
);
CREATE INDEX IF NOT EXISTS results_mid_ts ON results(mid, ts);
`

type sqliteChannel struct {
	name string
	db   *sql.DB
	log  logx.Logger
}

func openSQLite(name string, cfg Config, log logx.Logger) (Channel, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteChannel{name: name, db: db, log: log}, nil
}

func (c *sqliteChannel) Name() string { return c.name }

func (c *sqliteChannel) Write(ctx context.Context, r Result) error {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	status := 0
	if r.ReportStatus {
		status = 1
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO results(run_id, module, mid, ts, exit_code, report_status, payload) VALUES(?,?,?,?,?,?,?)`,
		r.RunID, r.Module, r.MID, ts.UTC().Format(time.RFC3339Nano), r.ExitCode, status, r.Payload,
	)
	return err
}

func (c *sqliteChannel) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// countResults reports stored rows for one mid.
func (c *sqliteChannel) countResults(ctx context.Context, mid string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM results WHERE mid = ?`, mid).Scan(&n)
	return n, err
}
