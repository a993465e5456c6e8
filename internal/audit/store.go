// Package audit implements the agent's append-only local store: the audit
// ledger (AuditEvent records with a strictly increasing seq), the durable
// outbox of unacknowledged outcomes, and the encrypted credential bundle.
//
// Structurally this is the teacher's internal/database/db.go wrapper
// generalized from "one DB per domain area" to "one ledger DB for the
// agent", kept on the same pure-Go sqlite driver and the same
// profile/PRAGMA-building idiom.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Profile mirrors the teacher's DatabaseProfile: a named PRAGMA bundle
// appropriate to a durability/speed tradeoff.
type Profile string

const (
	// ProfileLedger is maximum-safety: fsync every write, never auto-vacuum.
	// This is the only profile the audit log itself ever uses.
	ProfileLedger Profile = "ledger"
)

// Store wraps the sqlite connection backing the audit ledger, outbox and
// credential bundle.
type Store struct {
	conn *sql.DB
	path string
}

// Config configures Open.
type Config struct {
	Path string // file path, or a "file:...?mode=memory&cache=shared" URI for tests
}

// Open opens (creating if absent) the ledger database and migrates its schema.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("audit: resolve path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, fmt.Errorf("audit: create directory: %w", err)
		}
		path = abs
	}

	connStr := buildConnectionString(path)
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	conn.SetMaxOpenConns(1) // single-writer ledger: serialize all access
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(FULL)" // fsync after every write: C2 durability guarantee
	connStr += "&_pragma=auto_vacuum(NONE)" // append-only: never shrink
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=wal_autocheckpoint(1000)"
	connStr += "&_pragma=cache_size(-32000)"
	return connStr
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	payload    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id           TEXT PRIMARY KEY,
	command_id   TEXT NOT NULL,
	kind         TEXT NOT NULL,
	body         TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	acked        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS processed_commands (
	id          TEXT PRIMARY KEY,
	seen_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	key         TEXT PRIMARY KEY,
	value_enc   BLOB NOT NULL
);
`

func (s *Store) migrate() error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(schema); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec schema: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path (or URI, for in-memory stores).
func (s *Store) Path() string {
	return s.path
}

// HealthCheck runs a quick connectivity probe.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}
