// Package persistence is the dashboard's SQLite store: dashboard users and
// sessions, provider and channel records, process samples and the operator
// audit log.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "cd-v1-2026-10-01-dashboard"

	// v2 adds process_samples and audit_log.
	schemaVersionV2  = 2
	schemaChecksumV2 = "cd-v2-2026-10-12-samples-audit"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type Store struct {
	db *sql.DB
}

// Open creates or migrates the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	ctx := context.Background()
	if err := store.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := retryOnBusy(ctx, 5, func() error { return store.initSchema(ctx) }); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by health checks and the doctor.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("database schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read migration checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q", maxVersion, checksum)
		}
		return tx.Commit()
	}

	if maxVersion < schemaVersionV1 {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT UNIQUE NOT NULL,
				password_hash TEXT NOT NULL,
				role TEXT NOT NULL DEFAULT 'user' CHECK(role IN ('admin', 'user')),
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				last_login DATETIME
			);

			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				expires_at DATETIME NOT NULL,
				ip_address TEXT,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS providers (
				id TEXT PRIMARY KEY,
				name TEXT UNIQUE NOT NULL,
				type TEXT NOT NULL CHECK(type IN ('anthropic', 'openai', 'google', 'openrouter', 'moonshot', 'siliconflow', 'ollama', 'custom')),
				base_url TEXT,
				model TEXT,
				api_key TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				config TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS channels (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				type TEXT NOT NULL CHECK(type IN ('telegram', 'zalo', 'whatsapp')),
				enabled INTEGER NOT NULL DEFAULT 1,
				config TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
			CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
			CREATE INDEX IF NOT EXISTS idx_providers_type ON providers(type);
			CREATE INDEX IF NOT EXISTS idx_channels_type ON channels(type);
		`); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	}

	if maxVersion < schemaVersionV2 {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS process_samples (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				sampled_at DATETIME NOT NULL,
				running INTEGER NOT NULL,
				pid INTEGER,
				cpu REAL NOT NULL DEFAULT 0,
				memory_mb REAL NOT NULL DEFAULT 0,
				uptime_seconds INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at DATETIME NOT NULL,
				trace_id TEXT NOT NULL DEFAULT '',
				actor TEXT NOT NULL,
				action TEXT NOT NULL,
				outcome TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX IF NOT EXISTS idx_samples_time ON process_samples(sampled_at);
			CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);
		`); err != nil {
			return fmt.Errorf("apply schema v2: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersionV2, schemaChecksumV2); err != nil {
			return fmt.Errorf("record schema v2: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// SchemaVersion reports the newest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
