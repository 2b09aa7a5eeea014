// Package store is the relational document store: documents, their metadata
// and file versions, processing status and summaries, on SQLite.
//
// Every version bump runs as one transaction. The counter on the documents
// row is incremented with UPDATE ... RETURNING, which takes the SQLite write
// lock before anything is read, so concurrent uploads of the same document
// are serialized and never observe the same version number.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrDeleted  = errors.New("document is deleted")
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id                       TEXT PRIMARY KEY,
	current_metadata_version INTEGER NOT NULL DEFAULT 0,
	current_file_version     INTEGER NOT NULL DEFAULT 0,
	deleted_at               INTEGER,
	workspace_id             TEXT,
	created_at               INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS metadata_versions (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	version     INTEGER NOT NULL,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	language    TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	created_by  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (document_id, version)
);
CREATE TABLE IF NOT EXISTS file_versions (
	document_id       TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	version           INTEGER NOT NULL,
	original_filename TEXT NOT NULL,
	object_key        TEXT NOT NULL UNIQUE,
	size              INTEGER NOT NULL,
	content_type      TEXT NOT NULL DEFAULT '',
	uploaded_at       INTEGER NOT NULL,
	uploaded_by       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (document_id, version)
);
CREATE TABLE IF NOT EXISTS processing_status (
	document_id   TEXT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
	extraction    TEXT NOT NULL DEFAULT 'NotStarted',
	summarization TEXT NOT NULL DEFAULT 'NotStarted',
	indexing      TEXT NOT NULL DEFAULT 'NotStarted',
	last_error    TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS summaries (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id      TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	model            TEXT NOT NULL,
	length_preset_id TEXT,
	content          TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_document ON summaries (document_id, id);
`

// Store is the document store handle. It is safe for concurrent use.
type Store struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

type config struct {
	busyTimeout int
	mkdirAll    bool
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates the parent directory of the database path.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{busyTimeout: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// OpenMemory opens an in-memory store for tests. Every connection to
// ":memory:" is a separate database, so the pool is pinned to one.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const maxTxRetries = 3

// RunTx executes fn inside a transaction, retrying up to three times with
// 100/200/300ms backoff when SQLite reports the database as busy.
func (s *Store) RunTx(ctx context.Context, fn func(*sql.Tx) error) error {
	for i := range maxTxRetries {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) || i == maxTxRetries-1 {
			return err
		}
		if err := sleepCtx(ctx, time.Duration(100*(i+1))*time.Millisecond); err != nil {
			return fmt.Errorf("store: context cancelled during retry: %w", err)
		}
	}
	return fmt.Errorf("store: RunTx: max retries exceeded")
}

func (s *Store) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// dsn passes pragmas as connection parameters so that every pooled
// connection gets them, not only the first one. Transactions start with
// BEGIN IMMEDIATE: version allocation must hold the write lock from the start.
func dsn(path string, cfg *config) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.busyTimeout))
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
