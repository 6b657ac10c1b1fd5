// Package sqlite is the reference implementation of store.Store. It is
// not "the" object store the core depends on — spec.md §1 places the
// object store's storage engine out of scope — but it is a complete,
// correct one so the core is independently runnable and testable.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"github.com/basket/fleetcore/internal/store"
)

const (
	schemaVersion = 1

	maxRetries = 5
	baseDelay  = 25 * time.Millisecond
	maxDelay   = 250 * time.Millisecond
)

// Store is a sqlite-backed store.Store. Every bucket is a single logical
// table (objects keyed by bucket+key) so new buckets never require a
// migration.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite database at path and ensures the
// schema is current.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS objects (
			bucket     TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			etag       TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (bucket, key)
		);
		CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket);
		CREATE TABLE IF NOT EXISTS schema_meta (version INTEGER NOT NULL);
		CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			action     TEXT NOT NULL,
			resource   TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			actor      TEXT,
			detail     TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM schema_meta`).Scan(&count); err != nil {
		return fmt.Errorf("read schema_meta: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("seed schema_meta: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need a table this
// store doesn't model through the bucketed Record API — currently just
// internal/audit's audit_log mirror.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Get(ctx context.Context, bucket, key string) (store.Record, error) {
	var value []byte
	var etag string
	err := s.db.QueryRowContext(ctx, `SELECT value, etag FROM objects WHERE bucket = ? AND key = ?`, bucket, key).
		Scan(&value, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return store.Record{Key: key, Value: value, ETag: etag}, nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte, expectedETag string) (string, error) {
	newETag := uuid.NewString()
	var result string
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var currentETag string
		err = tx.QueryRowContext(ctx, `SELECT etag FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&currentETag)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if expectedETag != "" {
				return store.ErrConflict
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO objects(bucket, key, value, etag, updated_at) VALUES (?, ?, ?, ?, ?)
			`, bucket, key, value, newETag, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("insert %s/%s: %w", bucket, key, err)
			}
		case err != nil:
			return fmt.Errorf("read etag %s/%s: %w", bucket, key, err)
		default:
			if currentETag != expectedETag {
				return store.ErrConflict
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE objects SET value = ?, etag = ?, updated_at = ? WHERE bucket = ? AND key = ?
			`, value, newETag, time.Now().UTC().Format(time.RFC3339Nano), bucket, key); err != nil {
				return fmt.Errorf("update %s/%s: %w", bucket, key, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s/%s: %w", bucket, key, err)
		}
		result = newETag
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

func (s *Store) FindObjects(ctx context.Context, bucket string, filter store.Filter, opts store.FindOptions) ([]store.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, etag FROM objects WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", bucket, err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var rec store.Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.ETag); err != nil {
			return nil, fmt.Errorf("scan row %s: %w", bucket, err)
		}
		if store.Matches(filter, rec.Value) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan rows %s: %w", bucket, err)
	}

	out = applySort(out, opts.Sort)
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// retryOnBusy retries transient SQLITE_BUSY lock contention with bounded
// jittered backoff. The single-writer core rarely contends, but the
// sweep loops (waitlist director, reboot reconciliation) and request
// handlers can overlap a write against the same underlying file.
func retryOnBusy(ctx context.Context, f func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || errors.Is(err, store.ErrConflict) {
			return err
		}
		if !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	// The sqlite3 driver wraps SQLITE_BUSY/SQLITE_LOCKED as *sqlite3.Error;
	// matching on message avoids an import-cycle-prone type assertion
	// against the driver's internal error codes across cgo builds.
	return err != nil && (contains(err.Error(), "database is locked") || contains(err.Error(), "busy"))
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
