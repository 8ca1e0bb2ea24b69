// Package state persists small JSON values in SQLite, keyed by namespace
// and key, with a compare-and-swap primitive for ownership locking.
package state

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const DefaultMaxValueBytes = 1 << 20 // 1 MiB

// Entry is a stored value with its last write time.
type Entry struct {
	Value     json.RawMessage
	UpdatedAt time.Time
}

type Store struct {
	db            *sql.DB
	maxValueBytes int
	now           func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		maxValueBytes: DefaultMaxValueBytes,
		now:           time.Now,
	}
}

// Get returns the entry for (namespace, key). found is false when missing.
func (s *Store) Get(ctx context.Context, namespace, key string) (Entry, bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return Entry{}, false, err
	}
	return s.get(ctx, s.db, namespace, key)
}

// Set upserts value for (namespace, key).
func (s *Store) Set(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if err := s.checkValue(value); err != nil {
		return err
	}
	return s.put(ctx, s.db, namespace, key, value)
}

// Delete removes (namespace, key). Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM key_value WHERE namespace = ? AND key = ?;", namespace, key); err != nil {
		return fmt.Errorf("delete state %s/%s: %w", namespace, key, err)
	}
	return nil
}

// CompareAndSwap replaces the value of (namespace, key) with next only if
// the stored value is byte-equal to expected. A nil expected means the key
// must be absent; a nil next deletes the key. swapped is false when the
// stored value did not match.
func (s *Store) CompareAndSwap(ctx context.Context, namespace, key string, expected, next json.RawMessage) (bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return false, err
	}
	if next != nil {
		if err := s.checkValue(next); err != nil {
			return false, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, found, err := s.get(ctx, tx, namespace, key)
	if err != nil {
		return false, err
	}
	switch {
	case expected == nil && found:
		return false, nil
	case expected != nil && !found:
		return false, nil
	case expected != nil && !bytes.Equal(cur.Value, expected):
		return false, nil
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM key_value WHERE namespace = ? AND key = ?;", namespace, key); err != nil {
			return false, fmt.Errorf("delete state %s/%s: %w", namespace, key, err)
		}
	} else if err := s.put(ctx, tx, namespace, key, next); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) get(ctx context.Context, q queryer, namespace, key string) (Entry, bool, error) {
	var raw, updatedAt string
	err := q.QueryRowContext(ctx,
		"SELECT value, updated_at FROM key_value WHERE namespace = ? AND key = ?;", namespace, key,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read state %s/%s: %w", namespace, key, err)
	}
	if !json.Valid([]byte(raw)) {
		return Entry{}, false, fmt.Errorf("stored state %s/%s is invalid JSON", namespace, key)
	}

	e := Entry{Value: json.RawMessage(raw)}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return e, true, nil
}

func (s *Store) put(ctx context.Context, q queryer, namespace, key string, value json.RawMessage) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := q.ExecContext(ctx, `
INSERT INTO key_value(namespace, key, value, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(namespace, key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, namespace, key, string(value), now)
	if err != nil {
		return fmt.Errorf("upsert state %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *Store) checkValue(value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("state value is not valid JSON")
	}
	if len(value) > s.maxValueBytes {
		return fmt.Errorf("state value exceeds max size (%d bytes)", s.maxValueBytes)
	}
	return nil
}

func validateKey(namespace, key string) error {
	if namespace == "" {
		return fmt.Errorf("state namespace is empty")
	}
	if key == "" {
		return fmt.Errorf("state key is empty")
	}
	return nil
}
