// Package lock implements the persisted ownership lock that gives one stage
// exclusive use of the staging area, plus a host-local process lock.
package lock

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stagehand/internal/state"
)

const (
	// Namespace is the fixed state namespace for everything the stager persists.
	Namespace = "stagehand"
	lockKey   = "lock"

	tokenBytes = 32
)

// OwnershipLock identifies the current exclusive holder of the staging area.
type OwnershipLock struct {
	StageID    string    `json:"stage_id"`
	Token      string    `json:"token,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Matches reports whether id and token identify this lock. The token is
// compared in constant time.
func (l OwnershipLock) Matches(id, token string) bool {
	if id == "" || token == "" || id != l.StageID {
		return false
	}
	if len(token) != len(l.Token) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(l.Token)) == 1
}

// Store is the persistence the Manager needs.
type Store interface {
	Get(ctx context.Context, namespace, key string) (state.Entry, bool, error)
	CompareAndSwap(ctx context.Context, namespace, key string, expected, next json.RawMessage) (bool, error)
}

// Manager acquires, verifies and releases the ownership lock. It never
// waits: contention is reported as *OwnershipError immediately.
type Manager struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	newToken   func() (string, error)
	logger     *slog.Logger
}

// NewManager creates a lock manager. A positive staleAfter lets Acquire
// reclaim a lock older than that; zero never reclaims.
func NewManager(store Store, staleAfter time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		newToken:   generateToken,
		logger:     logger.With("component", "lock"),
	}
}

// Acquire persists a fresh lock with a new stage id and token. If a stale
// lock was reclaimed it is returned as reclaimed so the caller can clean up
// after its holder.
func (m *Manager) Acquire(ctx context.Context) (acquired OwnershipLock, reclaimed *OwnershipLock, err error) {
	cur, raw, found, err := m.read(ctx)
	if err != nil {
		return OwnershipLock{}, nil, err
	}

	var expected json.RawMessage
	if found {
		if !m.isStale(cur) {
			return OwnershipLock{}, nil, &OwnershipError{HolderID: cur.StageID, Reason: "another stage is active"}
		}
		expected = raw
		prev := cur
		reclaimed = &prev
	}

	token, err := m.newToken()
	if err != nil {
		return OwnershipLock{}, nil, fmt.Errorf("generate lock token: %w", err)
	}
	l := OwnershipLock{
		StageID:    uuid.NewString(),
		Token:      token,
		AcquiredAt: m.now().UTC(),
	}
	next, err := json.Marshal(l)
	if err != nil {
		return OwnershipLock{}, nil, fmt.Errorf("encode lock: %w", err)
	}

	ok, err := m.store.CompareAndSwap(ctx, Namespace, lockKey, expected, next)
	if err != nil {
		return OwnershipLock{}, nil, fmt.Errorf("persist lock: %w", err)
	}
	if !ok {
		// Lost a race with another acquirer; report whoever won.
		holder, _, _, _ := m.read(ctx)
		return OwnershipLock{}, nil, &OwnershipError{HolderID: holder.StageID, Reason: "another stage acquired the lock first"}
	}

	if reclaimed != nil {
		m.logger.Warn("reclaimed stale ownership lock",
			"stale_stage_id", reclaimed.StageID,
			"acquired_at", reclaimed.AcquiredAt,
			"stage_id", l.StageID,
		)
	}
	return l, reclaimed, nil
}

// Current returns the persisted lock, or nil when no stage is active.
func (m *Manager) Current(ctx context.Context) (*OwnershipLock, error) {
	cur, _, found, err := m.read(ctx)
	if err != nil || !found {
		return nil, err
	}
	return &cur, nil
}

// Verify checks that id and token match the persisted lock.
func (m *Manager) Verify(ctx context.Context, id, token string) (OwnershipLock, error) {
	cur, _, err := m.verify(ctx, id, token)
	return cur, err
}

// Release removes the lock held by id/token.
func (m *Manager) Release(ctx context.Context, id, token string) error {
	_, raw, err := m.verify(ctx, id, token)
	if err != nil {
		return err
	}
	ok, err := m.store.CompareAndSwap(ctx, Namespace, lockKey, raw, nil)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if !ok {
		return &OwnershipError{StageID: id, Reason: "lock changed while releasing"}
	}
	return nil
}

// ForceRelease removes whatever lock is persisted, without any ownership
// check. It returns the removed lock, or nil if none existed.
func (m *Manager) ForceRelease(ctx context.Context) (*OwnershipLock, error) {
	cur, raw, found, err := m.read(ctx)
	if err != nil || !found {
		return nil, err
	}
	ok, err := m.store.CompareAndSwap(ctx, Namespace, lockKey, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("force release lock: %w", err)
	}
	if !ok {
		return nil, &OwnershipError{HolderID: cur.StageID, Reason: "lock changed while force releasing"}
	}
	m.logger.Warn("ownership lock force released", "stage_id", cur.StageID)
	return &cur, nil
}

func (m *Manager) verify(ctx context.Context, id, token string) (OwnershipLock, json.RawMessage, error) {
	cur, raw, found, err := m.read(ctx)
	if err != nil {
		return OwnershipLock{}, nil, err
	}
	if !found {
		return OwnershipLock{}, nil, &OwnershipError{StageID: id, Reason: "no stage holds the lock"}
	}
	if !cur.Matches(id, token) {
		return OwnershipLock{}, nil, &OwnershipError{StageID: id, HolderID: cur.StageID, Reason: "stage id or token does not match"}
	}
	return cur, raw, nil
}

func (m *Manager) read(ctx context.Context) (OwnershipLock, json.RawMessage, bool, error) {
	entry, found, err := m.store.Get(ctx, Namespace, lockKey)
	if err != nil {
		return OwnershipLock{}, nil, false, fmt.Errorf("read lock: %w", err)
	}
	if !found {
		return OwnershipLock{}, nil, false, nil
	}
	var l OwnershipLock
	if err := json.Unmarshal(entry.Value, &l); err != nil {
		return OwnershipLock{}, nil, false, fmt.Errorf("decode lock: %w", err)
	}
	return l, entry.Value, true, nil
}

func (m *Manager) isStale(l OwnershipLock) bool {
	if m.staleAfter <= 0 {
		return false
	}
	return m.now().Sub(l.AcquiredAt) > m.staleAfter
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
