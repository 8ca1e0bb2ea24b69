package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/stagehand/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreGetMissing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, found, err := s.Get(context.Background(), "stagehand", "lock")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected missing key")
	}
}

func TestStoreSetGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Set(ctx, "ns", "k", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "ns", "k", json.RawMessage(`{"a":2}`)); err != nil {
		t.Fatalf("Set (overwrite): %v", err)
	}
	e, found, err := s.Get(ctx, "ns", "k")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if string(e.Value) != `{"a":2}` {
		t.Fatalf("unexpected value %s", e.Value)
	}
	if e.UpdatedAt.IsZero() {
		t.Fatalf("expected updated_at to be parsed")
	}

	// Namespaces are isolated.
	if _, found, _ := s.Get(ctx, "other", "k"); found {
		t.Fatalf("key leaked across namespaces")
	}

	if err := s.Delete(ctx, "ns", "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := s.Get(ctx, "ns", "k"); found {
		t.Fatalf("expected key to be deleted")
	}
	if err := s.Delete(ctx, "ns", "k"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	first := json.RawMessage(`{"stage_id":"a"}`)
	second := json.RawMessage(`{"stage_id":"b"}`)

	ok, err := s.CompareAndSwap(ctx, "ns", "lock", nil, first)
	if err != nil || !ok {
		t.Fatalf("create-if-absent: ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSwap(ctx, "ns", "lock", nil, second)
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if ok {
		t.Fatalf("create-if-absent must fail when key exists")
	}

	ok, err = s.CompareAndSwap(ctx, "ns", "lock", second, nil)
	if err != nil || ok {
		t.Fatalf("mismatched expected must not swap: ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSwap(ctx, "ns", "lock", first, second)
	if err != nil || !ok {
		t.Fatalf("matching swap: ok=%v err=%v", ok, err)
	}

	ok, err = s.CompareAndSwap(ctx, "ns", "lock", second, nil)
	if err != nil || !ok {
		t.Fatalf("delete swap: ok=%v err=%v", ok, err)
	}
	if _, found, _ := s.Get(ctx, "ns", "lock"); found {
		t.Fatalf("expected key deleted by swap")
	}

	ok, err = s.CompareAndSwap(ctx, "ns", "lock", first, second)
	if err != nil || ok {
		t.Fatalf("swap on missing key with expected value: ok=%v err=%v", ok, err)
	}
}

func TestStoreRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Set(ctx, "", "k", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for empty namespace")
	}
	if err := s.Set(ctx, "ns", "k", json.RawMessage(`{not json`)); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}

	big := `{"blob":"` + strings.Repeat("a", DefaultMaxValueBytes) + `"}`
	if err := s.Set(ctx, "ns", "k", json.RawMessage(big)); err == nil {
		t.Fatalf("expected size limit error")
	}
}
