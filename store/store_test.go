package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

// backends returns a fresh store of every implementation, so each test
// exercises the same contract against all of them.
func backends(t *testing.T) map[string]RecordStore {
	t.Helper()

	sqlite, err := NewSQLiteRecordStore(filepath.Join(t.TempDir(), "records.db"), 5000, 16)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	uncached, err := NewSQLiteRecordStore(filepath.Join(t.TempDir(), "records.db"), 5000, 0)
	if err != nil {
		t.Fatalf("failed to create uncached sqlite store: %v", err)
	}
	t.Cleanup(func() { uncached.Close() })

	return map[string]RecordStore{
		"memory":          NewMemoryRecordStore(),
		"sqlite":          sqlite,
		"sqlite_uncached": uncached,
	}
}

func TestRecordStoreInsertAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec := &Record{ID: 1, Fields: map[string]interface{}{"name": "alpha", "size": int64(3)}}
			if err := s.Insert(ctx, rec); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			got, err := s.Get(ctx, 1)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got == nil {
				t.Fatal("record not found after insert")
			}
			if got.Fields["name"] != "alpha" {
				t.Errorf("unexpected name field: %v", got.Fields["name"])
			}

			// Absent records return (nil, nil), not an error
			missing, err := s.Get(ctx, 99)
			if err != nil {
				t.Fatalf("Get of absent record errored: %v", err)
			}
			if missing != nil {
				t.Errorf("expected nil for absent record, got %+v", missing)
			}
		})
	}
}

func TestRecordStoreDuplicateInsert(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec := &Record{ID: 7, Fields: map[string]interface{}{"v": int64(1)}}
			if err := s.Insert(ctx, rec); err != nil {
				t.Fatalf("first Insert failed: %v", err)
			}

			err := s.Insert(ctx, &Record{ID: 7, Fields: map[string]interface{}{"v": int64(2)}})
			if !errors.Is(err, ErrDuplicate) {
				t.Fatalf("expected ErrDuplicate, got %v", err)
			}

			// The original record must be untouched
			got, err := s.Get(ctx, 7)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Fields["v"] != int64(1) {
				t.Errorf("duplicate insert overwrote record: %v", got.Fields["v"])
			}
		})
	}
}

func TestRecordStoreUpdateFields(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			rec := &Record{ID: 2, Fields: map[string]interface{}{"a": int64(1), "b": int64(2)}}
			if err := s.Insert(ctx, rec); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			// Partial update: overwrite one field, add another, keep the rest
			err := s.UpdateFields(ctx, 2, map[string]interface{}{"b": int64(20), "c": int64(30)})
			if err != nil {
				t.Fatalf("UpdateFields failed: %v", err)
			}

			got, err := s.Get(ctx, 2)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.Fields["a"] != int64(1) {
				t.Errorf("untouched field changed: %v", got.Fields["a"])
			}
			if got.Fields["b"] != int64(20) {
				t.Errorf("updated field wrong: %v", got.Fields["b"])
			}
			if got.Fields["c"] != int64(30) {
				t.Errorf("added field wrong: %v", got.Fields["c"])
			}
		})
	}
}

func TestRecordStoreUpdateMissing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.UpdateFields(context.Background(), 404, map[string]interface{}{"x": int64(1)})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRecordStoreDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Insert(ctx, &Record{ID: 3, Fields: map[string]interface{}{"x": int64(1)}}); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
			if err := s.Delete(ctx, 3); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}

			got, err := s.Get(ctx, 3)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got != nil {
				t.Error("record still present after delete")
			}

			// Deleting an absent record is not an error
			if err := s.Delete(ctx, 3); err != nil {
				t.Errorf("second Delete errored: %v", err)
			}
			if err := s.Delete(ctx, 12345); err != nil {
				t.Errorf("Delete of never-existing record errored: %v", err)
			}
		})
	}
}

func TestRecordStoreListRecent(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := uint64(1); i <= 5; i++ {
				rec := &Record{ID: i, Fields: map[string]interface{}{"seq": int64(i)}}
				if err := s.Insert(ctx, rec); err != nil {
					t.Fatalf("Insert %d failed: %v", i, err)
				}
			}

			// Touch record 2 so it becomes the most recent
			if err := s.UpdateFields(ctx, 2, map[string]interface{}{"seq": int64(20)}); err != nil {
				t.Fatalf("UpdateFields failed: %v", err)
			}

			recent, err := s.ListRecent(ctx, 3)
			if err != nil {
				t.Fatalf("ListRecent failed: %v", err)
			}
			if len(recent) != 3 {
				t.Fatalf("expected 3 records, got %d", len(recent))
			}
			if recent[0].ID != 2 {
				t.Errorf("most recent record should be 2, got %d", recent[0].ID)
			}

			// Window larger than the store returns everything
			all, err := s.ListRecent(ctx, 100)
			if err != nil {
				t.Fatalf("ListRecent failed: %v", err)
			}
			if len(all) != 5 {
				t.Errorf("expected 5 records, got %d", len(all))
			}
		})
	}
}

func TestRecordCloneIsolation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Insert(ctx, &Record{ID: 9, Fields: map[string]interface{}{"k": "v"}}); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			got, err := s.Get(ctx, 9)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}

			// Mutating the returned map must not leak into the store
			got.Fields["k"] = "mutated"

			again, err := s.Get(ctx, 9)
			if err != nil {
				t.Fatalf("second Get failed: %v", err)
			}
			if again.Fields["k"] != "v" {
				t.Errorf("caller mutation leaked into store: %v", again.Fields["k"])
			}
		})
	}
}

func TestNodeSet(t *testing.T) {
	set := NewNodeSet()
	set.Register(1, NewMemoryRecordStore())
	set.Register(2, NewMemoryRecordStore())

	if _, err := set.Get(1); err != nil {
		t.Fatalf("Get of registered node failed: %v", err)
	}

	_, err := set.Get(42)
	if !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}

	if err := set.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestSQLiteRecordStorePersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")
	ctx := context.Background()

	s, err := NewSQLiteRecordStore(path, 5000, 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		rec := &Record{ID: i, Fields: map[string]interface{}{"n": fmt.Sprintf("rec-%d", i)}}
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen and verify data survived
	reopened, err := NewSQLiteRecordStore(path, 5000, 0)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	for i := uint64(1); i <= 3; i++ {
		got, err := reopened.Get(ctx, i)
		if err != nil {
			t.Fatalf("Get after reopen failed: %v", err)
		}
		if got == nil {
			t.Fatalf("record %d lost across restart", i)
		}
		if got.Fields["n"] != fmt.Sprintf("rec-%d", i) {
			t.Errorf("record %d corrupted: %v", i, got.Fields["n"])
		}
	}
}
