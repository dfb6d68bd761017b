package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stockroom/internal/infra/persistence/memory"
	"stockroom/internal/infra/persistence/sqlite"
	"stockroom/pkg/domain"
)

func TestOpenPersistentStore(t *testing.T) {
	ctx := context.Background()

	mem, err := OpenPersistentStore(ctx, StorageOptions{Driver: StorageMemory}, NewRulesEngine())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := mem.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", mem)
	}

	path := filepath.Join(t.TempDir(), "stockroom.db")
	lite, err := OpenPersistentStore(ctx, StorageOptions{SQLitePath: path}, NewRulesEngine())
	if err != nil {
		t.Fatalf("sqlite default: %v", err)
	}
	defer lite.Close()
	if _, ok := lite.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite store by default, got %T", lite)
	}

	if _, err := OpenPersistentStore(ctx, StorageOptions{Driver: StoragePostgres}, nil); err == nil {
		t.Fatalf("expected postgres without dsn to fail")
	}
	if _, err := OpenPersistentStore(ctx, StorageOptions{Driver: "cassandra"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestServiceOverSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := OpenPersistentStore(ctx, StorageOptions{Driver: StorageSQLite}, NewRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	svc := NewService(store, WithClock(ClockFunc(func() time.Time { return testNow })))

	l1 := mustLocation(t, svc, "L1")
	b1 := mustBox(t, svc, l1)
	t1 := mustTrace(t, svc, b1, "P1", "10")
	_, t2, err := svc.Split(ctx, t1.ID, qty("4"))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if _, err := svc.Merge(ctx, t1.ID, t2.ID); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := quantityOf(t, svc, t1.ID); !got.Equal(qty("10")) {
		t.Fatalf("expected 10, got %s", got)
	}
	l2 := mustLocation(t, svc, "L2")
	if _, err := svc.Move(ctx, b1.ID, domain.ParentOf(l2.ID)); err != nil {
		t.Fatalf("move: %v", err)
	}
	_, err = svc.Move(ctx, l2.ID, domain.ParentOf(t1.ID))
	expectCode(t, err, domain.ErrCycleDetected)
	if _, err := svc.RetireFull(ctx, l2.ID, RetireOptions{Policy: RetireCascade}); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	if _, err := svc.Lookup(ctx, t1.Code); err == nil {
		t.Fatalf("expected cascaded trace to be retired")
	}
}
