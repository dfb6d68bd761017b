package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"stockroom/internal/infra/persistence/storetest"
	"stockroom/pkg/domain"
)

func openTestStore(t *testing.T, engine *domain.RulesEngine) *Store {
	t.Helper()
	store, err := Open(context.Background(), "", engine)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, engine *domain.RulesEngine) domain.PersistentStore {
		return openTestStore(t, engine)
	})
}

func TestFileDatabasePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stockroom.db")
	ctx := context.Background()
	store, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ident := storetest.NewIdentity(domain.CategoryLocation, "LOC-000001", domain.Root())
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.NextCodeSuffix(); err != nil {
			return err
		}
		_, err := tx.CreateIdentity(ident, domain.LocationTag{Name: "Dock"})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	var next int64
	if _, err := reopened.RunInTransaction(ctx, func(tx domain.Transaction) error {
		got, err := tx.FindIdentityByCode("LOC-000001")
		if err != nil {
			return err
		}
		if got.ID != ident.ID {
			t.Fatalf("unexpected identity after reopen: %+v", got)
		}
		next, err = tx.NextCodeSuffix()
		return err
	}); err != nil {
		t.Fatalf("reopened transaction: %v", err)
	}
	if next != 2 {
		t.Fatalf("sequence restarted: got %d", next)
	}
}

func TestOpenReportsDriverErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) {
		return nil, errors.New("driver unavailable")
	})
	defer restore()
	if _, err := Open(context.Background(), "", nil); err == nil || !strings.Contains(err.Error(), "driver unavailable") {
		t.Fatalf("expected driver error, got %v", err)
	}
}

func TestDSNPragmas(t *testing.T) {
	mem := dsnFor("")
	if !strings.HasPrefix(mem, ":memory:?") || strings.Contains(mem, "journal_mode") {
		t.Fatalf("unexpected memory dsn %s", mem)
	}
	file := dsnFor("/tmp/x.db?mode=rwc")
	if !strings.Contains(file, "&_pragma=foreign_keys(1)") || !strings.Contains(file, "journal_mode(WAL)") {
		t.Fatalf("unexpected file dsn %s", file)
	}
}

func TestMapErrorPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("plain")
	if got := mapError(plain); got != plain {
		t.Fatalf("unexpected mapping %v", got)
	}
	if mapError(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
