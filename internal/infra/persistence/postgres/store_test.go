package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"stockroom/internal/infra/persistence/storetest"
	"stockroom/pkg/domain"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// integrationDSN starts one postgres container per test binary. Tests are
// skipped unless TEST_INTEGRATION is set.
func integrationDSN(t *testing.T) string {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"docker.io/postgres:17-alpine",
			tcpostgres.WithDatabase("stockroom_test"),
			tcpostgres.WithUsername("stockroom"),
			tcpostgres.WithPassword("test-password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Fatalf("start postgres container: %v", containerErr)
	}
	return containerDSN
}

func openClean(t *testing.T, engine *domain.RulesEngine) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, integrationDSN(t), engine, Options{MaxConns: 8})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.Pool().Exec(ctx, `TRUNCATE history, trace_tags, equipment_tags, box_tags, location_tags, identities`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, engine *domain.RulesEngine) domain.PersistentStore {
		return openClean(t, engine)
	})
}

func TestExclusiveLockSerializesWriters(t *testing.T) {
	store := openClean(t, nil)
	ctx := context.Background()
	ident := storetest.NewIdentity(domain.CategoryBox, "BOX-00A000", domain.Root())
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateIdentity(ident, domain.BoxTag{})
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, err := tx.LockIdentity(ident.ID, domain.LockExclusive); err != nil {
				return err
			}
			close(locked)
			<-release
			_, err := tx.UpdateIdentity(ident.ID, func(i *domain.Identity) error {
				i.Status = domain.Retired("first", time.Now())
				return nil
			})
			return err
		})
		done <- err
	}()
	<-locked

	second := make(chan domain.Identity, 1)
	go func() {
		_, _ = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			got, err := tx.LockIdentity(ident.ID, domain.LockShared)
			second <- got
			return err
		})
	}()
	select {
	case <-second:
		t.Fatalf("shared lock acquired while exclusive lock held")
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first writer: %v", err)
	}
	select {
	case got := <-second:
		if got.Active() {
			t.Fatalf("second reader must observe the committed retirement")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("second writer never acquired the lock")
	}
}

func TestMigrationURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h:5432/db?sslmode=disable": "pgx5://u:p@h:5432/db?sslmode=disable",
		"postgresql://u@h/db":                      "pgx5://u@h/db",
		"pgx5://already":                           "pgx5://already",
	}
	for in, want := range cases {
		if got := migrationURL(in); got != want {
			t.Fatalf("migrationURL(%q) = %q want %q", in, got, want)
		}
	}
}

func TestMapErrorConflicts(t *testing.T) {
	for _, code := range []string{codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable} {
		err := mapError(&pgconn.PgError{Code: code})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("code %s should map to conflict, got %v", code, err)
		}
	}
	if err := mapError(&pgconn.PgError{Code: "23505"}); errors.Is(err, domain.ErrConflict) {
		t.Fatalf("unique violation must not be retried")
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), "", nil, Options{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}
