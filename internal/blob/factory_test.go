package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	fsStore, err := Open(ctx, Config{FSRoot: root})
	if err != nil || fsStore.Driver() != DriverFilesystem {
		t.Fatalf("default driver: %v %v", err, fsStore)
	}
	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("memory driver: %v", err)
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected s3 without bucket to fail")
	}
	if _, err := Open(ctx, Config{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

// Every backend honours the same write-once contract.
func TestBackendContract(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Config{FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	mem, _ := Open(ctx, Config{Driver: DriverMemory})
	for _, store := range []Store{fsStore, mem, NewMockS3ForTests()} {
		t.Run(string(store.Driver()), func(t *testing.T) {
			info, err := store.Put(ctx, "history/LOC-000001/a.ndjson", bytes.NewBufferString("{}\n"), PutOptions{ContentType: "application/x-ndjson"})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Size != 3 {
				t.Fatalf("expected size 3, got %d", info.Size)
			}
			if _, err := store.Put(ctx, "history/LOC-000001/a.ndjson", bytes.NewBufferString("x"), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			if _, err := store.Put(ctx, "history/LOC-000002/b.ndjson", bytes.NewBufferString("{}\n{}\n"), PutOptions{}); err != nil {
				t.Fatalf("put second: %v", err)
			}
			_, rc, err := store.Get(ctx, "history/LOC-000001/a.ndjson")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			body, _ := io.ReadAll(rc)
			_ = rc.Close()
			if string(body) != "{}\n" {
				t.Fatalf("unexpected body %q", body)
			}
			if _, _, err := store.Get(ctx, "history/none.ndjson"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			infos, err := store.List(ctx, "history/LOC-000001/")
			if err != nil || len(infos) != 1 || infos[0].Key != "history/LOC-000001/a.ndjson" {
				t.Fatalf("unexpected listing %v %+v", err, infos)
			}
			all, err := store.List(ctx, "history/")
			if err != nil || len(all) != 2 || all[0].Key > all[1].Key {
				t.Fatalf("unexpected full listing %v %+v", err, all)
			}
		})
	}
}
