package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"stockroom/internal/blob/core"
)

func TestReturnedDataIsCopied(t *testing.T) {
	store := New()
	ctx := context.Background()
	md := map[string]string{"k": "v"}
	if _, err := store.Put(ctx, "a", bytes.NewBufferString("abc"), core.PutOptions{Metadata: md}); err != nil {
		t.Fatalf("put: %v", err)
	}
	md["k"] = "changed"

	info, rc, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if string(body) != "abc" || info.Metadata["k"] != "v" {
		t.Fatalf("stored blob was aliased: %q %+v", body, info.Metadata)
	}
	info.Metadata["k"] = "mutated"
	again, _, _ := store.Get(ctx, "a")
	if again.Metadata["k"] != "v" {
		t.Fatalf("returned metadata was aliased")
	}
}

func TestEmptyKeyAndPresign(t *testing.T) {
	store := New()
	if _, err := store.Put(context.Background(), "", bytes.NewBufferString(""), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := store.PresignGet(context.Background(), "a", 0); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
