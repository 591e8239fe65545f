package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreCreatesDirAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "strategy:checkpoint", `{"step":"closed"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "strategy:checkpoint", `{"step":"opening"}`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	val, ok, err := reopened.Get(ctx, "strategy:checkpoint")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if val != `{"step":"opening"}` {
		t.Fatalf("unexpected value after reopen: %s", val)
	}
	if _, ok, _ := reopened.Get(ctx, "missing"); ok {
		t.Fatalf("expected missing key")
	}
}
