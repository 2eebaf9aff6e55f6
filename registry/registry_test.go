package registry

import "testing"

func TestMemoryRegistry_RegisterLookupUnregister(t *testing.T) {
	r := NewMemory()
	ctx := t.Context()

	if err := r.Register(ctx, Entry{KernelID: "k1", Name: "python3", OwnerID: "proc-a"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	entry, ok, err := r.Lookup(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if entry.OwnerID != "proc-a" {
		t.Fatalf("unexpected owner: %q", entry.OwnerID)
	}

	if err := r.Unregister(ctx, "k1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, ok, _ := r.Lookup(ctx, "k1"); ok {
		t.Fatal("expected k1 to be gone after unregister")
	}
}

func TestMemoryRegistry_UnregisterUnknownIsError(t *testing.T) {
	r := NewMemory()
	if err := r.Unregister(t.Context(), "missing"); err != ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestMemoryRegistry_List(t *testing.T) {
	r := NewMemory()
	ctx := t.Context()
	r.Register(ctx, Entry{KernelID: "k1", Name: "python3"})
	r.Register(ctx, Entry{KernelID: "k2", Name: "ir"})

	entries, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
