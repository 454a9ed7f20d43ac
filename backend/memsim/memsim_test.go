package memsim

import (
	"bytes"
	"testing"

	"github.com/go-memscat/memscat/backend"
)

func newTestResource(t *testing.T, size int64) (*Store, *Resource) {
	t.Helper()
	store, err := NewStore(size)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	res, err := New(store, 0, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { res.Close() })
	return store, res
}

func TestStoreReadWriteRoundTrip(t *testing.T) {
	store, err := NewStore(0x10000)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	want := []byte("hello, memsim")
	if n := store.WriteAt(want, 0x1000); n != len(want) {
		t.Fatalf("WriteAt returned %d, want %d", n, len(want))
	}

	got := make([]byte, len(want))
	if n := store.ReadAt(got, 0x1000); n != len(want) {
		t.Fatalf("ReadAt returned %d, want %d", n, len(want))
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt = %q, want %q", got, want)
	}
}

func TestStoreReadClampedAtBounds(t *testing.T) {
	store, err := NewStore(0x1000)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if n := store.ReadAt(make([]byte, 16), 0x2000); n != 0 {
		t.Errorf("ReadAt past end returned %d, want 0", n)
	}
}

func TestResourcePrepareExecuteRead(t *testing.T) {
	store, res := newTestResource(t, 0x10000)

	payload := bytes.Repeat([]byte{0xAB}, 8)
	store.WriteAt(payload, 0x1000)

	if err := res.Prepare(0x1000, 0x1000); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := res.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	out := make([]byte, 8)
	n, err := res.Read(0x1000, 8, out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 8 || !bytes.Equal(out, payload) {
		t.Errorf("Read = %v (n=%d), want %v", out, n, payload)
	}
}

func TestResourcePrepareUnalignedTinyAddr(t *testing.T) {
	store, res := newTestResource(t, 0x10000)

	payload := bytes.Repeat([]byte{0xCD}, 8)
	store.WriteAt(payload, 0x5340)

	// addr carries a non-zero in-page offset; Prepare/Read must agree on
	// which page it belongs to without the caller ever passing the
	// page-aligned base itself.
	if err := res.Prepare(0x5340, 8); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := res.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	out := make([]byte, 8)
	n, err := res.Read(0x5340, 8, out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 8 || !bytes.Equal(out, payload) {
		t.Errorf("Read = %v (n=%d), want %v", out, n, payload)
	}
}

func TestResourcePrepareWriteThenReadBack(t *testing.T) {
	_, res := newTestResource(t, 0x10000)

	data := []byte{1, 2, 3, 4}
	if err := res.PrepareWrite(0x2000, data); err != nil {
		t.Fatalf("PrepareWrite: %v", err)
	}
	if err := res.Execute(); err != nil {
		t.Fatalf("Execute (write): %v", err)
	}

	if err := res.Prepare(0x2000, 0x1000); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := res.Execute(); err != nil {
		t.Fatalf("Execute (read): %v", err)
	}

	out := make([]byte, len(data))
	if _, err := res.Read(0x2000, uint32(len(data)), out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("Read = %v, want %v", out, data)
	}
}

func TestResourceClearResetsState(t *testing.T) {
	_, res := newTestResource(t, 0x10000)

	if err := res.Prepare(0x3000, 0x1000); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := res.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := res.Clear(1, 0); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	out := make([]byte, 8)
	n, err := res.Read(0x3000, 8, out)
	if err != nil {
		t.Fatalf("Read after clear: %v", err)
	}
	if n != 0 {
		t.Errorf("Read after Clear returned n=%d, want 0 (no results)", n)
	}
}

func TestResourceExecuteBatch(t *testing.T) {
	store, res := newTestResource(t, 0x10000)
	store.WriteAt(bytes.Repeat([]byte{0x7A}, 0x1000), 0x4000)

	descs := []backend.BatchDescriptor{{PageBase: 0x4000, Length: 0x1000}}
	results, err := res.ExecuteBatch(descs)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("ExecuteBatch results = %+v", results)
	}
	if results[0].Data[0] != 0x7A {
		t.Errorf("ExecuteBatch data[0] = %#x, want 0x7a", results[0].Data[0])
	}
}
