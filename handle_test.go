package memscat

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-memscat/memscat/internal/config"
)

func newTestHandle(t *testing.T, res *MockResource) *Handle {
	t.Helper()
	h, err := NewHandleWithResource(Physical, FlagNone, res)
	if err != nil {
		t.Fatalf("NewHandleWithResource: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestSinglePageValue(t *testing.T) {
	res := NewMockResource(0x10000)
	want := uint64(0x1122334455667788)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, want)
	res.SeedBytes(0x1000, buf)

	h := newTestHandle(t, res)
	if !PrepareReadValue[uint64](h, 0x1000) {
		t.Fatal("PrepareReadValue failed")
	}
	if err := h.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, ok := ReadValue[uint64](h, 0x1000)
	if !ok {
		t.Fatal("ReadValue returned ok=false")
	}
	if got != want {
		t.Errorf("ReadValue = %#x, want %#x", got, want)
	}
}

func TestCrossPageArray(t *testing.T) {
	res := NewMockResource(0x20000)
	pattern := make([]byte, 8192)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	res.SeedBytes(0x9000, pattern)

	h := newTestHandle(t, res)
	addr := uint64(0x9000 + 0x700)
	if !PrepareReadArray[byte](h, addr, 3000) {
		t.Fatal("PrepareReadArray failed")
	}
	if err := h.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	lease, ok := ReadArray[byte](h, addr, 3000)
	if !ok {
		t.Fatal("ReadArray returned ok=false")
	}
	defer lease.Release()

	want := pattern[0x700 : 0x700+3000]
	if !bytes.Equal(lease.Data(), want) {
		t.Error("cross-page array contents mismatch")
	}
}

func TestWriteDisabled(t *testing.T) {
	store := config.NewStore()
	store.Set(config.MemWriteDisable, 1)

	res := NewMockResource(0x10000)
	h, err := NewHandleWithResource(Target(1), FlagNone, res)
	if err != nil {
		t.Fatalf("NewHandleWithResource: %v", err)
	}
	defer h.Close()
	h.cfg = store

	if h.PrepareWriteSpan(0x1000, []byte{1, 2, 3, 4}) {
		t.Error("PrepareWriteSpan should fail when writes are disabled")
	}
	if err := h.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExecuteCalls != 0 {
		t.Error("Execute should not have reached the backend with nothing prepared")
	}
}

func TestExecuteOnEmpty(t *testing.T) {
	res := NewMockResource(0x10000)
	h := newTestHandle(t, res)

	fired := false
	h.OnComplete(func(*Handle) { fired = true })

	if err := h.Execute(); err != nil {
		t.Fatalf("Execute on empty handle: %v", err)
	}
	if res.ExecuteCalls != 0 {
		t.Error("Execute should be a no-op on a fresh handle")
	}
	if fired {
		t.Error("completion callback should not fire when execute is a no-op")
	}
}

func TestTinyReadUpgrade(t *testing.T) {
	res := NewMockResource(0x10000)
	page := uint64(0xA000)
	full := make([]byte, 0x1000)
	for i := range full {
		full[i] = byte(i)
	}
	res.SeedBytes(page, full)

	h := newTestHandle(t, res)

	addr := page + 0x100
	if !h.PrepareRead(addr, 8) {
		t.Fatal("tiny PrepareRead failed")
	}
	entry := h.prepared[page]
	if entry.window.IsFullPage() {
		t.Fatal("expected a tiny window before the upgrading prepare")
	}

	if !h.PrepareRead(page, 0x1000) {
		t.Fatal("full-page PrepareRead failed")
	}
	if !entry.window.IsFullPage() {
		t.Fatal("expected the page entry to be upgraded to full after the second prepare")
	}

	if err := h.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	tiny, ok := h.ReadBytes(addr, 8)
	if !ok || !bytes.Equal(tiny, full[0x100:0x108]) {
		t.Errorf("tiny range read = %v, ok=%v", tiny, ok)
	}
	wholePage, ok := h.ReadBytes(page, 0x1000)
	if !ok || !bytes.Equal(wholePage, full) {
		t.Error("full-page read after upgrade did not return correct data")
	}
}

func TestTinyReadUnalignedNoUpgrade(t *testing.T) {
	res := NewMockResource(0x10000)
	page := uint64(0xA000)
	full := make([]byte, 0x1000)
	for i := range full {
		full[i] = byte(i)
	}
	res.SeedBytes(page, full)

	h := newTestHandle(t, res)

	addr := page + 0x340
	if !h.PrepareRead(addr, 8) {
		t.Fatal("tiny PrepareRead failed")
	}
	entry := h.prepared[page]
	if entry.window.IsFullPage() {
		t.Fatal("expected a tiny window; this test covers the never-upgraded path")
	}

	if err := h.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, ok := h.ReadBytes(addr, 8)
	if !ok {
		t.Fatal("ReadBytes failed for an unaligned tiny read that was never upgraded")
	}
	if !bytes.Equal(got, full[0x340:0x348]) {
		t.Errorf("ReadBytes = %v, want %v", got, full[0x340:0x348])
	}
}

func TestClearResetsState(t *testing.T) {
	res := NewMockResource(0x10000)
	h := newTestHandle(t, res)

	if !h.PrepareRead(0x1000, 8) {
		t.Fatal("PrepareRead failed")
	}
	fired := false
	h.OnComplete(func(*Handle) { fired = true })
	if err := h.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !fired {
		t.Fatal("expected completion callback to fire")
	}

	if err := h.Clear(h.target, h.flags); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if h.state != stateFresh {
		t.Errorf("state after Clear = %v, want stateFresh", h.state)
	}
	if len(h.prepared) != 0 || len(h.resultCache) != 0 {
		t.Error("Clear should empty prepared set and result cache")
	}

	fired = false
	if !h.PrepareRead(0x1000, 8) {
		t.Fatal("PrepareRead after Clear failed")
	}
	if err := h.Execute(); err != nil {
		t.Fatalf("Execute after Clear: %v", err)
	}
	if fired {
		t.Error("callbacks registered before Clear must not fire on a later execute")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	res := NewMockResource(0x10000)
	h, err := NewHandleWithResource(Target(1), FlagNone, res)
	if err != nil {
		t.Fatalf("NewHandleWithResource: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if res.CloseCalls != 1 {
		t.Errorf("backend Close called %d times, want 1", res.CloseCalls)
	}
}

func TestOperationsOnClosedHandleFail(t *testing.T) {
	res := NewMockResource(0x10000)
	h, _ := NewHandleWithResource(Target(1), FlagNone, res)
	h.Close()

	if h.PrepareRead(0x1000, 8) {
		t.Error("PrepareRead should fail on a closed handle")
	}
	if err := h.Execute(); err != ErrDisposed {
		t.Errorf("Execute on closed handle = %v, want ErrDisposed", err)
	}
}

func TestPrepareReadZeroLength(t *testing.T) {
	res := NewMockResource(0x10000)
	h := newTestHandle(t, res)
	if h.PrepareRead(0x1000, 0) {
		t.Error("zero-length prepare_read should return false")
	}
}

func TestPrepareReadRejectsWraparound(t *testing.T) {
	res := NewMockResource(0x10000)
	h := newTestHandle(t, res)
	if h.PrepareRead(^uint64(0)-1, 8) {
		t.Error("prepare_read wrapping past 2^64 should return false")
	}
}

func TestCallbackIsolation(t *testing.T) {
	res := NewMockResource(0x10000)
	h := newTestHandle(t, res)

	secondRan := false
	h.OnComplete(func(*Handle) { panic("boom") })
	h.OnComplete(func(*Handle) { secondRan = true })

	h.PrepareRead(0x1000, 8)
	if err := h.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !secondRan {
		t.Error("a panicking callback must not prevent subsequent callbacks from firing")
	}
}
