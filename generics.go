package memscat

import (
	"unsafe"

	"github.com/go-memscat/memscat/internal/pagepool"
)

// PrepareReadValue registers a read of sizeof(T) bytes at addr. Go
// methods can't introduce their own type parameters, so the typed
// prepare/read sugar from spec.md §4.3 is exposed as package-level
// generic functions taking the Handle as their first argument.
func PrepareReadValue[T any](h *Handle, addr uint64) bool {
	var zero T
	return h.PrepareRead(addr, uint32(unsafe.Sizeof(zero)))
}

// PrepareReadArray registers a read of n contiguous T values at addr.
func PrepareReadArray[T any](h *Handle, addr uint64, n int) bool {
	var zero T
	return h.PrepareRead(addr, uint32(int(unsafe.Sizeof(zero))*n))
}

// PrepareReadPtr registers a read of one pointer-sized value at addr.
func PrepareReadPtr(h *Handle, addr uint64) bool {
	return h.PrepareRead(addr, 8)
}

// PrepareWriteValue registers a write of v (sizeof(T) bytes) at addr.
func PrepareWriteValue[T any](h *Handle, addr uint64, v T) bool {
	size := int(unsafe.Sizeof(v))
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&v)), size)
	return h.PrepareWriteSpan(addr, buf)
}

// ReadValue decodes a T from the post-execute result cache at addr.
func ReadValue[T any](h *Handle, addr uint64) (T, bool) {
	var zero T
	size := uint32(unsafe.Sizeof(zero))
	data, ok := h.ReadBytes(addr, size)
	if !ok {
		return zero, false
	}
	return *(*T)(unsafe.Pointer(&data[0])), true
}

// Lease is a caller-visible borrow of a pooled buffer returned by
// ReadArray. The caller must call Release when done; failing to do so
// leaks the buffer instead of corrupting state (the pool simply shrinks).
type Lease[T any] struct {
	buf      []byte
	data     []T
	released bool
}

// Data returns the leased slice of T. It is invalid after Release.
func (l *Lease[T]) Data() []T {
	return l.data
}

// Release returns the backing buffer to the pool. Safe to call more than
// once.
func (l *Lease[T]) Release() {
	if l.released {
		return
	}
	l.released = true
	pagepool.Put(l.buf)
}

// ReadArray returns a pooled lease over n contiguous T values read from
// addr. A partial or missing result fails the whole read (the strict form
// spec.md §9 prescribes): no lease is returned and cbRead != expected is
// never silently resized.
func ReadArray[T any](h *Handle, addr uint64, n int) (*Lease[T], bool) {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	total := elemSize * n

	data, ok := h.ReadBytes(addr, uint32(total))
	if !ok {
		return nil, false
	}

	buf := pagepool.Get(total)
	copy(buf, data)
	typed := unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), n)
	return &Lease[T]{buf: buf, data: typed}, true
}
