// Package pagepool provides pooled byte buffers for scatter results and
// read-array leases, avoiding a per-execute/per-read allocation on the
// hot path. It uses the same size-bucketed *[]byte sync.Pool idiom the
// teacher's queue package uses for its I/O buffers.
package pagepool

import (
	"sync"

	"github.com/go-memscat/memscat/internal/constants"
)

var globalPool = struct {
	pool4k   sync.Pool
	pool64k  sync.Pool
	pool256k sync.Pool
	pool1m   sync.Pool
}{
	pool4k:   sync.Pool{New: func() any { b := make([]byte, constants.PoolBucket4K); return &b }},
	pool64k:  sync.Pool{New: func() any { b := make([]byte, constants.PoolBucket64K); return &b }},
	pool256k: sync.Pool{New: func() any { b := make([]byte, constants.PoolBucket256K); return &b }},
	pool1m:   sync.Pool{New: func() any { b := make([]byte, constants.PoolBucket1M); return &b }},
}

// Get returns a pooled buffer of at least size bytes. Caller must call
// Put when done. Sizes larger than the 1MiB bucket are allocated directly
// and never pooled.
func Get(size int) []byte {
	switch {
	case size <= constants.PoolBucket4K:
		return (*globalPool.pool4k.Get().(*[]byte))[:size]
	case size <= constants.PoolBucket64K:
		return (*globalPool.pool64k.Get().(*[]byte))[:size]
	case size <= constants.PoolBucket256K:
		return (*globalPool.pool256k.Get().(*[]byte))[:size]
	case size <= constants.PoolBucket1M:
		return (*globalPool.pool1m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// Put returns buf to the pool matching its capacity. Buffers whose
// capacity doesn't match a bucket exactly (oversize allocations from Get)
// are dropped for the garbage collector instead.
func Put(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case constants.PoolBucket4K:
		globalPool.pool4k.Put(&buf)
	case constants.PoolBucket64K:
		globalPool.pool64k.Put(&buf)
	case constants.PoolBucket256K:
		globalPool.pool256k.Put(&buf)
	case constants.PoolBucket1M:
		globalPool.pool1m.Put(&buf)
	}
}
