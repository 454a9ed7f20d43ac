// Package batchio implements the batch primitive of the backend
// abstraction: given a set of page-aligned descriptors, perform one
// round-trip against a file descriptor and fill per-descriptor buffers
// with a per-descriptor success flag.
package batchio

import "fmt"

// Op names one page-aligned fetch or write queued in a Batch.
type Op struct {
	Offset   int64  // byte offset into the backing fd, page-aligned
	Buf      []byte // exactly one page; filled on read, source on write
	IsWrite  bool
	UserData uint64 // opaque tag echoed back in the matching Result
}

// Result is one Op's outcome.
type Result struct {
	UserData uint64
	OK       bool
}

// ErrNotBuilt is returned by NewBatcher when the binary was not built
// with -tags giouring.
var ErrNotBuilt = fmt.Errorf("batchio: built without giouring support")

// Batcher submits a set of Ops in a single io_uring round-trip.
type Batcher interface {
	// Submit queues ops and blocks until every completion has arrived,
	// returning one Result per completed Op in completion order; callers
	// match Results to Ops by UserData.
	Submit(ops []Op) ([]Result, error)

	Close() error
}
