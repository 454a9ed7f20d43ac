//go:build giouring
// +build giouring

// Package batchio: real implementation using pawelgaczynski/giouring.
package batchio

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

// uintptrOf returns the address of buf's backing array. buf must be
// non-empty and must not move (no further append) until the matching
// completion has been reaped.
func uintptrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// ringBatcher submits page fetches/writes as one io_uring submission and
// waits for all completions before returning, so N page operations cost
// one syscall round-trip instead of N. Every Op.Offset is relative to fd,
// the single file descriptor this batcher was bound to at construction.
type ringBatcher struct {
	ring *giouring.Ring
	fd   int
}

// NewBatcher creates a Batcher backed by a real io_uring instance sized
// for up to entries in-flight operations, issuing every submitted Op
// against fd.
func NewBatcher(fd int, entries uint32) (Batcher, error) {
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		return nil, fmt.Errorf("batchio: create ring: %w", err)
	}
	return &ringBatcher{ring: ring, fd: fd}, nil
}

func (b *ringBatcher) Submit(ops []Op) ([]Result, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	for i := range ops {
		sqe := b.ring.GetSQE()
		if sqe == nil {
			return nil, fmt.Errorf("batchio: submission queue full at op %d of %d", i, len(ops))
		}
		op := ops[i]
		if op.IsWrite {
			sqe.PrepareWrite(int32(b.fd), uintptr(uintptrOf(op.Buf)), uint32(len(op.Buf)), uint64(op.Offset), 0)
		} else {
			sqe.PrepareRead(int32(b.fd), uintptr(uintptrOf(op.Buf)), uint32(len(op.Buf)), uint64(op.Offset), 0)
		}
		sqe.UserData = op.UserData
	}

	submitted, err := b.ring.SubmitAndWaitTimeout(uint32(len(ops)), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("batchio: submit: %w", err)
	}

	results := make([]Result, 0, len(ops))
	for i := uint32(0); i < submitted; i++ {
		cqe, err := b.ring.WaitCQE()
		if err != nil {
			return nil, fmt.Errorf("batchio: wait cqe: %w", err)
		}
		results = append(results, Result{UserData: cqe.UserData, OK: cqe.Res >= 0})
		b.ring.CQESeen(cqe)
	}

	return results, nil
}

func (b *ringBatcher) Close() error {
	b.ring.QueueExit()
	return nil
}
