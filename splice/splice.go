// Package splice implements the page-splice algorithm: mapping an
// arbitrary (addr, len) range to the page-aligned backend fetches it
// requires, and the per-page copy windows used to reassemble a caller
// buffer from the fetched pages.
package splice

import (
	"fmt"
	"math"

	"github.com/go-memscat/memscat/internal/constants"
)

// Window describes one page's contribution to a spliced read or write:
// copy Len bytes from SrcOffset within the page to DstOffset within the
// caller's buffer.
type Window struct {
	PageBase  uint64
	SrcOffset uint32
	DstOffset uint32
	Len       uint32
}

// Span is the ordered set of page windows needed to cover one (addr, len)
// range, plus the total byte length they sum to.
type Span struct {
	Windows []Window
	Total   uint32
}

// Plan computes the page-aligned windows covering [addr, addr+len). len
// must be greater than zero; the range must not wrap past 2^64.
func Plan(addr uint64, length uint32) (Span, error) {
	if length == 0 {
		return Span{}, fmt.Errorf("splice: zero-length range")
	}
	if addr > math.MaxUint64-uint64(length)+1 {
		return Span{}, fmt.Errorf("splice: range wraps past 2^64")
	}

	numPages := constants.PagesSpan(addr, length)
	basePage := constants.PageAlign(addr)

	windows := make([]Window, 0, numPages)
	remaining := length
	dstOffset := uint32(0)

	for p := uint64(0); p < numPages; p++ {
		pageBase := basePage + p*constants.PageSize
		var srcOffset, cb uint32
		if p == 0 {
			srcOffset = uint32(constants.ByteOffset(addr))
			cb = min32(remaining, constants.PageSize-srcOffset)
		} else {
			srcOffset = 0
			cb = min32(remaining, constants.PageSize)
		}
		windows = append(windows, Window{
			PageBase:  pageBase,
			SrcOffset: srcOffset,
			DstOffset: dstOffset,
			Len:       cb,
		})
		dstOffset += cb
		remaining -= cb
	}

	return Span{Windows: windows, Total: dstOffset}, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// TinyWindow describes a sub-page fetch window issued instead of a full
// page fetch, for a single-page read no other prepared entry shares.
type TinyWindow struct {
	PageBase   uint64 // page this tiny window belongs to
	FetchBase  uint64 // page-relative byte offset the fetch starts at, 8-byte aligned
	FetchLen   uint32 // bytes actually fetched, 8-byte aligned
	upgraded   bool
}

// EligibleForTiny reports whether a single-page read of length len at
// addr may use the tiny-read optimization: it requires forcePageread to
// be false and len to be within the tiny-read budget.
func EligibleForTiny(addrByteOffset uint64, length uint32, forcePageread bool) bool {
	if forcePageread {
		return false
	}
	return length <= constants.TinyReadMaxLen
}

// PlanTiny computes the sub-page fetch window for a tiny read: the
// smallest 8-byte-aligned window, aligned down, that covers
// [byteOffset, byteOffset+length).
func PlanTiny(pageBase uint64, byteOffset uint64, length uint32) TinyWindow {
	end := byteOffset + uint64(length)
	fetchBase := alignDown8(byteOffset)
	fetchEnd := alignUp8(end)
	return TinyWindow{
		PageBase:  pageBase,
		FetchBase: fetchBase,
		FetchLen:  uint32(fetchEnd - fetchBase),
	}
}

func alignDown8(v uint64) uint64 {
	return v &^ 7
}

func alignUp8(v uint64) uint64 {
	return (v + 7) &^ 7
}

// UpgradeToFullPage mutates w in place to describe a full-page fetch.
// The upgrade is monotone: calling it on an already-upgraded window is a
// no-op, and there is no corresponding downgrade operation.
func (w *TinyWindow) UpgradeToFullPage() {
	if w.upgraded {
		return
	}
	w.FetchBase = 0
	w.FetchLen = constants.PageSize
	w.upgraded = true
}

// IsFullPage reports whether w currently covers the entire page, either
// because it was planned that way or because it was upgraded.
func (w *TinyWindow) IsFullPage() bool {
	return w.FetchBase == 0 && w.FetchLen == constants.PageSize
}

// Covers reports whether the fetched window [FetchBase, FetchBase+FetchLen)
// wholly contains [byteOffset, byteOffset+length) within the page.
func (w *TinyWindow) Covers(byteOffset uint64, length uint32) bool {
	end := byteOffset + uint64(length)
	return byteOffset >= w.FetchBase && end <= w.FetchBase+uint64(w.FetchLen)
}
