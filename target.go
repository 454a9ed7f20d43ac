package memscat

import "github.com/go-memscat/memscat/vaddr"

// Target selects the address space a Handle or Map reads and writes.
//
// It is an unsigned 32-bit value: the sentinel Physical (all-ones), a
// process id with the WithKernelMemory bit OR-ed in for combined
// user+kernel virtual addressing, or a plain process id for user-mode
// virtual addressing.
type Target uint32

const (
	// Physical selects the physical address space.
	Physical Target = 0xFFFFFFFF

	// WithKernelMemory OR-ed into a process id selects that process' user
	// and kernel virtual address space instead of user-only.
	WithKernelMemory Target = 1 << 31
)

// IsPhysical reports whether t addresses physical memory.
func (t Target) IsPhysical() bool {
	return t == Physical
}

// HasKernelMemory reports whether t includes kernel virtual addresses.
func (t Target) HasKernelMemory() bool {
	return !t.IsPhysical() && t&WithKernelMemory != 0
}

// PID returns the process id encoded in t (undefined for Physical).
func (t Target) PID() uint32 {
	return uint32(t &^ WithKernelMemory)
}

// ValidateAddr applies the address-class checks spec.md §3 mandates:
// physical targets skip validation entirely; user-mode targets require a
// canonical low 48-bit user VA; kernel-capable targets accept either a
// user VA or a canonical kernel VA.
func (t Target) ValidateAddr(addr uint64) bool {
	if t.IsPhysical() {
		return true
	}
	if t.HasKernelMemory() {
		return vaddr.IsValidUserVA(addr) || vaddr.IsValidKernelVA(addr)
	}
	return vaddr.IsValidUserVA(addr)
}

// Flags is a bitfield of backend hints attached to a Handle.
type Flags uint32

const (
	FlagNone Flags = 0

	// FlagNoCache bypasses the backend's page cache.
	FlagNoCache Flags = 1 << (iota - 1)

	// FlagZeropadOnFail zero-fills failed pages instead of failing the read.
	FlagZeropadOnFail

	// FlagForcecacheRead serves exclusively from cache, never touching the
	// live acquisition device.
	FlagForcecacheRead

	// FlagNopaging hints the backend to avoid triggering paging.
	FlagNopaging

	// FlagNopagingIO is a stronger variant of FlagNopaging applied to the
	// underlying I/O path as well.
	FlagNopagingIO

	// FlagNocacheput suppresses writing fetched pages back into the cache.
	FlagNocacheput

	// FlagCacheRecentOnly restricts cache lookups to recently-fetched pages.
	FlagCacheRecentOnly

	// FlagNoPredictiveRead disables the backend's read-ahead heuristics.
	FlagNoPredictiveRead

	// FlagForcecacheReadDisable forbids cache-only reads for this Handle.
	FlagForcecacheReadDisable

	// FlagScatterPrepareexNomemzero skips zero-initializing newly allocated
	// result buffers before the backend fills them.
	FlagScatterPrepareexNomemzero

	// FlagNomemcallback suppresses the backend's per-page completion
	// callback (if the backend implementation offers one).
	FlagNomemcallback

	// FlagForcePageread disables the tiny-read optimization; every prepare
	// always fetches a full page.
	FlagForcePageread
)

// valid reports whether the flag combination is internally consistent.
// FlagForcecacheRead is mutually exclusive with FlagNoCache and
// FlagZeropadOnFail per spec.md §3.
func (f Flags) valid() bool {
	if f&FlagForcecacheRead != 0 && f&(FlagNoCache|FlagZeropadOnFail) != 0 {
		return false
	}
	return true
}

// Has reports whether f has all bits of other set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}
