// Package vaddr implements the canonical-address checks used to validate
// virtual addresses before they're handed to the acquisition backend and
// to invalidate pointers decoded out of scatter results.
package vaddr

const (
	minUserVA = 0x10000

	kernelBase = 0xFFFF_8000_0000_0000

	// canonicalHigh17 is the value the top 17 bits (bits 47..63) must take
	// for a kernel-mode canonical address.
	canonicalHigh17 = 0x1FFFF
)

// IsValidUserVA reports whether addr is a plausible canonical user-mode
// virtual address: non-null, above the first 64KiB (never mapped), and
// sign-extension-clean in its top 17 bits (i.e. bits 47..63 are zero).
func IsValidUserVA(addr uint64) bool {
	if addr < minUserVA {
		return false
	}
	return addr>>47 == 0
}

// IsValidKernelVA reports whether addr is a canonical kernel-mode virtual
// address: at or above the kernel half of the address space, with its top
// 17 bits all set (the 48-bit sign-extension invariant).
func IsValidKernelVA(addr uint64) bool {
	if addr < kernelBase {
		return false
	}
	return addr>>47 == canonicalHigh17
}

// IsValidVA reports whether addr is either a valid user or kernel virtual
// address. Physical targets never call this — they skip address-class
// validation entirely (see Target.ValidateAddr).
func IsValidVA(addr uint64) bool {
	return IsValidUserVA(addr) || IsValidKernelVA(addr)
}
