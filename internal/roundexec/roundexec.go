// Package roundexec pins the goroutine driving a Map's round execution to
// a specific CPU, the way the teacher's queue.Runner pins each queue's
// I/O loop to one CPU so the kernel driver sees stable per-thread
// affinity. A scatter Map has no equivalent kernel requirement, but
// pinning still helps: round-robin assignment keeps a multi-round,
// latency-sensitive read map off the scheduler's noisy core.
package roundexec

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its current OS thread and sets that
// thread's CPU affinity to cpus[roundIndex % len(cpus)]. The returned
// undo function must be called (typically via defer) once the pinned
// work is done; it unlocks the OS thread, and leaves that thread's CPU
// affinity mask as Pin set it.
//
// A nil or empty cpus list is a no-op: undo still unlocks nothing and
// is always safe to call.
func Pin(cpus []int, roundIndex int) (undo func(), err error) {
	if len(cpus) == 0 {
		return func() {}, nil
	}

	runtime.LockOSThread()
	cpu := cpus[roundIndex%len(cpus)]

	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("roundexec: set affinity to cpu %d: %w", cpu, err)
	}
	return runtime.UnlockOSThread, nil
}
