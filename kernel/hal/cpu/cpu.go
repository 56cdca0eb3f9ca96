// Package cpu exposes the two host-provided hooks the PMM consumes but does
// not implement: cpu_count() and cpu_current(). On real hardware these are
// wired to the kernel's CPU bring-up code; here they are function variables
// (the same override-for-tests pattern the teacher uses for
// visitMemRegionFn/memsetFn) with a best-effort default so the package is
// usable stand-alone.
package cpu

import (
	"runtime"
	"sync/atomic"
)

// CountFn reports the number of CPUs the PMM should provision a slab
// manager for. It is assumed stable for the process's lifetime, as the spec
// requires. Tests and the eventual kernel wiring both override this.
var CountFn = func() int {
	return runtime.NumCPU()
}

// CurrentFn reports the zero-based index of the CPU the caller is currently
// running on. The real hook is provided by the scheduler; lacking a
// scheduler, the default implementation round-robins, which is sufficient
// for exercising the PMM's cross-CPU free path in tests.
var CurrentFn = defaultCurrent

var nextCPU uint32

func defaultCurrent() int {
	count := CountFn()
	if count <= 0 {
		return 0
	}
	n := atomic.AddUint32(&nextCPU, 1) - 1
	return int(n) % count
}

// Count returns CountFn(), the number of CPUs known to the PMM.
func Count() int {
	return CountFn()
}

// Current returns CurrentFn(), the CPU the caller currently runs on.
func Current() int {
	return CurrentFn()
}
