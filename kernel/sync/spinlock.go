// Package sync provides the single synchronization primitive the PMM needs:
// a test-and-set spinlock over a single word, taken with an atomic
// compare-and-swap (the Go counterpart of the hosting kernel's atomic_xchg). There is no blocking/suspend path anywhere in
// this kernel, so there is nothing here resembling sync.Mutex's park/wake
// machinery.
package sync

import "sync/atomic"

// Spinlock is a single machine-word test-and-set lock. The zero value is an
// unlocked spinlock, ready to use.
type Spinlock struct {
	word uint32
}

// Acquire spins until the lock is taken. Every critical section guarded by
// a Spinlock in this kernel is short and bounded (a buddy split/coalesce or
// a scan of one slab class's bitmaps), so unbounded spinning here is an
// accepted cost, not a design flaw.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.word, 0, 1) {
	}
}

// Release unlocks the spinlock. Calling Release on an already-unlocked
// Spinlock is a programmer error; like the C original, it is not checked.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.word, 0)
}

// TryAcquire attempts to take the lock without spinning, returning whether
// it succeeded. Used by diagnostic readers (e.g. Buddy.FreeListLengths)
// that would rather report a best-effort, possibly-racy snapshot than
// block behind a contended allocator lock.
func (l *Spinlock) TryAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.word, 0, 1)
}
