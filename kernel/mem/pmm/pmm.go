// Package pmm is the physical memory manager facade: a single entry point
// over the buddy allocator (buddy.go) and the per-CPU slab allocator
// (slab.go). Callers never choose which tier services a request; PMM.Alloc
// dispatches by size, and PMM.Free identifies the owning tier by probing
// the pointer itself, the same dual-magic scheme the teacher's allocator
// uses to tell a committed frame from a free one.
package pmm

import (
	"unsafe"

	"github.com/horserr/njuos/kernel/errors"
	"github.com/horserr/njuos/kernel/hal/cpu"
	"github.com/horserr/njuos/kernel/kfmt"
	"github.com/horserr/njuos/kernel/mem"
)

// PMM is the top-level physical memory manager. A zero PMM is not usable;
// call Init first.
type PMM struct {
	buddy Buddy

	managers  []uintptr
	heapStart uintptr
	heapEnd   uintptr
}

// Init brings the PMM up over [heapStart, heapEnd). It reserves one slab
// Manager per CPU at the head of the heap (ahead of the buddy, since the
// manager table must exist before the buddy can be asked for anything),
// brings the buddy allocator up over what remains, and finally lets each
// manager reserve its boot-time INITIAL chunks from the now-live buddy.
func (p *PMM) Init(heapStart, heapEnd uintptr) error {
	if heapEnd <= heapStart {
		return errors.ErrInvalidParamValue
	}

	count := cpu.Count()
	if count <= 0 {
		return errors.ErrInvalidParamValue
	}

	mgrBase := mem.Align(heapStart, uintptr(unsafe.Alignof(managerLayout{})))
	mgrRegionEnd := mgrBase + uintptr(count)*managerSize
	if mgrRegionEnd >= heapEnd {
		return errors.ErrOutOfMemory
	}

	p.managers = make([]uintptr, count)
	for i := 0; i < count; i++ {
		addr := mgrBase + uintptr(i)*managerSize
		mem.Memset(addr, 0, uintptr(managerSize))
		mgr := Manager{Addr: addr}
		mgr.InitSentinels()
		p.managers[i] = addr
	}

	if err := p.buddy.Init(mgrRegionEnd, heapEnd); err != nil {
		return err
	}

	for _, addr := range p.managers {
		mgr := Manager{Addr: addr}
		if err := mgr.ReserveInitialChunks(&p.buddy); err != nil {
			return err
		}
	}

	p.heapStart = mgrBase
	p.heapEnd = heapEnd

	kfmt.Printf("pmm: heap [%#x, %#x) buddy [%#x, %#x) max_order=%d cpus=%d\n",
		p.heapStart, p.heapEnd, p.buddy.origin, p.buddy.rootEnd, p.buddy.MaxOrder(), count)
	return nil
}

// Alloc services a size-byte request on the calling CPU, as reported by
// cpu.Current. Requests of SlabClasses[len-1] bytes or fewer are routed to
// that CPU's slab manager; larger requests go straight to the buddy
// allocator. Size 0 is treated as the smallest slab class, so alloc(0)
// always returns a distinct, freeable address rather than a null pointer.
func (p *PMM) Alloc(size mem.Size) (uintptr, error) {
	return p.AllocOnCPU(cpu.Current(), size)
}

// AllocOnCPU is Alloc, but pinned to an explicit CPU index rather than
// cpu.Current(). Exposed so callers that already know their CPU (or tests
// exercising a specific manager) can bypass the Current() hook.
func (p *PMM) AllocOnCPU(cpuIdx int, size mem.Size) (uintptr, error) {
	if size > mem.MaxRequest {
		return 0, errors.ErrInvalidParamValue
	}
	if cpuIdx < 0 || cpuIdx >= len(p.managers) {
		return 0, errors.ErrInvalidParamValue
	}

	if classIdx := ClassIndex(size); classIdx >= 0 {
		mgr := Manager{Addr: p.managers[cpuIdx]}
		return mgr.Allocate(&p.buddy, classIdx)
	}
	// Sizes between a class-4 cell and a full page are accepted waste: the
	// buddy never hands out anything smaller than one page anyway, so
	// bumping here just makes that explicit rather than relying on
	// allocateRaw's own floor.
	if size < mem.PageSize {
		size = mem.PageSize
	}
	return p.buddy.AllocateNet(size)
}

// Free releases a pointer previously returned by Alloc, regardless of
// which CPU or tier originally serviced it. It first probes for a slab
// header at ptr's page (and, failing that, at each class's INITIAL-chunk
// alignment). If a header is found and the slab accepts the free, that
// settles it; otherwise (no header found, or the slab rejected it as
// misaligned/double-freed/not-owned) ptr is tried against the buddy
// allocator as a fallback, the same two-step identification the facade's
// owner probe is built around.
func (p *PMM) Free(ptr uintptr) error {
	if ptr == 0 {
		return errors.ErrInvalidParamValue
	}
	if headerAddr, ok := ProbeHeader(ptr, p.heapStart, p.heapEnd); ok {
		if err := Deallocate(&p.buddy, headerAddr, ptr); err == nil {
			return nil
		}
	}
	return p.buddy.Free(ptr)
}

// Stats is a snapshot of buddy allocator occupancy, useful for diagnostics
// and for tests asserting on free-list shape after a sequence of
// operations. The banner PMM.Init prints does not use it.
type Stats struct {
	MaxOrder        mem.Order
	BaseOrder       mem.Order
	FreeListLengths []int
	ManagerCount    int
}

// Stats reports a snapshot of the buddy allocator's current free lists.
func (p *PMM) Stats() Stats {
	return Stats{
		MaxOrder:        p.buddy.MaxOrder(),
		BaseOrder:       p.buddy.BaseOrder(),
		FreeListLengths: p.buddy.FreeListLengths(),
		ManagerCount:    len(p.managers),
	}
}
