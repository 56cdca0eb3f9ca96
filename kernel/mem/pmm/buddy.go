// Package pmm implements the two-tier physical memory manager: a buddy
// allocator over page-granularity blocks (this file) layered under a
// per-CPU slab allocator (slab.go), wired together by the facade in
// pmm.go. The design follows the teacher's kernel/mem/physical package for
// its header-overlay and locking idioms, adapted to the free-list +
// registry scheme described by the hosting kernel's memory_allocator.
package pmm

import (
	"unsafe"

	"github.com/horserr/njuos/kernel/errors"
	"github.com/horserr/njuos/kernel/mem"
	ksync "github.com/horserr/njuos/kernel/sync"
)

// memMetadataMagic is the sentinel that marks the first word of every live
// buddy block header, free or allocated.
const memMetadataMagic uint32 = 0x01010101

// header prefixes every buddy block. Its layout is fixed and opaque to
// callers; only Buddy ever interprets it.
type header struct {
	magic uint32
	next  uintptr
}

var (
	headerSize    = unsafe.Sizeof(header{})
	offsetWordLen = unsafe.Sizeof(uintptr(0))
)

// Buddy is the single global power-of-two block allocator over the heap.
// One buddy lock guards the entire free_list/registry state, as required by
// the concurrency model: a slab manager may acquire it while already
// holding its own lock, but never the reverse.
type Buddy struct {
	lock ksync.Spinlock

	baseOrder mem.Order
	maxOrder  mem.Order

	// origin is the page-aligned heap start; rootEnd = origin + 2^maxOrder.
	// The trailing non-power-of-two remainder of the heap, if any, is
	// permanently abandoned (see DESIGN.md).
	origin  uintptr
	rootEnd uintptr

	// freeList[o - baseOrder] holds the head address of the singly linked
	// free list for order o, or 0 if empty.
	freeList []uintptr

	// registry[(addr-origin)>>baseOrder] holds the order a block is
	// currently allocated at, or 0 if the block is free.
	registry []mem.Order
}

// Init bootstraps the buddy allocator over [heapStart, heapEnd). start is
// rounded up and end rounded down to PageSize, matching ROUNDUP/ROUNDDOWN
// in the hosting kernel's headers.
func (b *Buddy) Init(heapStart, heapEnd uintptr) error {
	start := mem.Align(heapStart, uintptr(mem.PageSize))
	end := mem.AlignDown(heapEnd, uintptr(mem.PageSize))
	if end <= start {
		return errors.ErrInvalidParamValue
	}

	maxOrder := mem.Log2Floor(mem.Size(end - start))
	if maxOrder < mem.BaseOrder {
		return errors.ErrInvalidParamValue
	}

	b.baseOrder = mem.BaseOrder
	b.maxOrder = maxOrder
	b.origin = start
	b.rootEnd = start + (uintptr(1) << maxOrder)

	b.freeList = make([]uintptr, maxOrder-b.baseOrder+1)
	b.registry = make([]mem.Order, (b.rootEnd-start)>>mem.PageShift)

	b.pushFreeList(maxOrder, start)
	return nil
}

// allocateRaw services a gross request (the caller's net size, plus its own
// header and offset word already folded in by the facade/slab layer via
// AllocateNet) and returns the header-skipped payload address.
func (b *Buddy) allocateRaw(grossSize mem.Size) (uintptr, error) {
	aligned := mem.AlignSize(grossSize)
	order := mem.Log2Floor(aligned)
	if order < b.baseOrder {
		order = b.baseOrder
	}
	if order > b.maxOrder {
		return 0, errors.ErrOutOfMemory
	}

	b.lock.Acquire()
	defer b.lock.Release()

	idx := order - b.baseOrder
	if b.freeList[idx] != 0 {
		addr := b.popFreeList(order)
		b.registry[b.frameIndex(addr)] = order
		return addr, nil
	}

	var found mem.Order
	ok := false
	for o := order + 1; o <= b.maxOrder; o++ {
		if b.freeList[o-b.baseOrder] != 0 {
			found = o
			ok = true
			break
		}
	}
	if !ok {
		return 0, errors.ErrOutOfMemory
	}

	addr := b.popFreeList(found)
	for o := found; o > order; o-- {
		half := addr + (uintptr(1) << (o - 1))
		b.pushFreeList(o-1, half)
	}

	b.registry[b.frameIndex(addr)] = order
	return addr, nil
}

// AllocateNet allocates netSize usable bytes, returning the aligned payload
// address (header and offset word are hidden below it). This is the
// "public allocate" of the spec: it rounds netSize up to align_size(netSize),
// requests a gross block large enough for the header plus the offset word,
// and records the offset between the raw block and the aligned return
// address one machine word below it.
func (b *Buddy) AllocateNet(netSize mem.Size) (uintptr, error) {
	alignedNet := mem.AlignSize(netSize)
	gross := alignedNet + mem.Size(headerSize) + mem.Size(offsetWordLen)

	space, err := b.allocateRaw(gross)
	if err != nil {
		return 0, err
	}
	rawSpace := space + headerSize

	beginning := mem.Align(rawSpace, uintptr(alignedNet))
	offsetPtr := (*uintptr)(unsafe.Pointer(beginning - offsetWordLen))
	*offsetPtr = beginning - rawSpace
	return beginning, nil
}

// Free releases a block previously returned by AllocateNet. It returns
// ErrBadMagic for a pointer that was never a buddy header, ErrDoubleFree
// for a block that is already free, and nil on success.
func (b *Buddy) Free(beginning uintptr) error {
	if beginning < offsetWordLen {
		return errors.ErrInvalidParamValue
	}

	offsetVal := *(*uintptr)(unsafe.Pointer(beginning - offsetWordLen))
	rawSpace := beginning - offsetVal
	if rawSpace < headerSize {
		return errors.ErrInvalidParamValue
	}
	headerAddr := rawSpace - headerSize

	if headerAddr < b.origin || headerAddr >= b.rootEnd {
		return errors.ErrPageNotAllocated
	}

	hdr := (*header)(unsafe.Pointer(headerAddr))
	if hdr.magic != memMetadataMagic {
		return errors.ErrBadMagic
	}

	frameIdx := b.frameIndex(headerAddr)

	b.lock.Acquire()
	defer b.lock.Release()

	order := b.registry[frameIdx]
	if order < b.baseOrder {
		return errors.ErrDoubleFree
	}
	b.registry[frameIdx] = 0

	addr := headerAddr
	for order < b.maxOrder {
		// Buddies are found by XOR-ing the order bit of the block's
		// offset from origin, not of its absolute address: origin is
		// only page-aligned (Init rounds to PageSize, not to
		// 2^maxOrder), so an absolute XOR would name the wrong sibling
		// as soon as origin has a set bit anywhere in [baseOrder,
		// maxOrder-1]. Every block's offset from origin, by
		// construction of the split/coalesce recursion, is itself an
		// exact multiple of 2^order, which is what makes the
		// origin-relative XOR trick valid.
		buddyAddr := b.origin + ((addr - b.origin) ^ (uintptr(1) << order))
		if !b.removeFromFreeList(order, buddyAddr) {
			break
		}
		if buddyAddr < addr {
			addr = buddyAddr
		}
		order++
	}
	b.pushFreeList(order, addr)
	return nil
}

func (b *Buddy) frameIndex(addr uintptr) uintptr {
	return (addr - b.origin) >> b.baseOrder
}

func (b *Buddy) pushFreeList(order mem.Order, addr uintptr) {
	idx := order - b.baseOrder
	hdr := (*header)(unsafe.Pointer(addr))
	hdr.magic = memMetadataMagic
	hdr.next = b.freeList[idx]
	b.freeList[idx] = addr
}

func (b *Buddy) popFreeList(order mem.Order) uintptr {
	idx := order - b.baseOrder
	addr := b.freeList[idx]
	if addr == 0 {
		return 0
	}
	hdr := (*header)(unsafe.Pointer(addr))
	b.freeList[idx] = hdr.next
	hdr.next = 0
	return addr
}

// removeFromFreeList scans the singly linked list for order looking for a
// block at exactly address target, unlinking and returning true if found.
// This is O(list length), acceptable because per-order lists stay short.
func (b *Buddy) removeFromFreeList(order mem.Order, target uintptr) bool {
	idx := order - b.baseOrder
	head := b.freeList[idx]
	if head == 0 {
		return false
	}
	if head == target {
		b.popFreeList(order)
		return true
	}

	prev := (*header)(unsafe.Pointer(head))
	cur := prev.next
	for cur != 0 {
		curHdr := (*header)(unsafe.Pointer(cur))
		if cur == target {
			prev.next = curHdr.next
			curHdr.next = 0
			return true
		}
		prev = curHdr
		cur = curHdr.next
	}
	return false
}

// FreeListLengths reports, for each order from baseOrder to maxOrder, how
// many free blocks currently sit on that order's list. Used only for
// diagnostics (see Stats in pmm.go), so it takes the lock only if it is
// free: a stats read that raced with an in-progress allocate/free is an
// acceptable, best-effort snapshot, but blocking a diagnostic read behind
// a contended allocator lock is not worth the accuracy.
func (b *Buddy) FreeListLengths() []int {
	if b.lock.TryAcquire() {
		defer b.lock.Release()
	}

	lengths := make([]int, len(b.freeList))
	for i, head := range b.freeList {
		count := 0
		addr := head
		for addr != 0 {
			count++
			hdr := (*header)(unsafe.Pointer(addr))
			addr = hdr.next
		}
		lengths[i] = count
	}
	return lengths
}

// MaxOrder returns the highest order the buddy allocator was initialised
// with.
func (b *Buddy) MaxOrder() mem.Order { return b.maxOrder }

// BaseOrder returns the order of a single page.
func (b *Buddy) BaseOrder() mem.Order { return b.baseOrder }
