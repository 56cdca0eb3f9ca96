package pmm

import (
	"math/bits"
	"unsafe"

	"github.com/horserr/njuos/kernel/errors"
	"github.com/horserr/njuos/kernel/mem"
	ksync "github.com/horserr/njuos/kernel/sync"
)

// slabMetadataMagic marks the first word of every slab chunk header,
// distinct from memMetadataMagic so the facade can disambiguate a buddy
// header from a slab header at free time by probing alone.
const slabMetadataMagic uint32 = 0x10101010

// NumClasses is the number of slab size classes.
const NumClasses = 5

// SlabClasses is SLAB_CATEGORY: the cell size, in bytes, of each class.
// 256 is deliberately omitted: 4096/256 == 16 == bits per bitmap word,
// which collapses the group-fitting arithmetic in newSlabChunk below.
var SlabClasses = [NumClasses]uint32{8, 16, 32, 64, 128}

// SlabInitPagesPerTurn is SLAB_INIT_PAGES_PER_TURN.
var SlabInitPagesPerTurn = [NumClasses]int{5, 8, 5, 4, 3}

// SlabInitTurns is SLAB_INIT_TURNS.
var SlabInitTurns = [NumClasses]int{1, 1, 3, 3, 4}

// bitmapWordBits is the number of cells tracked by a single bitmap word.
const bitmapWordBits = 16

type slabStatus uint8

const (
	statusSentinel slabStatus = iota
	statusInitial
	statusReusable
)

// slabHeader prefixes every slab chunk (and is embedded, once per class,
// inside every per-CPU Manager as that class's list sentinel). next/prev
// form a circular doubly linked deque; for a sentinel they point to
// themselves initially.
type slabHeader struct {
	next, prev uintptr
	magic      uint32
	status     slabStatus
	typeSize   uint32
	remaining  int32
	groups     int32
	bitmapPtr  uintptr
	offset     uintptr

	// manager records the owning Manager's base address. The C original
	// this spec is drawn from never actually takes a lock in its
	// slab-deallocate path (a bare "// todo lock" sits where the
	// acquire belongs) even though the design calls for one on the
	// owning manager; this field is what lets a cross-CPU free find and
	// lock the right manager instead of leaving the critical section
	// unguarded. See DESIGN.md.
	manager uintptr
}

var slabHeaderSize = unsafe.Sizeof(slabHeader{})

func slabAt(addr uintptr) *slabHeader {
	return (*slabHeader)(unsafe.Pointer(addr))
}

func bitmapWordAt(meta *slabHeader, group int32) *uint16 {
	return (*uint16)(unsafe.Pointer(meta.bitmapPtr + uintptr(group)*2))
}

// managerLayout is the raw, per-CPU slab manager structure. It is carved
// directly out of the heap (see PMM.Init) rather than buddy-allocated,
// since the buddy allocator cannot exist yet when managers are reserved.
type managerLayout struct {
	lock      ksync.Spinlock
	sentinels [NumClasses]slabHeader
}

var managerSize = unsafe.Sizeof(managerLayout{})

// Manager is a thin handle onto a managerLayout living at a fixed heap
// address.
type Manager struct {
	Addr uintptr
}

func (m Manager) layout() *managerLayout {
	return (*managerLayout)(unsafe.Pointer(m.Addr))
}

func (m Manager) sentinelAddr(classIdx int) uintptr {
	return uintptr(unsafe.Pointer(&m.layout().sentinels[classIdx]))
}

// InitSentinels wires up the manager's five empty class lists. It performs
// no buddy allocation and may run before the buddy allocator exists.
func (m Manager) InitSentinels() {
	layout := m.layout()
	for i := range layout.sentinels {
		s := &layout.sentinels[i]
		addr := uintptr(unsafe.Pointer(s))
		s.next, s.prev = addr, addr
		s.status = statusSentinel
		s.typeSize = SlabClasses[i]
		s.magic = slabMetadataMagic
		s.manager = m.Addr
	}
}

// ReserveInitialChunks requests each class's boot-time INITIAL chunks from
// buddy, per SlabInitPagesPerTurn/SlabInitTurns. The buddy allocator must
// already be initialised.
func (m Manager) ReserveInitialChunks(buddy *Buddy) error {
	for i := range SlabClasses {
		sentinelAddr := m.sentinelAddr(i)
		for turn := 0; turn < SlabInitTurns[i]; turn++ {
			size := mem.Size(SlabInitPagesPerTurn[i]) * mem.PageSize
			if _, err := newSlabChunk(buddy, m.Addr, sentinelAddr, statusInitial, SlabClasses[i], size); err != nil {
				return err
			}
		}
	}
	return nil
}

// newSlabChunk carves a fresh chunk of chunkSize bytes from buddy, installs
// its header, partitions it into bitmap groups and cells, and links it into
// the class list headed by sentinelAddr (front for INITIAL, rear for
// REUSABLE, so INITIAL chunks are always found first on allocate).
func newSlabChunk(buddy *Buddy, mgrAddr, sentinelAddr uintptr, status slabStatus, typeSize uint32, chunkSize mem.Size) (uintptr, error) {
	addr, err := buddy.AllocateNet(chunkSize)
	if err != nil {
		return 0, err
	}

	meta := slabAt(addr)
	meta.magic = slabMetadataMagic
	meta.status = status
	meta.typeSize = typeSize
	meta.manager = mgrAddr

	start := mem.Align(addr+slabHeaderSize, 2)
	end := addr + uintptr(chunkSize)
	if end <= start {
		_ = buddy.Free(addr)
		return 0, errors.ErrOutOfMemory
	}
	span := end - start

	// Partition span between bitmap groups and cells directly: a group
	// covers bitmapWordBits cells at a cost of 2 bytes, so the largest
	// groups count that still leaves capacity <= cell count is the
	// largest integer solution of groups*(2 + bitmapWordBits*typeSize) <=
	// span. This replaces a downward scan (the C original's, which only
	// lands on a balanced split when the chunk's cell count comfortably
	// exceeds its bitmap capacity — false for the largest size class,
	// where it breaks on its very first iteration and yields a groups
	// count the chunk cannot actually back) with the closed form that
	// search is looking for.
	denom := uintptr(bitmapWordBits)*uintptr(typeSize) + 2
	groups := int32(span / denom)
	if groups <= 0 {
		_ = buddy.Free(addr)
		return 0, errors.ErrOutOfMemory
	}

	meta.groups = groups
	meta.remaining = groups * bitmapWordBits
	meta.bitmapPtr = start
	meta.offset = (end - uintptr(meta.remaining)*uintptr(typeSize)) - addr

	// Sanity: bitmap groups and cells must both fit within the chunk.
	if uintptr(meta.remaining)*uintptr(typeSize)+uintptr(groups)*2 > span {
		panic("pmm: slab partition overflowed its chunk")
	}

	for g := int32(0); g < groups; g++ {
		*bitmapWordAt(meta, g) = 0
	}

	sentinel := slabAt(sentinelAddr)
	switch status {
	case statusInitial:
		meta.prev = sentinelAddr
		meta.next = sentinel.next
		slabAt(sentinel.next).prev = addr
		sentinel.next = addr
	case statusReusable:
		meta.next = sentinelAddr
		meta.prev = sentinel.prev
		slabAt(sentinel.prev).next = addr
		sentinel.prev = addr
	}

	return addr, nil
}

// Allocate services a single-cell request for class classIdx, growing the
// class's list with a fresh REUSABLE page from buddy if every existing
// chunk is full. The manager lock is held for the buddy call too, per the
// mandatory manager-then-buddy lock ordering.
func (m Manager) Allocate(buddy *Buddy, classIdx int) (uintptr, error) {
	layout := m.layout()
	sentinel := &layout.sentinels[classIdx]
	sentinelAddr := uintptr(unsafe.Pointer(sentinel))

	layout.lock.Acquire()
	defer layout.lock.Release()

	for p := sentinel.next; p != sentinelAddr; {
		meta := slabAt(p)
		if meta.remaining > 0 {
			for g := int32(0); g < meta.groups; g++ {
				w := bitmapWordAt(meta, g)
				if *w != 0xFFFF {
					pos := bits.TrailingZeros16(^*w)
					*w |= uint16(1) << uint(pos)
					meta.remaining--
					return p + meta.offset + uintptr(g)*bitmapWordBits*uintptr(meta.typeSize) + uintptr(pos)*uintptr(meta.typeSize), nil
				}
			}
		}
		p = meta.next
	}

	newAddr, err := newSlabChunk(buddy, m.Addr, sentinelAddr, statusReusable, SlabClasses[classIdx], mem.PageSize)
	if err != nil {
		return 0, err
	}
	meta := slabAt(newAddr)
	meta.remaining--
	*bitmapWordAt(meta, 0) |= 1
	return newAddr + meta.offset, nil
}

// ClassIndex returns the index of the smallest slab class able to hold
// size bytes, or -1 if size exceeds the largest class.
func ClassIndex(size mem.Size) int {
	for i, class := range SlabClasses {
		if mem.Size(class) >= size {
			return i
		}
	}
	return -1
}

func classIndexForTypeSize(typeSize uint32) int {
	for i, class := range SlabClasses {
		if class == typeSize {
			return i
		}
	}
	return -1
}

// Deallocate releases the cell at targetAddr within the slab chunk headed
// at headerAddr, returning it to buddy if the chunk is REUSABLE and now
// fully free.
func Deallocate(buddy *Buddy, headerAddr, targetAddr uintptr) error {
	meta := slabAt(headerAddr)
	if meta.magic != slabMetadataMagic {
		return errors.ErrBadMagic
	}

	classIdx := classIndexForTypeSize(meta.typeSize)
	if classIdx < 0 || meta.groups <= 0 {
		return errors.ErrNotOwned
	}
	if targetAddr%uintptr(meta.typeSize) != 0 {
		return errors.ErrMisaligned
	}

	mgr := Manager{Addr: meta.manager}
	layout := mgr.layout()
	layout.lock.Acquire()
	defer layout.lock.Release()

	distance := targetAddr - (headerAddr + meta.offset)
	num := distance / uintptr(meta.typeSize)
	g := int32(num / bitmapWordBits)
	if g < 0 || g >= meta.groups {
		return errors.ErrNotOwned
	}
	pos := int(num % bitmapWordBits)

	w := bitmapWordAt(meta, g)
	if *w&(uint16(1)<<uint(pos)) == 0 {
		return errors.ErrDoubleFree
	}
	*w ^= uint16(1) << uint(pos)
	meta.remaining++

	if meta.status == statusReusable && meta.remaining == meta.groups*bitmapWordBits {
		unlinkSlab(meta)
		return buddy.Free(headerAddr)
	}
	return nil
}

func unlinkSlab(meta *slabHeader) {
	slabAt(meta.prev).next = meta.next
	slabAt(meta.next).prev = meta.prev
	meta.next, meta.prev = 0, 0
}

// ProbeHeader looks for a slab chunk header containing addr by rounding
// addr down to PageSize and, failing that, to each class's INITIAL-chunk
// alignment, returning the header address and whether one was found. Every
// candidate address must fall inside [lowerBound, upperBound) before
// their magic is even read, since a bogus addr must never dereference
// outside the managed heap.
func ProbeHeader(addr, lowerBound, upperBound uintptr) (uintptr, bool) {
	check := func(candidate uintptr) (uintptr, bool) {
		if candidate < lowerBound || candidate >= upperBound {
			return 0, false
		}
		if slabAt(candidate).magic == slabMetadataMagic {
			return candidate, true
		}
		return 0, false
	}

	if found, ok := check(mem.AlignDown(addr, uintptr(mem.PageSize))); ok {
		return found, true
	}
	for i := range SlabClasses {
		// An INITIAL chunk of SlabInitPagesPerTurn[i] pages is requested
		// from buddy as that many raw bytes, but AllocateNet aligns the
		// returned address to align_size() of the request, the next
		// power of two — not to the raw page count itself whenever
		// SlabInitPagesPerTurn[i] isn't already a power of two (5 and 3
		// pages/turn are not; 8 and 4 are). Probing at the raw
		// pages-per-turn stride would miss those headers entirely, so
		// the stride here must match what AllocateNet actually aligns
		// to.
		chunkSize := mem.Size(SlabInitPagesPerTurn[i]) * mem.PageSize
		align := uintptr(mem.AlignSize(chunkSize))
		if found, ok := check(mem.AlignDown(addr, align)); ok {
			return found, true
		}
	}
	return 0, false
}
