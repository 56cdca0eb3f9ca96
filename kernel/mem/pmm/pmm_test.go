package pmm_test

import (
	"unsafe"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/horserr/njuos/kernel/hal/cpu"
	"github.com/horserr/njuos/kernel/mem"
	"github.com/horserr/njuos/kernel/mem/pmm"
)

// newHeap carves a 64 MiB arena out of the Go heap to stand in for the
// physical region the kernel would otherwise hand pmm.Init at boot.
func newHeap(size uintptr) (uintptr, uintptr, []byte) {
	backing := make([]byte, size+uintptr(mem.PageSize))
	start := uintptr(unsafe.Pointer(&backing[0]))
	return start, start + size, backing
}

var _ = Describe("PMM facade", func() {
	var (
		p       pmm.PMM
		backing []byte
	)

	BeforeEach(func() {
		cpu.CountFn = func() int { return 2 }
		var start, end uintptr
		start, end, backing = newHeap(64 << 20)
		Expect(p.Init(start, end)).To(Succeed())
	})

	AfterEach(func() {
		cpu.CountFn = func() int { return 1 }
		_ = backing
	})

	It("S1: serves alloc(8) from CPU 0's INITIAL class-8 chunk and frees it back", func() {
		ptr, err := p.AllocOnCPU(0, 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(ptr).NotTo(BeZero())
		Expect(ptr % 8).To(BeZero())

		Expect(p.Free(ptr)).To(Succeed())
	})

	It("grows a REUSABLE chunk once the class-16 INITIAL capacity is exhausted", func() {
		var ptrs []uintptr
		statsBefore := p.Stats()

		for i := 0; i < 20000; i++ {
			ptr, err := p.AllocOnCPU(0, 16)
			Expect(err).NotTo(HaveOccurred())
			ptrs = append(ptrs, ptr)
		}

		statsAfter := p.Stats()
		grew := false
		for i := range statsBefore.FreeListLengths {
			if statsAfter.FreeListLengths[i] != statsBefore.FreeListLengths[i] {
				grew = true
			}
		}
		Expect(grew).To(BeTrue(), "expected exhausting class 16 to eventually pull a fresh page from the buddy")

		for _, ptr := range ptrs {
			Expect(p.Free(ptr)).To(Succeed())
		}
	})

	It("S4: serves alloc(1 MiB) from the buddy, 1 MiB aligned, and frees cleanly", func() {
		ptr, err := p.Alloc(1 << 20)
		Expect(err).NotTo(HaveOccurred())
		Expect(ptr % (1 << 20)).To(BeZero())
		Expect(p.Free(ptr)).To(Succeed())
	})

	It("S5: a pointer allocated on CPU 0 is freed successfully via a call modelling CPU 1", func() {
		ptr, err := p.AllocOnCPU(0, 32)
		Expect(err).NotTo(HaveOccurred())

		// Free does not take a CPU argument: ownership is discovered from
		// the pointer alone, so this call stands in for "free issued from
		// CPU 1".
		Expect(p.Free(ptr)).To(Succeed())
	})

	It("S6: a misaligned or bogus pointer is rejected without corrupting allocator state", func() {
		ptr, err := p.AllocOnCPU(0, 32)
		Expect(err).NotTo(HaveOccurred())

		statsBefore := p.Stats()
		Expect(p.Free(ptr + 1)).To(HaveOccurred())
		statsAfter := p.Stats()
		Expect(statsAfter.FreeListLengths).To(Equal(statsBefore.FreeListLengths))

		Expect(p.Free(ptr)).To(Succeed())
	})

	It("treats alloc(0) as the smallest slab class rather than a null pointer", func() {
		ptr, err := p.AllocOnCPU(0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(ptr).NotTo(BeZero())
		Expect(p.Free(ptr)).To(Succeed())
	})

	It("serves alloc(128) from slab class 4 and alloc(129) from the buddy", func() {
		small, err := p.AllocOnCPU(0, 128)
		Expect(err).NotTo(HaveOccurred())
		Expect(small % 128).To(BeZero())
		Expect(p.Free(small)).To(Succeed())

		big, err := p.AllocOnCPU(0, 129)
		Expect(err).NotTo(HaveOccurred())
		Expect(big % uintptr(mem.PageSize)).To(BeZero())
		Expect(p.Free(big)).To(Succeed())
	})

	It("rejects a request larger than MaxRequest", func() {
		_, err := p.Alloc(mem.MaxRequest + 1)
		Expect(err).To(HaveOccurred())
	})
})
