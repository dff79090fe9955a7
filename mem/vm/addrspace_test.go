package vm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/osvm/mem/vm/tlb"
)

var _ = Describe("AddressSpace", func() {
	var (
		sys *System
		as  *AddressSpace
	)

	BeforeEach(func() {
		sys = MakeBuilder().WithNumFrames(32).Build("VM")
		as = sys.CreateAddressSpace()
	})

	It("should give each address space its own id", func() {
		other := sys.CreateAddressSpace()

		Expect(other.ID()).NotTo(Equal(as.ID()))
	})

	It("should keep regions sorted", func() {
		Expect(as.DefineRegion(0x10000000, 0x1000, true, true, false)).
			To(Succeed())
		Expect(as.DefineRegion(0x400000, 0x2345, true, false, true)).
			To(Succeed())

		regions := as.Regions()

		Expect(regions).To(HaveLen(2))
		Expect(regions[0].Base).To(Equal(uint64(0x400000)))
		Expect(regions[0].Size).To(Equal(uint64(0x2345)))
		Expect(regions[0].Permission().String()).To(Equal("r-x"))
		Expect(regions[1].Base).To(Equal(uint64(0x10000000)))
	})

	It("should reject overlapping regions", func() {
		Expect(as.DefineRegion(0x400000, 0x2000, true, false, true)).
			To(Succeed())

		err := as.DefineRegion(0x401000, 0x2000, true, true, false)

		Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
		Expect(as.Regions()).To(HaveLen(1))
	})

	It("should reject empty regions", func() {
		err := as.DefineRegion(0x400000, 0, true, false, false)

		Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
	})

	It("should reject regions reaching kernel space", func() {
		err := as.DefineRegion(0x7fffff00, 0x1000, true, false, false)

		Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
	})

	It("should place the heap above the highest region", func() {
		Expect(as.DefineRegion(0x400000, 0x2345, true, false, true)).
			To(Succeed())
		Expect(as.DefineRegion(0x10000000, 0x1800, true, true, false)).
			To(Succeed())

		sp, err := as.DefineStack()

		Expect(err).NotTo(HaveOccurred())
		Expect(sp).To(Equal(UserStack))
		Expect(as.StackPointer()).To(Equal(UserStack))

		heap, ok := as.HeapRegion()
		Expect(ok).To(BeTrue())
		Expect(heap.Base).To(Equal(uint64(0x10002000)))
		Expect(heap.Size).To(BeZero())

		regions := as.Regions()
		stack := regions[len(regions)-1]
		Expect(stack.Base).To(Equal(StackBottom))
		Expect(stack.Size).To(Equal(uint64(StackPages * PageSize)))
	})

	It("should not define a heap without regions", func() {
		_, err := as.DefineStack()

		Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
	})

	It("should make regions writable while loading", func() {
		Expect(as.DefineRegion(0x400000, 0x1000, true, false, true)).
			To(Succeed())

		as.PrepareLoad()
		Expect(as.Regions()[0].Writable).To(BeTrue())

		as.CompleteLoad()
		Expect(as.Regions()[0].Writable).To(BeFalse())
	})

	It("should panic when completing a load that was not prepared", func() {
		Expect(as.DefineRegion(0x400000, 0x1000, true, false, true)).
			To(Succeed())

		Expect(func() { as.CompleteLoad() }).To(Panic())
	})

	Context("with a heap", func() {
		var (
			cpu       *tlb.TLB
			proc      *testProcess
			heapStart uint64
		)

		BeforeEach(func() {
			Expect(as.DefineRegion(0x400000, 0x1000, true, false, true)).
				To(Succeed())
			_, err := as.DefineStack()
			Expect(err).NotTo(HaveOccurred())

			heap, _ := as.HeapRegion()
			heapStart = heap.Base
			cpu = sys.CPU(0)
			proc = &testProcess{as: as}
		})

		It("should return the old break", func() {
			brk, err := sys.GrowHeap(as, 2*PageSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(brk).To(Equal(heapStart))

			brk, err = sys.GrowHeap(as, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(brk).To(Equal(heapStart + 2*PageSize))
		})

		It("should make the new range usable", func() {
			err := store(sys, cpu, proc, heapStart, []byte{1})
			Expect(errors.Is(err, ErrFault)).To(BeTrue())

			_, err = sys.GrowHeap(as, PageSize)
			Expect(err).NotTo(HaveOccurred())

			Expect(store(sys, cpu, proc, heapStart+8, []byte{1, 2})).
				To(Succeed())
			Expect(load(sys, cpu, proc, heapStart+8, 2)).
				To(Equal([]byte{1, 2}))
		})

		It("should reject unaligned changes", func() {
			_, err := sys.GrowHeap(as, 100)

			Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
		})

		It("should reject shrinking below zero", func() {
			_, err := sys.GrowHeap(as, PageSize)
			Expect(err).NotTo(HaveOccurred())

			_, err = sys.GrowHeap(as, -2*PageSize)

			Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
			heap, _ := as.HeapRegion()
			Expect(heap.Size).To(Equal(uint64(PageSize)))
		})

		It("should refuse to grow into the stack", func() {
			_, err := sys.GrowHeap(as, PageSize)
			Expect(err).NotTo(HaveOccurred())

			_, err = sys.GrowHeap(as, int64(StackBottom-heapStart))

			Expect(errors.Is(err, ErrOutOfMemory)).To(BeTrue())
			heap, _ := as.HeapRegion()
			Expect(heap.Size).To(Equal(uint64(PageSize)))
			Expect(as.PageCount()).To(BeZero())
		})

		It("should release pages when shrinking", func() {
			_, err := sys.GrowHeap(as, 3*PageSize)
			Expect(err).NotTo(HaveOccurred())

			for i := uint64(0); i < 3; i++ {
				Expect(store(sys, cpu, proc, heapStart+i*PageSize, []byte{1})).
					To(Succeed())
			}

			used := sys.Coremap().UsedBytes()
			Expect(as.PageCount()).To(Equal(3))

			brk, err := sys.GrowHeap(as, -2*PageSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(brk).To(Equal(heapStart + 3*PageSize))

			Expect(as.PageCount()).To(Equal(1))
			Expect(sys.Coremap().UsedBytes()).To(Equal(used - 2*PageSize))

			restore := cpu.DisableInterrupts()
			index := cpu.Probe((heapStart + PageSize) >> Log2PageSize)
			restore()
			Expect(index).To(Equal(tlb.NoEntry))

			err = store(sys, cpu, proc, heapStart+PageSize, []byte{1})
			Expect(errors.Is(err, ErrFault)).To(BeTrue())
		})

		It("should clear pages that come back after shrinking", func() {
			_, err := sys.GrowHeap(as, PageSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(store(sys, cpu, proc, heapStart, []byte{9})).To(Succeed())

			_, err = sys.GrowHeap(as, -PageSize)
			Expect(err).NotTo(HaveOccurred())
			_, err = sys.GrowHeap(as, PageSize)
			Expect(err).NotTo(HaveOccurred())

			Expect(load(sys, cpu, proc, heapStart, 1)).To(Equal([]byte{0}))
		})
	})

	It("should return every frame on destroy", func() {
		Expect(as.DefineRegion(0x400000, 4*PageSize, true, true, false)).
			To(Succeed())
		before := sys.Coremap().UsedBytes()

		cpu := sys.CPU(0)
		proc := &testProcess{as: as}
		for i := uint64(0); i < 4; i++ {
			Expect(store(sys, cpu, proc, 0x400000+i*PageSize, []byte{1})).
				To(Succeed())
		}

		sys.DestroyAddressSpace(as)

		Expect(sys.Coremap().UsedBytes()).To(Equal(before))
		Expect(as.PageCount()).To(BeZero())

		err := store(sys, cpu, proc, 0x400000, []byte{1})
		Expect(errors.Is(err, ErrFault)).To(BeTrue())
		Expect(func() { sys.DestroyAddressSpace(as) }).To(Panic())
	})
})
