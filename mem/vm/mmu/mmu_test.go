package mmu

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/osvm/mem/blockdev"
	"github.com/sarchlab/osvm/mem/vm"
	"github.com/sarchlab/osvm/mem/vm/tlb"
	"github.com/sarchlab/osvm/memory"
	"go.uber.org/mock/gomock"
)

type process struct {
	as *vm.AddressSpace
}

func (p *process) AddressSpace() *vm.AddressSpace {
	return p.as
}

func (p *process) SetAddressSpace(as *vm.AddressSpace) *vm.AddressSpace {
	old := p.as
	p.as = as

	return old
}

var _ = Describe("MMU", func() {
	var (
		mockCtrl *gomock.Controller
		handler  *MockFaultHandler
		cpu      *tlb.TLB
		ram      *memory.Storage
		mmu      *Comp
		proc     *process
	)

	mapPage := func(vpn, pfn uint64, dirty bool) {
		restore := cpu.DisableInterrupts()
		defer restore()

		entry := tlb.Entry{VPN: vpn, PFN: pfn, Valid: true, Dirty: dirty}
		if index := cpu.Probe(vpn); index != tlb.NoEntry {
			cpu.Write(index, entry)
			return
		}

		cpu.WriteAny(entry)
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		handler = NewMockFaultHandler(mockCtrl)
		cpu = tlb.MakeBuilder().Build("CPU")
		ram = memory.NewStorage(16 * vm.PageSize)
		proc = &process{}

		mmu = MakeBuilder().
			WithTLB(cpu).
			WithFaultHandler(handler).
			WithPhysicalMemory(ram).
			WithMaxRetries(4).
			Build("MMU")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should panic without a fault handler", func() {
		Expect(func() {
			MakeBuilder().WithTLB(cpu).WithPhysicalMemory(ram).Build("MMU")
		}).To(Panic())
	})

	It("should read through a present translation", func() {
		mapPage(0x400, 3, true)
		Expect(ram.Write(3*vm.PageSize+0x10, []byte{1, 2, 3})).To(Succeed())

		data, err := mmu.Read(proc, 0x400010, 3)

		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte{1, 2, 3}))
		Expect(mmu.Stats().Hits).To(Equal(uint64(1)))
	})

	It("should fault on a miss and retry", func() {
		handler.EXPECT().
			HandleFault(cpu, proc, vm.FaultWrite, uint64(0x400010)).
			Do(func(*tlb.TLB, vm.Process, vm.FaultKind, uint64) {
				mapPage(0x400, 5, true)
			})

		Expect(mmu.Write(proc, 0x400010, []byte{7})).To(Succeed())

		data, _ := ram.Read(5*vm.PageSize+0x10, 1)
		Expect(data).To(Equal([]byte{7}))
		Expect(mmu.Stats().Misses).To(Equal(uint64(1)))
		Expect(mmu.Stats().Faults).To(Equal(uint64(1)))
	})

	It("should raise a read-only fault on a clean translation", func() {
		mapPage(0x400, 5, false)

		handler.EXPECT().
			HandleFault(cpu, proc, vm.FaultReadOnly, uint64(0x400000)).
			Do(func(*tlb.TLB, vm.Process, vm.FaultKind, uint64) {
				mapPage(0x400, 5, true)
			})

		Expect(mmu.Write(proc, 0x400000, []byte{7})).To(Succeed())

		restore := cpu.DisableInterrupts()
		defer restore()
		entry, found := cpu.Lookup(0x400)
		Expect(found).To(BeTrue())
		Expect(entry.Dirty).To(BeTrue())
	})

	It("should split accesses at page boundaries", func() {
		mapPage(0x400, 2, true)
		mapPage(0x401, 7, true)

		data := []byte{1, 2, 3, 4}
		Expect(mmu.Write(proc, 0x400ffe, data)).To(Succeed())

		first, _ := ram.Read(2*vm.PageSize+0xffe, 2)
		second, _ := ram.Read(7*vm.PageSize, 2)
		Expect(first).To(Equal([]byte{1, 2}))
		Expect(second).To(Equal([]byte{3, 4}))

		back, err := mmu.Read(proc, 0x400ffe, 4)
		Expect(err).NotTo(HaveOccurred())
		Expect(back).To(Equal(data))
	})

	It("should return fault errors", func() {
		handler.EXPECT().
			HandleFault(gomock.Any(), gomock.Any(), vm.FaultRead, gomock.Any()).
			Return(vm.ErrFault)

		_, err := mmu.Read(proc, 0x400000, 1)

		Expect(errors.Is(err, vm.ErrFault)).To(BeTrue())
	})

	It("should give up when faults make no progress", func() {
		handler.EXPECT().
			HandleFault(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil).
			Times(5)

		_, err := mmu.Read(proc, 0x400000, 1)

		Expect(errors.Is(err, ErrNoProgress)).To(BeTrue())
	})
})

var _ = Describe("MMU over the VM system", func() {
	It("should keep data across evictions", func() {
		sys := vm.MakeBuilder().
			WithNumFrames(4).
			WithReservedFrames(1).
			WithSwapDevice(blockdev.NewMemDevice(32 * vm.PageSize)).
			Build("VM")

		as := sys.CreateAddressSpace()
		Expect(as.DefineRegion(0x400000, 10*vm.PageSize, true, true, false)).
			To(Succeed())
		proc := &process{as: as}

		mmu := MakeBuilder().
			WithTLB(sys.CPU(0)).
			WithFaultHandler(sys).
			WithPhysicalMemory(sys.PhysicalMemory()).
			Build("MMU")

		for i := 0; i < 10; i++ {
			vaddr := 0x400000 + uint64(i)*vm.PageSize + 100
			Expect(mmu.Write(proc, vaddr, []byte{byte(i), byte(i + 1)})).
				To(Succeed())
		}

		for i := 0; i < 10; i++ {
			vaddr := 0x400000 + uint64(i)*vm.PageSize + 100
			Expect(mmu.Read(proc, vaddr, 2)).
				To(Equal([]byte{byte(i), byte(i + 1)}))
		}

		Expect(sys.Swap().Stats().Evictions).To(BeNumerically(">", 0))

		_, err := mmu.Read(proc, 0x300000, 1)
		Expect(errors.Is(err, vm.ErrFault)).To(BeTrue())
	})
})
