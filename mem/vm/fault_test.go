package vm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/osvm/mem/vm/tlb"
	"github.com/sarchlab/osvm/sim"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Fault handler", func() {
	var (
		sys  *System
		cpu  *tlb.TLB
		as   *AddressSpace
		proc *testProcess
	)

	const (
		text = uint64(0x400000)
		data = uint64(0x10000000)
	)

	probe := func(vaddr uint64) (tlb.Entry, bool) {
		restore := cpu.DisableInterrupts()
		defer restore()

		index := cpu.Probe(vaddr >> Log2PageSize)
		if index == tlb.NoEntry {
			return tlb.Entry{}, false
		}

		return cpu.Read(index), true
	}

	BeforeEach(func() {
		sys = MakeBuilder().
			WithNumFrames(8).
			WithReservedFrames(2).
			WithNumCPUs(2).
			Build("VM")
		cpu = sys.CPU(0)

		as = sys.CreateAddressSpace()
		Expect(as.DefineRegion(text, 2*PageSize, true, false, true)).
			To(Succeed())
		Expect(as.DefineRegion(data, 8*PageSize, true, true, false)).
			To(Succeed())
		proc = &testProcess{as: as}
	})

	It("should fail without an address space", func() {
		proc.SetAddressSpace(nil)

		err := sys.HandleFault(cpu, proc, FaultRead, text)

		Expect(errors.Is(err, ErrFault)).To(BeTrue())
		Expect(errors.Is(err, ErrNoAddressSpace)).To(BeTrue())
	})

	It("should fail outside every region", func() {
		err := sys.HandleFault(cpu, proc, FaultRead, 0x20000000)

		Expect(errors.Is(err, ErrFault)).To(BeTrue())
		Expect(as.PageCount()).To(BeZero())
	})

	It("should fail on stores to read-only regions", func() {
		err := sys.HandleFault(cpu, proc, FaultWrite, text+4)
		Expect(errors.Is(err, ErrFault)).To(BeTrue())

		err = sys.HandleFault(cpu, proc, FaultReadOnly, text+4)
		Expect(errors.Is(err, ErrFault)).To(BeTrue())
	})

	It("should fail on loads from regions that cannot be read", func() {
		Expect(as.DefineRegion(0x20000000, PageSize, false, true, false)).
			To(Succeed())

		err := sys.HandleFault(cpu, proc, FaultRead, 0x20000000)

		Expect(errors.Is(err, ErrFault)).To(BeTrue())
	})

	It("should map a zeroed frame on first touch", func() {
		Expect(sys.HandleFault(cpu, proc, FaultRead, data+10)).To(Succeed())

		pte, ok := as.Entry(data)
		Expect(ok).To(BeTrue())
		Expect(pte.VPN()).To(Equal(data >> Log2PageSize))
		Expect(pte.Slot()).To(Equal(NoSlot))
		Expect(pte.Permission()).To(Equal(PermRead | PermWrite))

		entry, found := probe(data)
		Expect(found).To(BeTrue())
		Expect(entry.Valid).To(BeTrue())
		Expect(entry.Dirty).To(BeTrue())
		Expect(entry.PFN).To(Equal(uint64(pte.Frame())))

		Expect(load(sys, cpu, proc, data+10, 4)).To(Equal([]byte{0, 0, 0, 0}))
	})

	It("should reinstall the same frame after a context switch", func() {
		Expect(store(sys, cpu, proc, data, []byte{5})).To(Succeed())
		pte, _ := as.Entry(data)
		frame := pte.Frame()

		sys.Activate(cpu)
		_, found := probe(data)
		Expect(found).To(BeFalse())

		Expect(load(sys, cpu, proc, data, 1)).To(Equal([]byte{5}))
		Expect(pte.Frame()).To(Equal(frame))
		Expect(as.PageCount()).To(Equal(1))
	})

	It("should let other processors share the page", func() {
		other := sys.CPU(1)
		Expect(store(sys, cpu, proc, data, []byte{3})).To(Succeed())

		Expect(load(sys, other, proc, data, 1)).To(Equal([]byte{3}))
	})

	It("should set the dirty bit of a clean translation", func() {
		Expect(sys.HandleFault(cpu, proc, FaultRead, data)).To(Succeed())
		restore := cpu.DisableInterrupts()
		index := cpu.Probe(data >> Log2PageSize)
		entry := cpu.Read(index)
		entry.Dirty = false
		cpu.Write(index, entry)
		restore()

		Expect(sys.HandleFault(cpu, proc, FaultReadOnly, data)).To(Succeed())

		entry, _ = probe(data)
		Expect(entry.Dirty).To(BeTrue())
	})

	It("should report out of memory without swap", func() {
		for i := uint64(0); i < 6; i++ {
			Expect(store(sys, cpu, proc, data+i*PageSize, []byte{1})).
				To(Succeed())
		}

		err := sys.HandleFault(cpu, proc, FaultWrite, data+6*PageSize)

		Expect(errors.Is(err, ErrOutOfMemory)).To(BeTrue())
		Expect(as.PageCount()).To(Equal(6))
		_, ok := as.Entry(data + 6*PageSize)
		Expect(ok).To(BeFalse())
	})

	It("should notify hooks", func() {
		mockCtrl := gomock.NewController(GinkgoT())
		defer mockCtrl.Finish()

		hook := NewMockHook(mockCtrl)
		sys.AcceptHook(hook)

		hook.EXPECT().
			Func(gomock.Any()).
			Do(func(ctx sim.HookCtx) {
				Expect(ctx.Pos).To(Equal(HookPosFrameAlloc))
				Expect(ctx.Domain).To(BeIdenticalTo(sys))
			})
		hook.EXPECT().
			Func(gomock.Any()).
			Do(func(ctx sim.HookCtx) {
				Expect(ctx.Pos).To(Equal(HookPosFault))

				evt := ctx.Item.(Event)
				Expect(evt.ASID).To(Equal(as.ID()))
				Expect(evt.VPN).To(Equal(data >> Log2PageSize))
				Expect(evt.Fault).To(Equal(FaultWrite))
			})

		Expect(sys.HandleFault(cpu, proc, FaultWrite, data)).To(Succeed())
	})
})
