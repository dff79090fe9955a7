package tlb_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/osvm/mem/vm/tlb"
)

var _ = Describe("TLB", func() {
	var t *tlb.TLB

	BeforeEach(func() {
		t = tlb.MakeBuilder().WithNumSets(2).WithNumWays(2).Build("CPU[0]")
	})

	It("should panic when probing with interrupts on", func() {
		Expect(func() { t.Probe(1) }).To(Panic())
	})

	It("should miss on an empty buffer", func() {
		restore := t.DisableInterrupts()
		defer restore()

		Expect(t.Probe(0x10)).To(Equal(tlb.NoEntry))
		_, found := t.Lookup(0x10)
		Expect(found).To(BeFalse())
	})

	It("should write and probe entries", func() {
		restore := t.DisableInterrupts()
		defer restore()

		index := t.WriteAny(tlb.Entry{VPN: 0x10, PFN: 3, Valid: true, Dirty: true})

		Expect(t.Probe(0x10)).To(Equal(index))
		entry, found := t.Lookup(0x10)
		Expect(found).To(BeTrue())
		Expect(entry.PFN).To(Equal(uint64(3)))
	})

	It("should place pages in the set selected by the page number", func() {
		restore := t.DisableInterrupts()
		defer restore()

		index := t.WriteAny(tlb.Entry{VPN: 3, PFN: 1, Valid: true})

		Expect(index / 2).To(Equal(1))
		Expect(func() { t.Write(0, tlb.Entry{VPN: 3, Valid: true}) }).To(Panic())
	})

	It("should replace the least recently used way", func() {
		restore := t.DisableInterrupts()
		defer restore()

		t.WriteAny(tlb.Entry{VPN: 0, PFN: 1, Valid: true})
		t.WriteAny(tlb.Entry{VPN: 2, PFN: 2, Valid: true})
		t.Lookup(0)
		t.WriteAny(tlb.Entry{VPN: 4, PFN: 3, Valid: true})

		Expect(t.Probe(0)).NotTo(Equal(tlb.NoEntry))
		Expect(t.Probe(2)).To(Equal(tlb.NoEntry))
		Expect(t.Probe(4)).NotTo(Equal(tlb.NoEntry))
	})

	It("should reuse invalidated ways first", func() {
		restore := t.DisableInterrupts()
		defer restore()

		t.WriteAny(tlb.Entry{VPN: 0, PFN: 1, Valid: true})
		second := t.WriteAny(tlb.Entry{VPN: 2, PFN: 2, Valid: true})
		t.Invalidate(second)

		index := t.WriteAny(tlb.Entry{VPN: 4, PFN: 3, Valid: true})

		Expect(index).To(Equal(second))
		Expect(t.Probe(0)).NotTo(Equal(tlb.NoEntry))
	})

	It("should shoot down only a matching frame", func() {
		restore := t.DisableInterrupts()
		t.WriteAny(tlb.Entry{VPN: 0x10, PFN: 3, Valid: true})
		restore()

		Expect(t.Shootdown(0x10, 4)).To(BeFalse())
		Expect(t.Shootdown(0x10, 3)).To(BeTrue())

		restore = t.DisableInterrupts()
		defer restore()
		Expect(t.Probe(0x10)).To(Equal(tlb.NoEntry))
	})

	It("should invalidate everything", func() {
		restore := t.DisableInterrupts()
		t.WriteAny(tlb.Entry{VPN: 0, PFN: 1, Valid: true})
		t.WriteAny(tlb.Entry{VPN: 1, PFN: 2, Valid: true})
		restore()

		t.InvalidateAll()

		restore = t.DisableInterrupts()
		defer restore()
		Expect(t.Probe(0)).To(Equal(tlb.NoEntry))
		Expect(t.Probe(1)).To(Equal(tlb.NoEntry))
	})
})
