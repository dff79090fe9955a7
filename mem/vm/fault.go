package vm

import (
	"fmt"

	"github.com/sarchlab/osvm/mem/vm/tlb"
)

// HandleFault resolves a translation fault that proc raised on cpu when
// accessing vaddr. On success the translation is in the buffer of cpu, unless
// the page was taken away while the fault waited, in which case the access
// faults again.
func (s *System) HandleFault(
	cpu *tlb.TLB,
	proc Process,
	kind FaultKind,
	vaddr uint64,
) error {
	as := proc.AddressSpace()
	if as == nil {
		return fmt.Errorf("%s fault at %#x: %w: %w",
			kind, vaddr, ErrFault, ErrNoAddressSpace)
	}

	pte, created, err := as.lockEntryForFault(kind, vaddr)
	if err != nil {
		return err
	}

	if created {
		err = s.assignFrame(pte)
		if err != nil {
			pte.kill()
			pte.mu.Unlock()
			as.removeEntry(pte)

			return fmt.Errorf("%s fault at %#x: %w", kind, vaddr, err)
		}
	}

	defer pte.mu.Unlock()

	pte.waitForSlot()
	if !pte.alive() {
		return nil
	}

	if pte.frame == OnSwapOnly {
		err = s.swap.readIn(pte)
		if err != nil {
			return fmt.Errorf("%s fault at %#x: %w", kind, vaddr, err)
		}
	}

	s.coremap.mustBeOwnedBy(pte.frame, pte)
	s.install(cpu, kind, pte.vpn, pte.frame)
	s.coremap.MarkTouched(pte.frame)

	s.hooks().notify(HookPosFault, Event{
		ASID:  as.id,
		VPN:   pte.vpn,
		Frame: pte.frame,
		Slot:  pte.slot,
		Fault: kind,
	})

	return nil
}

// assignFrame gives a zeroed frame to an entry that was just created. The
// entry lock must be held.
func (s *System) assignFrame(pte *PageTableEntry) error {
	frame, err := s.coremap.Allocate(1, false, true)
	if err != nil {
		return err
	}

	s.coremap.attach(frame, pte)
	pte.frame = frame
	s.coremap.Unpin(frame)

	return nil
}

// install writes a writable translation of vpn to frame into cpu. An
// existing translation of vpn is only rewritten if it is stale, or clean and
// the fault came from a store through it.
func (s *System) install(
	cpu *tlb.TLB,
	kind FaultKind,
	vpn uint64,
	frame FrameNumber,
) {
	restore := cpu.DisableInterrupts()
	defer restore()

	index := cpu.Probe(vpn)
	if index != tlb.NoEntry {
		entry := cpu.Read(index)
		if entry.PFN != uint64(frame) ||
			(kind == FaultReadOnly && !entry.Dirty) {
			cpu.Write(index, tlb.Entry{
				VPN:   vpn,
				PFN:   uint64(frame),
				Valid: true,
				Dirty: true,
			})
		}

		return
	}

	cpu.WriteAny(tlb.Entry{
		VPN:   vpn,
		PFN:   uint64(frame),
		Valid: true,
		Dirty: true,
	})
}

func (s *System) hooks() hookNotifier {
	return hookNotifier{base: s.HookableBase, domain: s}
}
