package vm

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/sarchlab/osvm/mem/vm/tlb"
	"github.com/sarchlab/osvm/memory"
	"github.com/sarchlab/osvm/sim"
)

// System is the virtual-memory system of a machine. It owns physical memory,
// the frame table, the optional swap store and the translation buffers of all
// processors.
type System struct {
	*sim.HookableBase

	name     string
	ram      *memory.Storage
	coremap  *Coremap
	swap     *SwapStore
	cpus     []*tlb.TLB
	nextASID atomic.Uint64
}

// Name returns the name of the system.
func (s *System) Name() string {
	return s.name
}

// PhysicalMemory returns the storage that backs the frames.
func (s *System) PhysicalMemory() *memory.Storage {
	return s.ram
}

// Coremap returns the frame table.
func (s *System) Coremap() *Coremap {
	return s.coremap
}

// Swap returns the swap store, or nil if the system runs without swap.
func (s *System) Swap() *SwapStore {
	return s.swap
}

// HasSwap tells if a swap device is configured.
func (s *System) HasSwap() bool {
	return s.swap != nil
}

// CPUs returns the translation buffers, one per processor.
func (s *System) CPUs() []*tlb.TLB {
	return s.cpus
}

// CPU returns the translation buffer of processor i.
func (s *System) CPU(i int) *tlb.TLB {
	return s.cpus[i]
}

// shootdown removes the mapping of (vpn, frame) from every processor.
func (s *System) shootdown(vpn uint64, frame FrameNumber) {
	for _, cpu := range s.cpus {
		cpu.Shootdown(vpn, uint64(frame))
	}
}

// Activate prepares cpu to run a different address space by dropping all of
// its translations.
func (s *System) Activate(cpu *tlb.TLB) {
	cpu.InvalidateAll()
}

// AllocateKernelPages allocates n contiguous frames for the kernel and
// returns their kernel virtual address.
func (s *System) AllocateKernelPages(n int) (uint64, error) {
	frame, err := s.coremap.Allocate(n, true, false)
	if err != nil {
		return 0, err
	}

	return KSeg0Base + frame.PAddr(), nil
}

// FreePages returns an allocation made by AllocateKernelPages.
func (s *System) FreePages(kvaddr uint64) {
	if kvaddr < KSeg0Base || kvaddr&^PageFrameMask != 0 {
		log.Panicf("%s: freeing bad kernel address %#x", s.name, kvaddr)
	}

	s.coremap.Free(FrameNumber((kvaddr - KSeg0Base) >> Log2PageSize))
}

// CreateAddressSpace returns an empty address space.
func (s *System) CreateAddressSpace() *AddressSpace {
	return newAddressSpace(s.nextASID.Add(1))
}

// DestroyAddressSpace releases every frame and swap slot that as holds.
func (s *System) DestroyAddressSpace(as *AddressSpace) {
	as.heapLock.Lock()
	defer as.heapLock.Unlock()

	as.mu.Lock()
	if as.destroyed {
		as.mu.Unlock()
		log.Panicf("%s: address space %d destroyed twice", s.name, as.id)
	}

	entries := as.pages.all()
	as.pages = newPageTable()
	as.regions = nil
	as.heap = nil
	as.destroyed = true
	as.mu.Unlock()

	for _, pte := range entries {
		s.releaseEntry(pte)
	}
}

// releaseEntry gives back the frame and slot of an entry that has been taken
// out of its page table, and marks the entry dead.
func (s *System) releaseEntry(pte *PageTableEntry) {
	pte.mu.Lock()
	defer pte.mu.Unlock()

	if !pte.alive() {
		return
	}

	if pte.frame.IsResident() {
		s.shootdown(pte.vpn, pte.frame)
		s.coremap.release(pte.frame, pte)
	}

	if pte.slot >= 0 {
		s.swap.releaseSlot(pte.slot)
	}

	pte.frame = NotYetAssigned
	pte.slot = NoSlot
	pte.kill()
}

// GrowHeap moves the end of the heap of as by delta bytes and returns the
// previous end. Shrinking releases the pages beyond the new end.
func (s *System) GrowHeap(as *AddressSpace, delta int64) (uint64, error) {
	as.heapLock.Lock()
	defer as.heapLock.Unlock()

	as.mu.Lock()

	if as.heap == nil {
		as.mu.Unlock()
		return 0, fmt.Errorf("grow heap of address space %d: no heap: %w",
			as.id, ErrInvalidArgument)
	}

	heap := as.heap
	oldBreak := heap.End()

	if delta%PageSize != 0 {
		as.mu.Unlock()
		return 0, fmt.Errorf("grow heap by %d: not page aligned: %w",
			delta, ErrInvalidArgument)
	}

	if delta < 0 && uint64(-delta) > heap.Size {
		as.mu.Unlock()
		return 0, fmt.Errorf("shrink heap of %d bytes by %d: %w",
			heap.Size, -delta, ErrInvalidArgument)
	}

	if delta > 0 && oldBreak+uint64(delta) >= as.stackBase() {
		as.mu.Unlock()
		return 0, fmt.Errorf("grow heap to %#x: collides with the stack: %w",
			oldBreak+uint64(delta), ErrOutOfMemory)
	}

	var removed []*PageTableEntry

	if delta < 0 {
		heap.Size -= uint64(-delta)

		newBreak := heap.End()
		for _, pte := range as.pages.all() {
			vaddr := pte.vpn << Log2PageSize
			if vaddr >= newBreak && vaddr < oldBreak {
				as.pages.removeIf(pte)
				removed = append(removed, pte)
			}
		}
	} else {
		heap.Size += uint64(delta)
	}

	as.mu.Unlock()

	for _, pte := range removed {
		s.releaseEntry(pte)
	}

	return oldBreak, nil
}
