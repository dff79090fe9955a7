package vm

import (
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/osvm/mem/blockdev"
)

// SwapStats is a snapshot of the swap store.
type SwapStats struct {
	TotalSlots int   `json:"total_slots"`
	UsedSlots  int   `json:"used_slots"`
	Evictions  int64 `json:"evictions"`
	SwapIns    int64 `json:"swap_ins"`
}

// A SwapStore holds evicted pages on a block device, one page per slot.
type SwapStore struct {
	mu     sync.Mutex
	slots  []bool
	cursor int
	used   int

	evictions int64
	swapIns   int64

	dev     blockdev.Device
	coremap *Coremap

	// shootdown removes the translation of (vpn, frame) from every
	// processor.
	shootdown func(vpn uint64, frame FrameNumber)

	hooks hookNotifier
}

func newSwapStore(dev blockdev.Device, coremap *Coremap) *SwapStore {
	numSlots := int(dev.Size() / PageSize)
	if numSlots == 0 {
		log.Panicf("swap: device of %d bytes holds no page", dev.Size())
	}

	return &SwapStore{
		slots:     make([]bool, numSlots),
		dev:       dev,
		coremap:   coremap,
		shootdown: func(uint64, FrameNumber) {},
	}
}

// NumSlots returns the number of pages the device can hold.
func (s *SwapStore) NumSlots() int {
	return len(s.slots)
}

// Stats returns a snapshot of the swap store.
func (s *SwapStore) Stats() SwapStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SwapStats{
		TotalSlots: len(s.slots),
		UsedSlots:  s.used,
		Evictions:  s.evictions,
		SwapIns:    s.swapIns,
	}
}

// allocSlot reserves a free slot. Running out of swap is fatal.
func (s *SwapStore) allocSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.slots); i++ {
		slot := (s.cursor + i) % len(s.slots)
		if s.slots[slot] {
			continue
		}

		s.slots[slot] = true
		s.used++
		s.cursor = (slot + 1) % len(s.slots)

		return slot
	}

	log.Panicf("swap: all %d slots are in use", len(s.slots))

	return NoSlot
}

func (s *SwapStore) releaseSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 0 || slot >= len(s.slots) || !s.slots[slot] {
		log.Panicf("swap: releasing slot %d, which is not in use", slot)
	}

	s.slots[slot] = false
	s.used--
}

func (s *SwapStore) readSlot(slot int, frame FrameNumber) {
	buf := make([]byte, PageSize)

	_, err := s.dev.ReadAt(buf, int64(slot)*PageSize)
	if err != nil {
		log.Panicf("swap: reading slot %d: %v", slot, err)
	}

	err = s.coremap.ram.Write(frame.PAddr(), buf)
	if err != nil {
		log.Panicf("swap: filling frame %d: %v", frame, err)
	}
}

func (s *SwapStore) writeSlot(slot int, frame FrameNumber) {
	buf, err := s.coremap.ram.Read(frame.PAddr(), PageSize)
	if err != nil {
		log.Panicf("swap: reading frame %d: %v", frame, err)
	}

	_, err = s.dev.WriteAt(buf, int64(slot)*PageSize)
	if err != nil {
		log.Panicf("swap: writing slot %d: %v", slot, err)
	}
}

// writeSlotFor writes the content of frame to slot and returns the slot. A
// slot is allocated if slot is NoSlot.
func (s *SwapStore) writeSlotFor(slot int, frame FrameNumber) int {
	if slot < 0 {
		slot = s.allocSlot()
	}

	s.writeSlot(slot, frame)

	return slot
}

// evictOne frees a user frame by writing its page to swap. It must be called
// with the coremap lock held and returns with the lock released. The frame is
// returned valid and pinned so that only the caller can claim it.
func (s *SwapStore) evictOne() FrameNumber {
	c := s.coremap

	frame := c.pickVictim()
	f := &c.frames[frame]
	pte := f.owner

	if pte == nil {
		c.mu.Unlock()
		return frame
	}

	c.mu.Unlock()

	pte.mu.Lock()

	c.mu.Lock()
	stillMapped := f.ownedBy(pte) && pte.frame == frame
	c.mu.Unlock()

	if !stillMapped {
		pte.mu.Unlock()
		c.disown(frame)

		return frame
	}

	s.shootdown(pte.vpn, frame)

	slot := pte.slot
	pte.frame = OnSwapOnly
	pte.slot = NoSlot
	pte.mu.Unlock()

	slot = s.writeSlotFor(slot, frame)

	pte.mu.Lock()
	if pte.alive() {
		pte.slot = slot
	} else {
		s.releaseSlot(slot)
	}
	pte.slotReady.Broadcast()
	pte.mu.Unlock()

	c.disown(frame)

	s.mu.Lock()
	s.evictions++
	s.mu.Unlock()

	s.hooks.notify(HookPosEvict, Event{
		ASID:  pte.asid,
		VPN:   pte.vpn,
		Frame: frame,
		Slot:  slot,
	})

	return frame
}

// readIn brings a page that only exists on swap back into a frame. The entry
// lock must be held. The slot keeps its copy of the page.
func (s *SwapStore) readIn(pte *PageTableEntry) error {
	if pte.frame != OnSwapOnly || pte.slot < 0 {
		log.Panicf("swap: page %#x is not on swap", pte.vpn)
	}

	frame, err := s.coremap.Allocate(1, false, true)
	if err != nil {
		return fmt.Errorf("swap in page %#x: %w", pte.vpn, err)
	}

	s.readSlot(pte.slot, frame)

	s.coremap.attach(frame, pte)
	pte.frame = frame
	s.coremap.Unpin(frame)

	s.mu.Lock()
	s.swapIns++
	s.mu.Unlock()

	s.hooks.notify(HookPosSwapIn, Event{
		ASID:  pte.asid,
		VPN:   pte.vpn,
		Frame: frame,
		Slot:  pte.slot,
	})

	return nil
}
