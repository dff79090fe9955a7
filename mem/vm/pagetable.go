package vm

import (
	"sync"
	"sync/atomic"
)

var entryGeneration atomic.Uint64

// A PageTableEntry records where the content of one virtual page lives.
//
// The entry is resident when frame is a real frame, is being resolved when
// frame is NotYetAssigned, and only exists on swap when frame is OnSwapOnly.
// A non-negative slot means the swap device holds a copy of the page, which
// may coexist with a resident frame.
type PageTableEntry struct {
	mu        sync.Mutex
	slotReady *sync.Cond

	asid  uint64
	vpn   uint64
	frame FrameNumber
	slot  int
	perm  Permission

	// generation is non-zero while the entry is alive. Frames refer back to
	// the entry with the generation they saw.
	generation atomic.Uint64
}

func newPageTableEntry(asid, vpn uint64, perm Permission) *PageTableEntry {
	pte := &PageTableEntry{
		asid:  asid,
		vpn:   vpn,
		frame: NotYetAssigned,
		slot:  NoSlot,
		perm:  perm,
	}
	pte.generation.Store(entryGeneration.Add(1))
	pte.slotReady = sync.NewCond(&pte.mu)

	return pte
}

// VPN returns the virtual page number.
func (e *PageTableEntry) VPN() uint64 {
	return e.vpn
}

// Frame returns the frame currently holding the page, or a sentinel.
func (e *PageTableEntry) Frame() FrameNumber {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.frame
}

// Slot returns the swap slot of the page, or NoSlot.
func (e *PageTableEntry) Slot() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.slot
}

// Permission returns the access rights recorded for the page.
func (e *PageTableEntry) Permission() Permission {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.perm
}

func (e *PageTableEntry) alive() bool {
	return e.generation.Load() != 0
}

// kill marks the entry as removed. The entry lock must be held.
func (e *PageTableEntry) kill() {
	e.generation.Store(0)
	e.slotReady.Broadcast()
}

// waitForSlot blocks while the page is being written out and has no slot
// yet. The entry lock must be held.
func (e *PageTableEntry) waitForSlot() {
	for e.alive() && e.frame == OnSwapOnly && e.slot < 0 {
		e.slotReady.Wait()
	}
}

// A PageTable maps virtual page numbers of one address space to entries.
// The owning address space serializes access to it.
type PageTable struct {
	entries map[uint64]*PageTableEntry
}

func newPageTable() *PageTable {
	return &PageTable{entries: make(map[uint64]*PageTableEntry)}
}

func (t *PageTable) find(vpn uint64) (*PageTableEntry, bool) {
	pte, found := t.entries[vpn]
	return pte, found
}

func (t *PageTable) insert(pte *PageTableEntry) {
	t.pageMustNotExist(pte.vpn)
	t.entries[pte.vpn] = pte
}

// removeIf drops the entry of vpn if it is still pte.
func (t *PageTable) removeIf(pte *PageTableEntry) {
	if t.entries[pte.vpn] == pte {
		delete(t.entries, pte.vpn)
	}
}

func (t *PageTable) len() int {
	return len(t.entries)
}

func (t *PageTable) all() []*PageTableEntry {
	list := make([]*PageTableEntry, 0, len(t.entries))
	for _, pte := range t.entries {
		list = append(list, pte)
	}

	return list
}

func (t *PageTable) pageMustNotExist(vpn uint64) {
	if _, found := t.entries[vpn]; found {
		panic("page exist")
	}
}
