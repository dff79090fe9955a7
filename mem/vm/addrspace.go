package vm

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// An AddressSpace is the virtual memory of one process: its regions, its page
// table and its heap.
type AddressSpace struct {
	id uint64

	// heapLock serializes heap size changes and teardown.
	heapLock sync.Mutex

	// mu guards the region list and the page table.
	mu        sync.RWMutex
	regions   []*Region
	heap      *Region
	pages     *PageTable
	stackPtr  uint64
	destroyed bool
}

func newAddressSpace(id uint64) *AddressSpace {
	return &AddressSpace{
		id:    id,
		pages: newPageTable(),
	}
}

// ID returns the identifier of the address space.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// DefineRegion makes [vaddr, vaddr+size) a legal range of the address space.
func (as *AddressSpace) DefineRegion(
	vaddr, size uint64,
	readable, writable, executable bool,
) error {
	if size == 0 {
		return fmt.Errorf("define region at %#x with no size: %w",
			vaddr, ErrInvalidArgument)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	return as.addRegion(&Region{
		Base:       vaddr,
		Size:       size,
		Readable:   readable,
		Writable:   writable,
		Executable: executable,
	})
}

// addRegion inserts r. The lock must be held.
func (as *AddressSpace) addRegion(r *Region) error {
	if r.End() > UserStack || r.End() < r.Base {
		return fmt.Errorf("define region %s: reaches kernel space: %w",
			r, ErrInvalidArgument)
	}

	for _, other := range as.regions {
		if other.overlaps(r.Base, r.Size) {
			return fmt.Errorf("define region %s: overlaps %s: %w",
				r, other, ErrInvalidArgument)
		}
	}

	as.regions = append(as.regions, r)
	sort.Slice(as.regions, func(i, j int) bool {
		return as.regions[i].Base < as.regions[j].Base
	})

	return nil
}

// DefineStack creates the heap above the highest region and the stack below
// UserStack. It returns the initial stack pointer.
func (as *AddressSpace) DefineStack() (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.heap == nil {
		if err := as.defineHeap(); err != nil {
			return 0, err
		}
	}

	err := as.addRegion(&Region{
		Base:       StackBottom,
		Size:       StackPages * PageSize,
		Readable:   true,
		Writable:   true,
		Executable: true,
	})
	if err != nil {
		return 0, err
	}

	as.stackPtr = UserStack

	return UserStack, nil
}

// defineHeap places an empty heap at the first page boundary above every
// defined region. The lock must be held.
func (as *AddressSpace) defineHeap() error {
	top := uint64(0)
	for _, r := range as.regions {
		top = max(top, r.End())
	}

	if top == 0 {
		return fmt.Errorf("define heap without any region: %w",
			ErrInvalidArgument)
	}

	base := (top + PageSize - 1) & PageFrameMask
	if base >= StackBottom {
		return fmt.Errorf("define heap at %#x: no room below the stack: %w",
			base, ErrOutOfMemory)
	}

	heap := &Region{
		Base:       base,
		Readable:   true,
		Writable:   true,
		Executable: true,
	}

	as.regions = append(as.regions, heap)
	as.heap = heap

	return nil
}

// PrepareLoad makes every region writable so that a program image can be
// copied in.
func (as *AddressSpace) PrepareLoad() {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, r := range as.regions {
		r.prevWritable = r.Writable
		r.loading = true
		r.Writable = true
	}
}

// CompleteLoad restores the write flags saved by PrepareLoad.
func (as *AddressSpace) CompleteLoad() {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, r := range as.regions {
		if !r.loading {
			log.Panicf("address space %d: region %s was not being loaded",
				as.id, r)
		}

		r.Writable = r.prevWritable
		r.loading = false
	}
}

// StackPointer returns the initial stack pointer, or 0 before DefineStack.
func (as *AddressSpace) StackPointer() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()

	return as.stackPtr
}

// Regions returns copies of the regions sorted by base address.
func (as *AddressSpace) Regions() []Region {
	as.mu.RLock()
	defer as.mu.RUnlock()

	list := make([]Region, 0, len(as.regions))
	for _, r := range as.regions {
		list = append(list, *r)
	}

	return list
}

// HeapRegion returns a copy of the heap region. It reports false before
// DefineStack.
func (as *AddressSpace) HeapRegion() (Region, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	if as.heap == nil {
		return Region{}, false
	}

	return *as.heap, true
}

// PageCount returns the number of pages that have an entry.
func (as *AddressSpace) PageCount() int {
	as.mu.RLock()
	defer as.mu.RUnlock()

	return as.pages.len()
}

// Entry returns the page-table entry of vaddr, if the page was ever touched.
func (as *AddressSpace) Entry(vaddr uint64) (*PageTableEntry, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()

	pte, found := as.pages.find(vaddr >> Log2PageSize)
	if !found || !pte.alive() {
		return nil, false
	}

	return pte, true
}

func (as *AddressSpace) findRegion(vaddr uint64) (*Region, bool) {
	for _, r := range as.regions {
		if r.Contains(vaddr) {
			return r, true
		}
	}

	return nil, false
}

// stackBase returns the lowest address of the first region above the heap.
// The lock must be held.
func (as *AddressSpace) stackBase() uint64 {
	limit := UserStack
	for _, r := range as.regions {
		if r != as.heap && r.Base >= as.heap.Base && r.Base < limit {
			limit = r.Base
		}
	}

	return limit
}

// lockEntryForFault checks that an access of the given kind to vaddr is
// legal and returns the entry of the page with its lock held. An entry is
// created when the page was never touched, and created reports that the
// caller must give it a frame.
func (as *AddressSpace) lockEntryForFault(
	kind FaultKind,
	vaddr uint64,
) (pte *PageTableEntry, created bool, err error) {
	vpn := vaddr >> Log2PageSize

	for {
		as.mu.RLock()

		if as.destroyed {
			as.mu.RUnlock()
			return nil, false, fmt.Errorf("fault at %#x: %w", vaddr, ErrFault)
		}

		r, found := as.findRegion(vaddr)
		if !found {
			as.mu.RUnlock()
			return nil, false, fmt.Errorf("%s fault at %#x: no region: %w",
				kind, vaddr, ErrFault)
		}

		if !r.allows(kind) {
			as.mu.RUnlock()
			return nil, false, fmt.Errorf("%s fault at %#x: region %s: %w",
				kind, vaddr, r, ErrFault)
		}

		perm := r.Permission()
		pte, found = as.pages.find(vpn)
		as.mu.RUnlock()

		if found && pte.alive() {
			pte.mu.Lock()
			if pte.alive() {
				return pte, false, nil
			}

			pte.mu.Unlock()

			continue
		}

		pte, created = as.insertEntry(vpn, perm)
		if !created {
			continue
		}

		return pte, true, nil
	}
}

// insertEntry publishes a new, locked entry for vpn unless a live one
// appeared in the meantime.
func (as *AddressSpace) insertEntry(
	vpn uint64,
	perm Permission,
) (*PageTableEntry, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.destroyed {
		return nil, false
	}

	if old, found := as.pages.find(vpn); found {
		if old.alive() {
			return nil, false
		}

		as.pages.removeIf(old)
	}

	pte := newPageTableEntry(as.id, vpn, perm)
	pte.mu.Lock()
	as.pages.insert(pte)

	return pte, true
}

func (as *AddressSpace) removeEntry(pte *PageTableEntry) {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.pages.removeIf(pte)
}
