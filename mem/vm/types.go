// Package vm implements the virtual-memory core of the kernel: the frame
// table (coremap), the swap store, per-process address spaces with their
// page tables, the page-fault handler and address-space duplication.
//
// Locking order, outermost first: address-space heap lock, address-space
// lock, page-table-entry lock, swap-slot lock, frame-table lock. Processor
// interrupt masks (tlb.TLB.DisableInterrupts) may be taken while holding a
// page-table-entry lock but never while holding the frame-table lock, and no
// lock is ever acquired with interrupts disabled.
package vm

import (
	"errors"
	"fmt"
)

const (
	// Log2PageSize is the base-2 logarithm of the page size.
	Log2PageSize = 12

	// PageSize is the size of a page and of a frame in bytes.
	PageSize = 1 << Log2PageSize

	// PageFrameMask clears the offset bits of an address.
	PageFrameMask = ^uint64(PageSize - 1)

	// KSeg0Base is where the kernel sees physical memory directly.
	// Kernel page allocations return addresses in this segment.
	KSeg0Base = uint64(0x80000000)

	// UserStack is the initial stack pointer of every process and the top
	// of user space.
	UserStack = uint64(0x80000000)

	// StackPages is the number of pages in the stack region.
	StackPages = 1024

	// StackBottom is the lowest address of the stack region.
	StackBottom = UserStack - StackPages*PageSize
)

// FrameNumber identifies a physical frame. Page-table entries also use the
// two negative sentinels.
type FrameNumber int64

const (
	// NotYetAssigned marks an entry whose frame is being allocated by a
	// fault that is still in progress.
	NotYetAssigned FrameNumber = -1

	// OnSwapOnly marks an entry whose content only exists on the swap
	// device.
	OnSwapOnly FrameNumber = -2
)

// IsResident tells if the frame number refers to a real frame.
func (f FrameNumber) IsResident() bool {
	return f >= 0
}

// PAddr returns the physical address of the first byte of the frame.
func (f FrameNumber) PAddr() uint64 {
	if !f.IsResident() {
		panic(fmt.Sprintf("frame %d has no physical address", f))
	}

	return uint64(f) << Log2PageSize
}

func (f FrameNumber) String() string {
	switch f {
	case NotYetAssigned:
		return "NotYetAssigned"
	case OnSwapOnly:
		return "OnSwapOnly"
	}

	return fmt.Sprintf("%d", int64(f))
}

// NoSlot is the slot index of an entry that has no swap slot.
const NoSlot = -1

// Permission is a set of read, write and execute rights.
type Permission uint8

// Permission bits.
const (
	PermExec Permission = 1 << iota
	PermWrite
	PermRead
)

// MakePermission builds a Permission from flags.
func MakePermission(readable, writable, executable bool) Permission {
	var p Permission

	if readable {
		p |= PermRead
	}

	if writable {
		p |= PermWrite
	}

	if executable {
		p |= PermExec
	}

	return p
}

// Has tells if every bit in q is set in p.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

func (p Permission) String() string {
	b := []byte("---")

	if p.Has(PermRead) {
		b[0] = 'r'
	}

	if p.Has(PermWrite) {
		b[1] = 'w'
	}

	if p.Has(PermExec) {
		b[2] = 'x'
	}

	return string(b)
}

// FaultKind tells what kind of access caused a translation fault.
type FaultKind int

const (
	// FaultRead is a load that missed the translation buffer.
	FaultRead FaultKind = iota

	// FaultWrite is a store that missed the translation buffer.
	FaultWrite

	// FaultReadOnly is a store through an entry without the dirty bit.
	FaultReadOnly
)

func (k FaultKind) String() string {
	switch k {
	case FaultRead:
		return "read"
	case FaultWrite:
		return "write"
	case FaultReadOnly:
		return "readonly"
	}

	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// Errors reported to the process that caused them. Conditions that mean the
// VM bookkeeping is broken are not errors; they panic.
var (
	// ErrOutOfMemory is returned when no frame or heap space can be
	// provided.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrFault is returned for accesses outside any region or against the
	// region's permission.
	ErrFault = errors.New("bad memory reference")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoAddressSpace is returned when the process has no address
	// space.
	ErrNoAddressSpace = errors.New("process has no address space")
)

// Process is the view of a process that the VM system needs: access to its
// current address space. It is provided by process management.
type Process interface {
	AddressSpace() *AddressSpace

	// SetAddressSpace installs as and returns the previous address space.
	SetAddressSpace(as *AddressSpace) *AddressSpace
}
