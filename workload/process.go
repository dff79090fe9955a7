package workload

import (
	"sync"

	"github.com/sarchlab/osvm/mem/vm"
)

// Process is a user process as far as memory is concerned.
type Process struct {
	pid int

	mu sync.Mutex
	as *vm.AddressSpace

	stackPtr  uint64
	dataBase  uint64
	dataPages int
}

// PID returns the process ID.
func (p *Process) PID() int {
	return p.pid
}

// AddressSpace returns the current address space.
func (p *Process) AddressSpace() *vm.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.as
}

// SetAddressSpace installs as and returns the previous one.
func (p *Process) SetAddressSpace(as *vm.AddressSpace) *vm.AddressSpace {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.as
	p.as = as

	return old
}

// StackPointer returns the initial stack pointer.
func (p *Process) StackPointer() uint64 {
	return p.stackPtr
}

// DataBase returns the first address of the data region.
func (p *Process) DataBase() uint64 {
	return p.dataBase
}

// DataPages returns the number of pages in the data region.
func (p *Process) DataPages() int {
	return p.dataPages
}

// DataPage returns the address of the i-th data page.
func (p *Process) DataPage(i int) uint64 {
	return p.dataBase + uint64(i)*vm.PageSize
}
