// Package workload runs user processes over the VM system. Processes touch
// memory through the MMU of the processor they run on, so every access
// faults, evicts and swaps the way a real program would.
package workload

import (
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/osvm/mem/vm"
	"github.com/sarchlab/osvm/mem/vm/mmu"
)

// TextBase is where program images are loaded.
const TextBase = uint64(0x400000)

// Kernel owns the processes of a VM system and switches processors between
// them.
type Kernel struct {
	sys     *vm.System
	cpus    []*processor
	nextPID atomic.Int64
}

// processor is only used by one goroutine at a time.
type processor struct {
	mmu     *mmu.Comp
	current *Process
}

// NewKernel creates a kernel with one MMU per processor of sys.
func NewKernel(sys *vm.System) *Kernel {
	k := &Kernel{sys: sys}

	for i, cpu := range sys.CPUs() {
		m := mmu.MakeBuilder().
			WithTLB(cpu).
			WithFaultHandler(sys).
			WithPhysicalMemory(sys.PhysicalMemory()).
			Build(fmt.Sprintf("%s.MMU[%d]", sys.Name(), i))

		k.cpus = append(k.cpus, &processor{mmu: m})
	}

	return k
}

// System returns the VM system.
func (k *Kernel) System() *vm.System {
	return k.sys
}

// NumCPUs returns the number of processors.
func (k *Kernel) NumCPUs() int {
	return len(k.cpus)
}

// MMU returns the MMU of processor cpu.
func (k *Kernel) MMU(cpu int) *mmu.Comp {
	return k.cpus[cpu].mmu
}

// switchTo makes p the process running on cpu, dropping the translations of
// the previous one.
func (k *Kernel) switchTo(cpu int, p *Process) *mmu.Comp {
	c := k.cpus[cpu]
	if c.current != p {
		k.sys.Activate(c.mmu.TLB())
		c.current = p
	}

	return c.mmu
}

// Spawn creates a process, loads image as its read-only text, and gives it
// dataPages pages of writable data and a stack. The image is written through
// processor cpu.
func (k *Kernel) Spawn(cpu int, image []byte, dataPages int) (*Process, error) {
	as := k.sys.CreateAddressSpace()
	p := &Process{
		pid:       int(k.nextPID.Add(1)),
		as:        as,
		dataPages: dataPages,
	}

	textSize := max(uint64(len(image)), 1)
	textSize = (textSize + vm.PageSize - 1) &^ (vm.PageSize - 1)
	p.dataBase = TextBase + textSize

	err := k.load(cpu, p, image, textSize)
	if err != nil {
		k.Exit(p)
		return nil, fmt.Errorf("spawn process %d: %w", p.pid, err)
	}

	return p, nil
}

func (k *Kernel) load(cpu int, p *Process, image []byte, textSize uint64) error {
	as := p.as

	err := as.DefineRegion(TextBase, textSize, true, false, true)
	if err != nil {
		return err
	}

	if p.dataPages > 0 {
		err = as.DefineRegion(p.dataBase, uint64(p.dataPages)*vm.PageSize,
			true, true, false)
		if err != nil {
			return err
		}
	}

	as.PrepareLoad()

	err = k.Store(cpu, p, TextBase, image)
	if err != nil {
		return err
	}

	as.CompleteLoad()

	// Translations made while loading may still allow stores to the text.
	k.cpus[cpu].current = nil

	p.stackPtr, err = as.DefineStack()

	return err
}

// Fork duplicates parent. The child gets a copy of every page.
func (k *Kernel) Fork(parent *Process) (*Process, error) {
	as, err := k.sys.CopyAddressSpace(parent.AddressSpace())
	if err != nil {
		return nil, fmt.Errorf("fork process %d: %w", parent.pid, err)
	}

	child := &Process{
		pid:       int(k.nextPID.Add(1)),
		as:        as,
		stackPtr:  parent.stackPtr,
		dataBase:  parent.dataBase,
		dataPages: parent.dataPages,
	}

	return child, nil
}

// Exit tears down the address space of p.
func (k *Kernel) Exit(p *Process) {
	as := p.SetAddressSpace(nil)
	if as != nil {
		k.sys.DestroyAddressSpace(as)
	}
}

// Sbrk moves the break of p by delta bytes and returns the previous break.
func (k *Kernel) Sbrk(p *Process, delta int64) (uint64, error) {
	as := p.AddressSpace()
	if as == nil {
		return 0, vm.ErrNoAddressSpace
	}

	return k.sys.GrowHeap(as, delta)
}

// Load reads n bytes at vaddr of p, running p on processor cpu.
func (k *Kernel) Load(cpu int, p *Process, vaddr uint64, n int) ([]byte, error) {
	return k.switchTo(cpu, p).Read(p, vaddr, n)
}

// Store writes data at vaddr of p, running p on processor cpu.
func (k *Kernel) Store(cpu int, p *Process, vaddr uint64, data []byte) error {
	return k.switchTo(cpu, p).Write(p, vaddr, data)
}
