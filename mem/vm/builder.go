package vm

import (
	"fmt"
	"log"

	"github.com/sarchlab/osvm/mem/blockdev"
	"github.com/sarchlab/osvm/mem/vm/tlb"
	"github.com/sarchlab/osvm/memory"
	"github.com/sarchlab/osvm/sim"
)

// A Builder can build a virtual-memory System.
type Builder struct {
	numFrames      int
	reservedFrames int
	numCPUs        int
	ram            *memory.Storage
	swapDevice     blockdev.Device
	tlbBuilder     tlb.Builder
}

// MakeBuilder creates a builder with 256 frames, one reserved frame, one
// processor and no swap.
func MakeBuilder() Builder {
	return Builder{
		numFrames:      256,
		reservedFrames: 1,
		numCPUs:        1,
		tlbBuilder:     tlb.MakeBuilder(),
	}
}

// WithNumFrames sets the number of physical frames.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithReservedFrames sets the number of low frames that hold the kernel image
// and the frame table. They are never allocated.
func (b Builder) WithReservedFrames(n int) Builder {
	b.reservedFrames = n
	return b
}

// WithPhysicalMemory uses storage as physical memory. The number of frames
// follows from its capacity.
func (b Builder) WithPhysicalMemory(storage *memory.Storage) Builder {
	b.ram = storage
	return b
}

// WithSwapDevice enables swapping to dev. A nil device disables swap.
func (b Builder) WithSwapDevice(dev blockdev.Device) Builder {
	b.swapDevice = dev
	return b
}

// WithNumCPUs sets the number of processors.
func (b Builder) WithNumCPUs(n int) Builder {
	b.numCPUs = n
	return b
}

// WithTLBBuilder sets how the translation buffer of each processor is built.
func (b Builder) WithTLBBuilder(tb tlb.Builder) Builder {
	b.tlbBuilder = tb
	return b
}

// Build creates the system.
func (b Builder) Build(name string) *System {
	if b.numCPUs <= 0 {
		log.Panicf("%s: need at least one processor", name)
	}

	s := &System{
		HookableBase: sim.NewHookableBase(),
		name:         name,
	}

	b.createPhysicalMemory(s)
	b.createCoremap(s)
	b.createSwap(s)
	b.createCPUs(s)

	return s
}

func (b Builder) createPhysicalMemory(s *System) {
	if b.ram != nil {
		s.ram = b.ram
		return
	}

	if b.numFrames <= 0 {
		log.Panicf("%s: need at least one frame", s.name)
	}

	s.ram = memory.NewStorageWithUnitSize(
		uint64(b.numFrames)*PageSize, PageSize)
}

func (b Builder) createCoremap(s *System) {
	numFrames := int(s.ram.Capacity() / PageSize)

	s.coremap = newCoremap(s.ram, numFrames, b.reservedFrames)
	s.coremap.hooks = hookNotifier{base: s.HookableBase, domain: s}
}

func (b Builder) createSwap(s *System) {
	if b.swapDevice == nil {
		return
	}

	s.swap = newSwapStore(b.swapDevice, s.coremap)
	s.swap.shootdown = s.shootdown
	s.swap.hooks = hookNotifier{base: s.HookableBase, domain: s}
	s.coremap.swap = s.swap
}

func (b Builder) createCPUs(s *System) {
	s.cpus = make([]*tlb.TLB, b.numCPUs)
	for i := range s.cpus {
		s.cpus[i] = b.tlbBuilder.Build(fmt.Sprintf("%s.CPU[%d]", s.name, i))
	}
}
