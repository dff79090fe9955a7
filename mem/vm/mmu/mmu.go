// Package mmu performs user memory accesses through a processor's translation
// buffer, raising faults to the kernel the way the hardware does.
package mmu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sarchlab/osvm/mem/vm"
	"github.com/sarchlab/osvm/mem/vm/tlb"
	"github.com/sarchlab/osvm/memory"
)

// ErrNoProgress is returned when an access keeps faulting although the fault
// handler reports success.
var ErrNoProgress = errors.New("translation keeps faulting")

// A FaultHandler resolves translation faults. vm.System implements it.
type FaultHandler interface {
	HandleFault(
		cpu *tlb.TLB,
		proc vm.Process,
		kind vm.FaultKind,
		vaddr uint64,
	) error
}

// Stats counts the translations of an MMU.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Faults uint64 `json:"faults"`
}

// Comp is the memory management unit of one processor.
type Comp struct {
	name         string
	tlb          *tlb.TLB
	faultHandler FaultHandler
	ram          *memory.Storage
	maxRetries   int

	hits   atomic.Uint64
	misses atomic.Uint64
	faults atomic.Uint64
}

// Name returns the name of the MMU.
func (c *Comp) Name() string {
	return c.name
}

// TLB returns the translation buffer the MMU uses.
func (c *Comp) TLB() *tlb.TLB {
	return c.tlb
}

// Stats returns the translation counters.
func (c *Comp) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Faults: c.faults.Load(),
	}
}

// Read loads n bytes at vaddr on behalf of proc.
func (c *Comp) Read(proc vm.Process, vaddr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)

	err := c.forEachPage(vaddr, buf, func(va uint64, chunk []byte) error {
		return c.access(proc, va, chunk, false)
	})
	if err != nil {
		return nil, err
	}

	return buf, nil
}

// Write stores data at vaddr on behalf of proc.
func (c *Comp) Write(proc vm.Process, vaddr uint64, data []byte) error {
	return c.forEachPage(vaddr, data, func(va uint64, chunk []byte) error {
		return c.access(proc, va, chunk, true)
	})
}

func (c *Comp) forEachPage(
	vaddr uint64,
	buf []byte,
	f func(vaddr uint64, chunk []byte) error,
) error {
	for offset := 0; offset < len(buf); {
		va := vaddr + uint64(offset)
		inPage := vm.PageSize - int(va&^vm.PageFrameMask)
		end := min(offset+inPage, len(buf))

		err := f(va, buf[offset:end])
		if err != nil {
			return err
		}

		offset = end
	}

	return nil
}

func (c *Comp) access(
	proc vm.Process,
	vaddr uint64,
	buf []byte,
	store bool,
) error {
	for i := 0; i <= c.maxRetries; i++ {
		kind, done, err := c.tryAccess(vaddr, buf, store)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		c.faults.Add(1)

		err = c.faultHandler.HandleFault(c.tlb, proc, kind, vaddr)
		if err != nil {
			return err
		}
	}

	return fmt.Errorf("%s: access at %#x: %w", c.name, vaddr, ErrNoProgress)
}

// tryAccess performs the access if the translation is present. The memory
// access happens with interrupts disabled so that the translation cannot be
// shot down halfway.
func (c *Comp) tryAccess(
	vaddr uint64,
	buf []byte,
	store bool,
) (kind vm.FaultKind, done bool, err error) {
	restore := c.tlb.DisableInterrupts()
	defer restore()

	entry, hit := c.tlb.Lookup(vaddr >> vm.Log2PageSize)
	if !hit {
		c.misses.Add(1)

		if store {
			return vm.FaultWrite, false, nil
		}

		return vm.FaultRead, false, nil
	}

	if store && !entry.Dirty {
		return vm.FaultReadOnly, false, nil
	}

	c.hits.Add(1)

	paddr := entry.PFN<<vm.Log2PageSize | vaddr&^vm.PageFrameMask
	if store {
		err = c.ram.Write(paddr, buf)
	} else {
		err = c.ram.ReadInto(paddr, buf)
	}

	if err != nil {
		return 0, false, fmt.Errorf("%s: access at %#x: %w", c.name, vaddr, err)
	}

	return 0, true, nil
}
