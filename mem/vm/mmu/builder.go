package mmu

import (
	"log"

	"github.com/sarchlab/osvm/mem/vm/tlb"
	"github.com/sarchlab/osvm/memory"
)

// A Builder can build MMU components.
type Builder struct {
	tlb          *tlb.TLB
	faultHandler FaultHandler
	ram          *memory.Storage
	maxRetries   int
}

// MakeBuilder creates a new builder.
func MakeBuilder() Builder {
	return Builder{
		maxRetries: 64,
	}
}

// WithTLB sets the translation buffer of the processor.
func (b Builder) WithTLB(t *tlb.TLB) Builder {
	b.tlb = t
	return b
}

// WithFaultHandler sets who resolves translation faults.
func (b Builder) WithFaultHandler(h FaultHandler) Builder {
	b.faultHandler = h
	return b
}

// WithPhysicalMemory sets the memory that translated addresses refer to.
func (b Builder) WithPhysicalMemory(ram *memory.Storage) Builder {
	b.ram = ram
	return b
}

// WithMaxRetries sets how many faults a single access may raise before it
// gives up.
func (b Builder) WithMaxRetries(n int) Builder {
	b.maxRetries = n
	return b
}

// Build returns a newly created MMU.
func (b Builder) Build(name string) *Comp {
	if b.tlb == nil || b.faultHandler == nil || b.ram == nil {
		log.Panicf("%s: MMU needs a TLB, a fault handler and memory", name)
	}

	return &Comp{
		name:         name,
		tlb:          b.tlb,
		faultHandler: b.faultHandler,
		ram:          b.ram,
		maxRetries:   b.maxRetries,
	}
}
