package tlb

import "github.com/sarchlab/osvm/mem/vm/tlb/internal"

// A Builder can build TLBs
type Builder struct {
	numSets int
	numWays int
}

// MakeBuilder returns a Builder that builds a fully associative buffer with
// 64 entries.
func MakeBuilder() Builder {
	return Builder{
		numSets: 1,
		numWays: 64,
	}
}

// WithNumSets sets the number of sets in a TLB. Use 1 for fully associated
// TLBs.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways in a TLB. Set this field to the number
// of TLB entries for fully associated TLBs.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// Build creates a new TLB.
func (b Builder) Build(name string) *TLB {
	if b.numSets <= 0 || b.numWays <= 0 {
		panic("a TLB needs at least one set and one way")
	}

	t := &TLB{
		name:    name,
		numSets: b.numSets,
		numWays: b.numWays,
	}

	t.Sets = make([]internal.Set, b.numSets)
	for i := 0; i < b.numSets; i++ {
		t.Sets[i] = internal.NewSet(b.numWays)
	}

	return t
}
