package workload

import (
	"fmt"

	"github.com/sarchlab/osvm/mem/vm"
)

const pageTail = vm.PageSize - 16

// Touch writes a signature into every data page of a fresh process and reads
// them all back, for a number of rounds. With more pages than frames every
// round evicts and swaps in every page.
type Touch struct {
	Pages  int
	Rounds int
}

// Name returns the name of the workload.
func (t Touch) Name() string {
	return fmt.Sprintf("Touch(%d pages x %d)", t.Pages, t.Rounds)
}

// Steps returns one step per page written and one per page checked.
func (t Touch) Steps() uint64 {
	return uint64(2 * t.Pages * t.Rounds)
}

// Run runs the workload on processor cpu.
func (t Touch) Run(k *Kernel, cpu int, progress Progress) error {
	p, err := k.Spawn(cpu, []byte("touch"), t.Pages)
	if err != nil {
		return err
	}
	defer k.Exit(p)

	for round := 0; round < t.Rounds; round++ {
		for i := 0; i < t.Pages; i++ {
			err = storeSignature(k, cpu, p, p.DataPage(i),
				signature(p.pid, i, round))
			if err != nil {
				return err
			}

			progress.IncrementFinished(1)
		}

		for i := 0; i < t.Pages; i++ {
			err = checkSignature(k, cpu, p, p.DataPage(i),
				signature(p.pid, i, round))
			if err != nil {
				return err
			}

			progress.IncrementFinished(1)
		}
	}

	sp := p.StackPointer() - 16

	err = storeSignature(k, cpu, p, sp-pageTail, signature(p.pid, -1, 0))
	if err != nil {
		return err
	}

	return checkSignature(k, cpu, p, sp-pageTail, signature(p.pid, -1, 0))
}
