package workload

import (
	"errors"
	"fmt"

	"github.com/sarchlab/osvm/mem/vm"
)

// Sbrk grows the heap of a process, uses it, gives it back, and checks that
// the released pages are gone and that the heap cannot reach the stack.
type Sbrk struct {
	Pages int
}

// Name returns the name of the workload.
func (s Sbrk) Name() string {
	return fmt.Sprintf("Sbrk(%d pages)", s.Pages)
}

// Steps returns one step per heap page written and one per page checked.
func (s Sbrk) Steps() uint64 {
	return uint64(2 * s.Pages)
}

// Run runs the workload on processor cpu.
func (s Sbrk) Run(k *Kernel, cpu int, progress Progress) error {
	p, err := k.Spawn(cpu, []byte("sbrk"), 0)
	if err != nil {
		return err
	}
	defer k.Exit(p)

	size := int64(s.Pages) * vm.PageSize

	base, err := k.Sbrk(p, size)
	if err != nil {
		return err
	}

	for i := 0; i < s.Pages; i++ {
		vaddr := base + uint64(i)*vm.PageSize

		err = storeSignature(k, cpu, p, vaddr, signature(p.pid, i, 0))
		if err != nil {
			return err
		}

		progress.IncrementFinished(1)
	}

	for i := 0; i < s.Pages; i++ {
		vaddr := base + uint64(i)*vm.PageSize

		err = checkSignature(k, cpu, p, vaddr, signature(p.pid, i, 0))
		if err != nil {
			return err
		}

		progress.IncrementFinished(1)
	}

	_, err = k.Sbrk(p, -size)
	if err != nil {
		return err
	}

	if s.Pages > 0 {
		_, err = k.Load(cpu, p, base, 1)
		if !errors.Is(err, vm.ErrFault) {
			return fmt.Errorf("heap page %#x readable after shrink: %w",
				base, ErrCorrupted)
		}
	}

	_, err = k.Sbrk(p, int64(vm.StackBottom-base))
	if !errors.Is(err, vm.ErrOutOfMemory) {
		return fmt.Errorf("heap grew into the stack: %v", err)
	}

	return nil
}
