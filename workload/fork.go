package workload

import "fmt"

// Fork fills a process, duplicates it, and checks that both copies start
// equal and then change independently.
type Fork struct {
	Pages int
}

// Name returns the name of the workload.
func (f Fork) Name() string {
	return fmt.Sprintf("Fork(%d pages)", f.Pages)
}

// Steps returns one step per page in each of the five phases.
func (f Fork) Steps() uint64 {
	return uint64(5 * f.Pages)
}

// Run runs the workload on processor cpu. Parent and child take turns on
// the processor.
func (f Fork) Run(k *Kernel, cpu int, progress Progress) error {
	parent, err := k.Spawn(cpu, []byte("fork"), f.Pages)
	if err != nil {
		return err
	}
	defer k.Exit(parent)

	err = f.forEachPage(progress, func(i int) error {
		return storeSignature(k, cpu, parent, parent.DataPage(i),
			signature(parent.pid, i, 0))
	})
	if err != nil {
		return err
	}

	child, err := k.Fork(parent)
	if err != nil {
		return err
	}
	defer k.Exit(child)

	err = f.forEachPage(progress, func(i int) error {
		return checkSignature(k, cpu, child, child.DataPage(i),
			signature(parent.pid, i, 0))
	})
	if err != nil {
		return err
	}

	err = f.forEachPage(progress, func(i int) error {
		return storeSignature(k, cpu, child, child.DataPage(i),
			signature(child.pid, i, 1))
	})
	if err != nil {
		return err
	}

	err = f.forEachPage(progress, func(i int) error {
		return checkSignature(k, cpu, parent, parent.DataPage(i),
			signature(parent.pid, i, 0))
	})
	if err != nil {
		return err
	}

	return f.forEachPage(progress, func(i int) error {
		return checkSignature(k, cpu, child, child.DataPage(i),
			signature(child.pid, i, 1))
	})
}

func (f Fork) forEachPage(progress Progress, do func(i int) error) error {
	for i := 0; i < f.Pages; i++ {
		err := do(i)
		if err != nil {
			return err
		}

		progress.IncrementFinished(1)
	}

	return nil
}
