package workload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// ErrCorrupted is returned when memory does not hold what was written.
var ErrCorrupted = errors.New("memory corrupted")

// Progress receives the number of steps a workload has finished.
// monitoring.ProgressBar implements it.
type Progress interface {
	IncrementFinished(amount uint64)
}

type nopProgress struct{}

func (nopProgress) IncrementFinished(uint64) {}

// A Workload is a program that runs on one processor.
type Workload interface {
	Name() string

	// Steps returns the number of steps Run reports.
	Steps() uint64

	Run(k *Kernel, cpu int, progress Progress) error
}

// RunAll runs the workloads, workload i on processor i modulo the number of
// processors. Workloads that share a processor run one after another. The
// progressFor function may be nil.
func RunAll(
	k *Kernel,
	workloads []Workload,
	progressFor func(w Workload) Progress,
) error {
	queues := make([][]Workload, k.NumCPUs())
	for i, w := range workloads {
		cpu := i % k.NumCPUs()
		queues[cpu] = append(queues[cpu], w)
	}

	var (
		wg      sync.WaitGroup
		errLock sync.Mutex
		errs    []error
	)

	for cpu, queue := range queues {
		wg.Add(1)

		go func(cpu int, queue []Workload) {
			defer wg.Done()

			for _, w := range queue {
				var progress Progress = nopProgress{}
				if progressFor != nil {
					progress = progressFor(w)
				}

				err := w.Run(k, cpu, progress)
				if err != nil {
					errLock.Lock()
					errs = append(errs, fmt.Errorf("%s on CPU %d: %w",
						w.Name(), cpu, err))
					errLock.Unlock()
				}
			}
		}(cpu, queue)
	}

	wg.Wait()

	return errors.Join(errs...)
}

// signature is what a process stores at the start and the end of a page.
func signature(pid, page, round int) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], uint32(pid))
	binary.LittleEndian.PutUint32(b[4:], uint32(page))
	binary.LittleEndian.PutUint32(b[8:], uint32(round))
	binary.LittleEndian.PutUint32(b[12:], 0x05e5f00d)

	return b
}

func storeSignature(
	k *Kernel,
	cpu int,
	p *Process,
	vaddr uint64,
	sig []byte,
) error {
	err := k.Store(cpu, p, vaddr, sig)
	if err != nil {
		return err
	}

	return k.Store(cpu, p, vaddr+pageTail, sig)
}

func checkSignature(
	k *Kernel,
	cpu int,
	p *Process,
	vaddr uint64,
	sig []byte,
) error {
	for _, va := range []uint64{vaddr, vaddr + pageTail} {
		got, err := k.Load(cpu, p, va, len(sig))
		if err != nil {
			return err
		}

		if string(got) != string(sig) {
			return fmt.Errorf("process %d at %#x: got % x, want % x: %w",
				p.pid, va, got, sig, ErrCorrupted)
		}
	}

	return nil
}
