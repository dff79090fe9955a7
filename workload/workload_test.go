package workload

import (
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/osvm/mem/blockdev"
	"github.com/sarchlab/osvm/mem/vm"
)

type countingProgress struct {
	n atomic.Uint64
}

func (p *countingProgress) IncrementFinished(amount uint64) {
	p.n.Add(amount)
}

var _ = Describe("Workloads", func() {
	var (
		sys *vm.System
		k   *Kernel
	)

	BeforeEach(func() {
		sys = vm.MakeBuilder().
			WithNumFrames(12).
			WithNumCPUs(2).
			WithSwapDevice(blockdev.NewMemDevice(256 * vm.PageSize)).
			Build("VM")
		k = NewKernel(sys)
	})

	It("should touch more pages than there are frames", func() {
		w := Touch{Pages: 20, Rounds: 2}
		progress := &countingProgress{}

		Expect(w.Run(k, 0, progress)).To(Succeed())

		Expect(progress.n.Load()).To(Equal(w.Steps()))
		Expect(sys.Swap().Stats().Evictions).To(BeNumerically(">", 20))
		Expect(sys.Swap().Stats().UsedSlots).To(BeZero())
	})

	It("should keep forked copies apart", func() {
		w := Fork{Pages: 8}
		progress := &countingProgress{}

		Expect(w.Run(k, 1, progress)).To(Succeed())
		Expect(progress.n.Load()).To(Equal(w.Steps()))
	})

	It("should grow and shrink the heap", func() {
		w := Sbrk{Pages: 6}

		Expect(w.Run(k, 0, nopProgress{})).To(Succeed())
	})

	It("should run workloads on every processor", func() {
		workloads := []Workload{
			Touch{Pages: 10, Rounds: 1},
			Fork{Pages: 4},
			Sbrk{Pages: 3},
			Touch{Pages: 6, Rounds: 2},
		}

		var (
			lock  sync.Mutex
			names []string
		)

		err := RunAll(k, workloads, func(w Workload) Progress {
			lock.Lock()
			defer lock.Unlock()

			names = append(names, w.Name())

			return nopProgress{}
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(HaveLen(4))
		Expect(sys.Coremap().Stats().UserFrames).To(BeZero())
	})

	It("should report failures", func() {
		small := vm.MakeBuilder().WithNumFrames(4).Build("Small")

		err := RunAll(NewKernel(small), []Workload{Touch{Pages: 8, Rounds: 1}},
			nil)

		Expect(err).To(MatchError(ContainSubstring("Touch(8 pages x 1)")))
		Expect(err).To(MatchError(vm.ErrOutOfMemory))
	})
})
