package vm

import (
	"errors"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/osvm/memory"
)

var _ = Describe("Coremap", func() {
	var (
		ram     *memory.Storage
		coremap *Coremap
	)

	BeforeEach(func() {
		ram = memory.NewStorage(16 * PageSize)
		coremap = newCoremap(ram, 16, 2)
	})

	It("should keep the reserved frames", func() {
		Expect(coremap.NumFrames()).To(Equal(16))
		Expect(coremap.FirstUserFrame()).To(Equal(2))
		Expect(coremap.UsedBytes()).To(Equal(uint64(2 * PageSize)))

		stats := coremap.Stats()
		Expect(stats.ReservedFrames).To(Equal(2))
		Expect(stats.KernelFrames).To(Equal(2))
		Expect(stats.FreeFrames).To(Equal(14))
	})

	It("should allocate from the first user frame", func() {
		frame, err := coremap.Allocate(1, false, false)

		Expect(err).NotTo(HaveOccurred())
		Expect(frame).To(Equal(FrameNumber(2)))
		Expect(coremap.UsedBytes()).To(Equal(uint64(3 * PageSize)))
	})

	It("should zero allocated frames", func() {
		Expect(ram.Write(5*PageSize, []byte{1, 2, 3})).To(Succeed())

		var frame FrameNumber
		for frame != 5 {
			var err error
			frame, err = coremap.Allocate(1, true, false)
			Expect(err).NotTo(HaveOccurred())
		}

		data, _ := ram.Read(5*PageSize, 3)
		Expect(data).To(Equal([]byte{0, 0, 0}))
	})

	It("should allocate contiguous runs for the kernel", func() {
		first, err := coremap.Allocate(4, true, false)
		Expect(err).NotTo(HaveOccurred())

		second, err := coremap.Allocate(3, true, false)
		Expect(err).NotTo(HaveOccurred())

		Expect(second).To(Equal(first + 4))
		Expect(coremap.frames[first].chunkSize).To(Equal(4))
		Expect(coremap.frames[first+1].chunkSize).To(Equal(0))
		Expect(coremap.Stats().KernelFrames).To(Equal(2 + 7))
	})

	It("should pin single frames on request", func() {
		frame, _ := coremap.Allocate(1, false, true)

		Expect(coremap.frames[frame].has(frameSwapping)).To(BeTrue())
		Expect(coremap.Stats().PinnedFrames).To(Equal(1))

		coremap.Unpin(frame)

		Expect(coremap.frames[frame].has(frameSwapping)).To(BeFalse())
	})

	It("should not pin multi-frame runs", func() {
		frame, _ := coremap.Allocate(2, true, true)

		Expect(coremap.frames[frame].has(frameSwapping)).To(BeFalse())
	})

	It("should reject empty requests", func() {
		_, err := coremap.Allocate(0, true, false)

		Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
	})

	It("should report out of memory without swap", func() {
		for i := 0; i < 14; i++ {
			_, err := coremap.Allocate(1, false, false)
			Expect(err).NotTo(HaveOccurred())
		}

		_, err := coremap.Allocate(1, false, false)

		Expect(errors.Is(err, ErrOutOfMemory)).To(BeTrue())
	})

	It("should not evict for multi-frame runs", func() {
		_, err := coremap.Allocate(15, true, false)

		Expect(errors.Is(err, ErrOutOfMemory)).To(BeTrue())
	})

	It("should reuse freed frames", func() {
		frames := make([]FrameNumber, 14)
		for i := range frames {
			frames[i], _ = coremap.Allocate(1, true, false)
		}

		coremap.Free(frames[3])

		frame, err := coremap.Allocate(1, true, false)

		Expect(err).NotTo(HaveOccurred())
		Expect(frame).To(Equal(frames[3]))
	})

	It("should skip runs that are too short", func() {
		frames := make([]FrameNumber, 14)
		for i := range frames {
			frames[i], _ = coremap.Allocate(1, true, false)
		}

		coremap.Free(frames[12])
		coremap.Free(frames[13])
		coremap.Free(frames[0])

		frame, err := coremap.Allocate(2, true, false)

		Expect(err).NotTo(HaveOccurred())
		Expect(frame).To(Equal(frames[12]))
	})

	It("should free and clear frames", func() {
		frame, _ := coremap.Allocate(3, true, false)
		Expect(ram.Write(frame.PAddr()+PageSize, []byte{9})).To(Succeed())

		coremap.FreeRun(frame, 3)

		data, _ := ram.Read(frame.PAddr()+PageSize, 1)
		Expect(data).To(Equal([]byte{0}))
		Expect(coremap.UsedBytes()).To(Equal(uint64(2 * PageSize)))
	})

	It("should panic on double free", func() {
		frame, _ := coremap.Allocate(1, true, false)
		coremap.Free(frame)

		Expect(func() { coremap.Free(frame) }).To(Panic())
	})

	It("should panic when the size does not match the allocation", func() {
		frame, _ := coremap.Allocate(3, true, false)

		Expect(func() { coremap.FreeRun(frame, 2) }).To(Panic())
	})

	It("should panic when freeing the middle of a run", func() {
		frame, _ := coremap.Allocate(3, true, false)

		Expect(func() { coremap.Free(frame + 1) }).To(Panic())
	})

	It("should panic when freeing a pinned frame", func() {
		frame, _ := coremap.Allocate(1, false, true)

		Expect(func() { coremap.Free(frame) }).To(Panic())
	})

	It("should panic when freeing reserved frames", func() {
		Expect(func() { coremap.Free(0) }).To(Panic())
	})

	It("should track used bytes over random allocations", func() {
		r := rand.New(rand.NewSource(1))
		type run struct {
			frame FrameNumber
			n     int
		}
		var live []run

		for i := 0; i < 500; i++ {
			if len(live) > 0 && r.Intn(2) == 0 {
				j := r.Intn(len(live))
				coremap.FreeRun(live[j].frame, live[j].n)
				live = append(live[:j], live[j+1:]...)
			} else {
				n := 1 + r.Intn(3)
				frame, err := coremap.Allocate(n, r.Intn(2) == 0, false)
				if err == nil {
					live = append(live, run{frame, n})
				}
			}

			Expect(coremap.UsedBytes()).To(
				Equal(uint64(countValidFrames(coremap)) * PageSize))
		}
	})
})
