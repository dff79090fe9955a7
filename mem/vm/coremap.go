package vm

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/osvm/memory"
)

// Frame state bits. They are only changed with the coremap lock held, but
// they can be read without it.
const (
	frameValid uint32 = 1 << iota
	frameKernel
	frameTouched
	frameSwapping
)

// A Frame is the coremap record of one physical frame.
type Frame struct {
	state atomic.Uint32

	// chunkSize is the number of frames of the allocation that starts at
	// this frame. It is zero for the other frames of the run.
	chunkSize int

	// owner and ownerGen point back to the entry mapping this frame. The
	// reference only counts while ownerGen matches the entry's generation.
	owner    *PageTableEntry
	ownerGen uint64
}

func (f *Frame) has(bit uint32) bool {
	return f.state.Load()&bit != 0
}

func (f *Frame) set(bit uint32) {
	f.state.Or(bit)
}

func (f *Frame) unset(bit uint32) {
	f.state.And(^bit)
}

func (f *Frame) isFree() bool {
	return f.state.Load()&(frameValid|frameKernel) == 0
}

func (f *Frame) ownedBy(pte *PageTableEntry) bool {
	return f.owner == pte && f.ownerGen != 0 &&
		f.ownerGen == pte.generation.Load()
}

func (f *Frame) reset() {
	f.state.Store(0)
	f.chunkSize = 0
	f.owner = nil
	f.ownerGen = 0
}

// CoremapStats is a snapshot of the frame table.
type CoremapStats struct {
	TotalFrames    int    `json:"total_frames"`
	ReservedFrames int    `json:"reserved_frames"`
	FreeFrames     int    `json:"free_frames"`
	KernelFrames   int    `json:"kernel_frames"`
	UserFrames     int    `json:"user_frames"`
	PinnedFrames   int    `json:"pinned_frames"`
	UsedBytes      uint64 `json:"used_bytes"`
}

// Coremap is the frame table. It tracks every physical frame and is the only
// authority that hands frames out.
//
// The coremap lock is the innermost lock of the VM system. It is never held
// across I/O and no other lock is acquired while holding it.
type Coremap struct {
	mu sync.Mutex

	frames    []Frame
	firstUser int
	cursor    atomic.Int64
	clockHand int
	usedBytes uint64

	ram  *memory.Storage
	swap *SwapStore

	hooks hookNotifier
}

func newCoremap(ram *memory.Storage, numFrames, reserved int) *Coremap {
	if reserved >= numFrames {
		log.Panicf("coremap: %d reserved frames leave no room in %d frames",
			reserved, numFrames)
	}

	c := &Coremap{
		frames:    make([]Frame, numFrames),
		firstUser: reserved,
		clockHand: reserved,
		ram:       ram,
	}

	for i := 0; i < reserved; i++ {
		c.frames[i].state.Store(frameValid | frameKernel)
	}

	if reserved > 0 {
		c.frames[0].chunkSize = reserved
	}

	c.cursor.Store(int64(reserved))
	c.usedBytes = uint64(reserved) * PageSize

	return c
}

// NumFrames returns the number of frames in physical memory.
func (c *Coremap) NumFrames() int {
	return len(c.frames)
}

// FirstUserFrame returns the lowest frame that can be allocated. Frames below
// it hold the kernel image and the coremap itself.
func (c *Coremap) FirstUserFrame() int {
	return c.firstUser
}

// UsedBytes returns the number of bytes in frames that are in use.
func (c *Coremap) UsedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.usedBytes
}

// Allocate finds n contiguous free frames and hands them to the caller. With
// pin set, a single frame stays pinned until Unpin so that no evictor can
// take it while the caller performs I/O on it. When memory is exhausted, a
// single-frame request evicts a page to swap if a swap device exists.
func (c *Coremap) Allocate(n int, forKernel, pin bool) (FrameNumber, error) {
	if n <= 0 {
		return NotYetAssigned, fmt.Errorf("allocate %d frames: %w",
			n, ErrInvalidArgument)
	}

	if n > len(c.frames)-c.firstUser {
		return NotYetAssigned, fmt.Errorf("allocate %d frames: %w",
			n, ErrOutOfMemory)
	}

	start, found := c.findRun(n)

	c.mu.Lock()

	if !found || !c.runIsFree(start, n) {
		start, found = c.findRun(n)
	}

	if found {
		c.commit(start, n, forKernel, pin && n == 1)
		c.mu.Unlock()
	} else {
		if n > 1 || c.swap == nil {
			c.mu.Unlock()
			return NotYetAssigned, fmt.Errorf("allocate %d frames: %w",
				n, ErrOutOfMemory)
		}

		// evictOne returns with the coremap lock released.
		victim := c.swap.evictOne()

		c.mu.Lock()
		c.takeOver(victim, forKernel, pin)
		c.mu.Unlock()

		start = int(victim)
	}

	c.zero(start, n)

	c.hooks.notify(HookPosFrameAlloc, Event{
		Frame:     FrameNumber(start),
		NumFrames: n,
		Slot:      NoSlot,
		Kernel:    forKernel,
	})

	return FrameNumber(start), nil
}

// findRun looks for n free frames from the cursor to the end of memory, and
// then from the first user frame up to the cursor. Without the coremap lock
// the result is only a hint.
func (c *Coremap) findRun(n int) (int, bool) {
	cursor := int(c.cursor.Load())

	if start, ok := c.findRunIn(cursor, len(c.frames), n); ok {
		return start, true
	}

	return c.findRunIn(c.firstUser, min(cursor+n-1, len(c.frames)), n)
}

func (c *Coremap) findRunIn(from, to, n int) (int, bool) {
	count := 0
	for i := from; i < to; i++ {
		if !c.frames[i].isFree() {
			count = 0
			continue
		}

		count++
		if count == n {
			return i - n + 1, true
		}
	}

	return 0, false
}

func (c *Coremap) runIsFree(start, n int) bool {
	if start < c.firstUser || start+n > len(c.frames) {
		return false
	}

	for i := start; i < start+n; i++ {
		if !c.frames[i].isFree() {
			return false
		}
	}

	return true
}

func (c *Coremap) commit(start, n int, forKernel, pin bool) {
	state := frameValid | frameTouched
	if forKernel {
		state |= frameKernel
	}

	if pin {
		state |= frameSwapping
	}

	for i := start; i < start+n; i++ {
		f := &c.frames[i]
		f.reset()
		f.state.Store(state)
	}

	c.frames[start].chunkSize = n
	c.usedBytes += uint64(n) * PageSize

	next := start + n
	if next >= len(c.frames) {
		next = c.firstUser
	}

	c.cursor.Store(int64(next))
}

// takeOver gives a frame produced by eviction to the allocating caller. The
// frame is still valid and pinned by the evictor, so nobody else could have
// claimed it.
func (c *Coremap) takeOver(frame FrameNumber, forKernel, pin bool) {
	f := &c.frames[frame]
	if !f.has(frameValid) || !f.has(frameSwapping) || f.owner != nil {
		log.Panicf("coremap: evicted frame %d was not kept for the caller",
			frame)
	}

	state := frameValid | frameTouched
	if forKernel {
		state |= frameKernel
	}

	if pin {
		state |= frameSwapping
	}

	f.reset()
	f.state.Store(state)
	f.chunkSize = 1
}

func (c *Coremap) zero(start, n int) {
	err := c.ram.Zero(FrameNumber(start).PAddr(), uint64(n)*PageSize)
	if err != nil {
		log.Panicf("coremap: cannot clear frames %d+%d: %v", start, n, err)
	}
}

// Free returns the allocation that starts at frame.
func (c *Coremap) Free(frame FrameNumber) {
	c.free(frame, 0)
}

// FreeRun returns an allocation of n frames that starts at frame. The
// allocation record must agree with n.
func (c *Coremap) FreeRun(frame FrameNumber, n int) {
	if n <= 0 {
		log.Panicf("coremap: freeing %d frames at %d", n, frame)
	}

	c.free(frame, n)
}

func (c *Coremap) free(frame FrameNumber, n int) {
	c.mu.Lock()
	evt := c.freeLocked(frame, n)
	c.mu.Unlock()

	c.hooks.notify(HookPosFrameFree, evt)
}

func (c *Coremap) freeLocked(frame FrameNumber, n int) Event {
	if int(frame) < c.firstUser || int(frame) >= len(c.frames) {
		log.Panicf("coremap: freeing frame %d outside allocatable memory",
			frame)
	}

	first := &c.frames[frame]
	if !first.has(frameValid) || first.chunkSize == 0 {
		log.Panicf("coremap: frame %d is not the start of an allocation",
			frame)
	}

	chunk := first.chunkSize
	if n != 0 && n != chunk {
		log.Panicf("coremap: freeing %d frames at %d, but %d were allocated",
			n, frame, chunk)
	}

	end := int(frame) + chunk
	if end > len(c.frames) {
		log.Panicf("coremap: allocation at %d runs past the end of memory",
			frame)
	}

	for i := int(frame); i < end; i++ {
		f := &c.frames[i]
		if !f.has(frameValid) || f.has(frameSwapping) {
			log.Panicf("coremap: frame %d is free or pinned", i)
		}

		if i != int(frame) && f.chunkSize != 0 {
			log.Panicf("coremap: frame %d belongs to another allocation", i)
		}
	}

	c.zero(int(frame), chunk)

	kernel := first.has(frameKernel)
	for i := int(frame); i < end; i++ {
		c.frames[i].reset()
	}

	c.usedBytes -= uint64(chunk) * PageSize

	return Event{
		Frame:     frame,
		NumFrames: chunk,
		Slot:      NoSlot,
		Kernel:    kernel,
	}
}

// MarkTouched sets the reference bit of the frame.
func (c *Coremap) MarkTouched(frame FrameNumber) {
	c.frames[frame].set(frameTouched)
}

// Unpin allows the frame to be evicted again.
func (c *Coremap) Unpin(frame FrameNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := &c.frames[frame]
	if !f.has(frameSwapping) {
		log.Panicf("coremap: frame %d is not pinned", frame)
	}

	f.unset(frameSwapping)
}

// pin keeps the frame out of eviction. It reports false if the frame was
// already pinned, in which case the caller must not unpin it.
func (c *Coremap) pin(frame FrameNumber) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := &c.frames[frame]
	if f.has(frameSwapping) {
		return false
	}

	f.set(frameSwapping)

	return true
}

// attach records pte as the owner of a pinned user frame.
func (c *Coremap) attach(frame FrameNumber, pte *PageTableEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := &c.frames[frame]
	if !f.has(frameValid) || f.has(frameKernel) || !f.has(frameSwapping) {
		log.Panicf("coremap: attaching page %#x to unpinned frame %d",
			pte.vpn, frame)
	}

	if f.owner != nil {
		log.Panicf("coremap: frame %d already belongs to page %#x",
			frame, f.owner.vpn)
	}

	f.owner = pte
	f.ownerGen = pte.generation.Load()
}

// release returns a user frame owned by pte. The entry lock must be held. If
// an evictor has pinned the frame and is waiting for the entry, the frame is
// left to the evictor, which will find the entry gone.
func (c *Coremap) release(frame FrameNumber, pte *PageTableEntry) {
	c.mu.Lock()

	f := &c.frames[frame]
	if !f.ownedBy(pte) {
		c.mu.Unlock()
		log.Panicf("coremap: page %#x claims frame %d, which does not "+
			"point back to it", pte.vpn, frame)
	}

	if f.has(frameSwapping) {
		f.owner = nil
		f.ownerGen = 0
		c.mu.Unlock()

		return
	}

	evt := c.freeLocked(frame, 1)
	c.mu.Unlock()

	c.hooks.notify(HookPosFrameFree, evt)
}

// mustBeOwnedBy panics if the frame does not point back to pte.
func (c *Coremap) mustBeOwnedBy(frame FrameNumber, pte *PageTableEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.frames[frame].ownedBy(pte) {
		log.Panicf("coremap: page %#x claims frame %d, which does not "+
			"point back to it", pte.vpn, frame)
	}
}

// pickVictim runs the clock over the user frames and pins the frame it
// selects. The coremap lock must be held. A free frame found on the way is
// taken directly. Frames that are referenced lose their reference bit and
// are passed over once. Bits set again by concurrent faults do not save a
// frame from the final pass, so only a coremap with no unpinned user page
// is fatal.
func (c *Coremap) pickVictim() FrameNumber {
	if frame, ok := c.sweep(c.clockHand, len(c.frames), true); ok {
		return frame
	}

	if frame, ok := c.sweep(c.firstUser, len(c.frames), true); ok {
		return frame
	}

	if frame, ok := c.sweep(c.firstUser, len(c.frames), false); ok {
		return frame
	}

	log.Panicf("coremap: no frame can be evicted among %d user frames",
		len(c.frames)-c.firstUser)

	return NotYetAssigned
}

func (c *Coremap) sweep(from, to int, secondChance bool) (FrameNumber, bool) {
	for i := from; i < to; i++ {
		f := &c.frames[i]
		state := f.state.Load()

		if state&(frameKernel|frameSwapping) != 0 {
			continue
		}

		if state&frameValid == 0 {
			f.state.Store(frameValid | frameSwapping)
			f.chunkSize = 1
			c.usedBytes += PageSize
			c.advanceClock(i)

			return FrameNumber(i), true
		}

		if secondChance && state&frameTouched != 0 {
			f.unset(frameTouched)
			continue
		}

		if f.owner == nil || !f.ownedBy(f.owner) {
			continue
		}

		f.unset(frameTouched)
		f.set(frameSwapping)
		c.advanceClock(i)

		return FrameNumber(i), true
	}

	return NotYetAssigned, false
}

func (c *Coremap) advanceClock(victim int) {
	c.clockHand = victim + 1
	if c.clockHand >= len(c.frames) {
		c.clockHand = c.firstUser
	}
}

// disown drops the back-reference of a frame that an evictor holds pinned.
func (c *Coremap) disown(frame FrameNumber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := &c.frames[frame]
	f.owner = nil
	f.ownerGen = 0
}

// Stats returns a snapshot of the frame table.
func (c *Coremap) Stats() CoremapStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CoremapStats{
		TotalFrames:    len(c.frames),
		ReservedFrames: c.firstUser,
		UsedBytes:      c.usedBytes,
	}

	for i := range c.frames {
		f := &c.frames[i]
		switch {
		case !f.has(frameValid):
			s.FreeFrames++
		case f.has(frameKernel):
			s.KernelFrames++
		default:
			s.UserFrames++
		}

		if f.has(frameSwapping) {
			s.PinnedFrames++
		}
	}

	return s
}
