package vm

import "github.com/sarchlab/osvm/sim"

// Hook positions of the VM system. The item of every HookCtx is an Event.
var (
	// HookPosFault triggers after a translation fault is resolved.
	HookPosFault = &sim.HookPos{Name: "Fault"}

	// HookPosEvict triggers after a page is written out and its frame is
	// taken away.
	HookPosEvict = &sim.HookPos{Name: "Evict"}

	// HookPosSwapIn triggers after a page is read back from swap.
	HookPosSwapIn = &sim.HookPos{Name: "SwapIn"}

	// HookPosFrameAlloc triggers after frames are allocated.
	HookPosFrameAlloc = &sim.HookPos{Name: "FrameAlloc"}

	// HookPosFrameFree triggers after frames are returned.
	HookPosFrameFree = &sim.HookPos{Name: "FrameFree"}
)

// Event describes what happened at a hook position. Fields that do not apply
// are left at their zero value, except Slot which is NoSlot.
type Event struct {
	ASID      uint64
	VPN       uint64
	Frame     FrameNumber
	NumFrames int
	Slot      int
	Fault     FaultKind
	Kernel    bool
}

type hookNotifier struct {
	base   *sim.HookableBase
	domain sim.Hookable
}

func (n hookNotifier) notify(pos *sim.HookPos, evt Event) {
	if n.base == nil || n.base.NumHooks() == 0 {
		return
	}

	n.base.InvokeHook(sim.HookCtx{
		Domain: n.domain,
		Pos:    pos,
		Item:   evt,
	})
}
