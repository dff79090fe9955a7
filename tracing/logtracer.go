package tracing

import (
	"log"

	"github.com/sarchlab/osvm/mem/vm"
	"github.com/sarchlab/osvm/sim"
)

// LogTracer prints every record on a logger.
type LogTracer struct {
	sim.LogHookBase
}

// NewLogTracer creates a LogTracer that writes to logger.
func NewLogTracer(logger *log.Logger) *LogTracer {
	t := &LogTracer{}
	t.Logger = logger

	return t
}

// Trace prints the record.
func (t *LogTracer) Trace(record Record) {
	evt := record.Event

	switch record.Kind {
	case vm.HookPosFault.Name:
		t.Printf("%s: %s fault asid=%d vpn=%#x frame=%s",
			record.Domain, evt.Fault, evt.ASID, evt.VPN, evt.Frame)
	case vm.HookPosEvict.Name:
		t.Printf("%s: evict asid=%d vpn=%#x frame=%s slot=%d",
			record.Domain, evt.ASID, evt.VPN, evt.Frame, evt.Slot)
	case vm.HookPosSwapIn.Name:
		t.Printf("%s: swap in asid=%d vpn=%#x frame=%s slot=%d",
			record.Domain, evt.ASID, evt.VPN, evt.Frame, evt.Slot)
	case vm.HookPosFrameAlloc.Name, vm.HookPosFrameFree.Name:
		t.Printf("%s: %s frame=%s n=%d kernel=%t",
			record.Domain, record.Kind, evt.Frame, evt.NumFrames, evt.Kernel)
	default:
		t.Printf("%s: %s %+v", record.Domain, record.Kind, evt)
	}
}
