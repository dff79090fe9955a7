package tracing

import (
	"time"

	"github.com/sarchlab/osvm/mem/vm"
	"github.com/sarchlab/osvm/sim"
)

// CollectTrace lets the tracer collect records from a domain.
func CollectTrace(domain NamedHookable, tracer Tracer) {
	h := traceHook{
		domain: domain.Name(),
		t:      tracer,
		now:    time.Now,
	}
	domain.AcceptHook(&h)
}

// A traceHook turns VM hook invocations into records.
type traceHook struct {
	domain string
	t      Tracer
	now    func() time.Time
}

// Func forwards the event to the tracer. Items that are not VM events are
// ignored.
func (h *traceHook) Func(ctx sim.HookCtx) {
	evt, ok := ctx.Item.(vm.Event)
	if !ok || ctx.Pos == nil {
		return
	}

	h.t.Trace(Record{
		Domain: h.domain,
		Kind:   ctx.Pos.Name,
		Time:   h.now(),
		Event:  evt,
	})
}
