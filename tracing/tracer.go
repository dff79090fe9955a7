// Package tracing collects the events of the VM system and hands them to
// tracers that count, log or store them.
package tracing

import (
	"time"

	"github.com/sarchlab/osvm/mem/vm"
	"github.com/sarchlab/osvm/sim"
)

// A Record is one event observed on a hookable domain.
type Record struct {
	Domain string
	Kind   string
	Time   time.Time
	Event  vm.Event
}

// A Tracer consumes records.
type Tracer interface {
	Trace(record Record)
}

// NamedHookable is a hookable object with a name.
type NamedHookable interface {
	sim.Hookable
	Name() string
}
