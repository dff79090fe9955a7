package tracing

import (
	"sync"

	"github.com/sarchlab/osvm/mem/vm"
)

// CountTracer counts records by kind.
type CountTracer struct {
	lock        sync.Mutex
	kinds       []string
	counts      map[string]uint64
	frames      map[string]uint64
	faultCounts map[vm.FaultKind]uint64
}

// NewCountTracer creates a new CountTracer.
func NewCountTracer() *CountTracer {
	return &CountTracer{
		counts:      make(map[string]uint64),
		frames:      make(map[string]uint64),
		faultCounts: make(map[vm.FaultKind]uint64),
	}
}

// Trace counts the record.
func (t *CountTracer) Trace(record Record) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.counts[record.Kind]; !ok {
		t.kinds = append(t.kinds, record.Kind)
	}

	t.counts[record.Kind]++
	t.frames[record.Kind] += uint64(record.Event.NumFrames)

	if record.Kind == vm.HookPosFault.Name {
		t.faultCounts[record.Event.Fault]++
	}
}

// Kinds returns the kinds seen so far, in the order they first appeared.
func (t *CountTracer) Kinds() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string(nil), t.kinds...)
}

// Count returns how many records of a kind were traced.
func (t *CountTracer) Count(kind string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.counts[kind]
}

// FrameCount returns the total number of frames that records of a kind
// covered. Only frame allocation and free events cover frames.
func (t *CountTracer) FrameCount(kind string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.frames[kind]
}

// FaultCount returns how many faults of the given kind were resolved.
func (t *CountTracer) FaultCount(kind vm.FaultKind) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.faultCounts[kind]
}

// Counts returns a snapshot of the counts of every kind.
func (t *CountTracer) Counts() map[string]uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	counts := make(map[string]uint64, len(t.counts))
	for k, v := range t.counts {
		counts[k] = v
	}

	return counts
}
