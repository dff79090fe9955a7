package tracing

import (
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sarchlab/osvm/datarecording"
	"github.com/sarchlab/osvm/mem/vm"
	"github.com/tebeka/atexit"
)

// Table names written by the DBTracer.
const (
	EventTable = "vm_event"
	RunTable   = "vm_run"
)

// EventEntry is a row of the event table.
type EventEntry struct {
	RunID     string
	Domain    string
	Kind      string
	ASID      uint64
	VPN       uint64
	Frame     int64
	NumFrames int
	Slot      int
	Fault     string
	Kernel    bool
	Time      int64
}

// RunEntry is a row of the run table. There is one row per tracer.
type RunEntry struct {
	RunID  string
	Start  int64
	End    int64
	Events uint64
}

// DBTracer stores records through a DataRecorder.
type DBTracer struct {
	mu         sync.Mutex
	backend    datarecording.DataRecorder
	runID      string
	start      time.Time
	numEvents  uint64
	terminated bool
	now        func() time.Time
}

// NewDBTracer creates a new DBTracer and the tables it writes.
func NewDBTracer(dataRecorder datarecording.DataRecorder) *DBTracer {
	dataRecorder.CreateTable(EventTable, EventEntry{})
	dataRecorder.CreateTable(RunTable, RunEntry{})

	t := &DBTracer{
		backend: dataRecorder,
		runID:   xid.New().String(),
		now:     time.Now,
	}
	t.start = t.now()

	atexit.Register(func() { t.Terminate() })

	return t
}

// RunID returns the ID that tags every row of this tracer.
func (t *DBTracer) RunID() string {
	return t.runID
}

// Trace buffers the record as a row of the event table.
func (t *DBTracer) Trace(record Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}

	evt := record.Event
	entry := EventEntry{
		RunID:     t.runID,
		Domain:    record.Domain,
		Kind:      record.Kind,
		ASID:      evt.ASID,
		VPN:       evt.VPN,
		Frame:     int64(evt.Frame),
		NumFrames: evt.NumFrames,
		Slot:      evt.Slot,
		Kernel:    evt.Kernel,
		Time:      record.Time.UnixNano(),
	}

	if record.Kind == vm.HookPosFault.Name {
		entry.Fault = evt.Fault.String()
	}

	t.backend.InsertData(EventTable, entry)
	t.numEvents++
}

// Terminate writes the run row and flushes. Records traced afterwards are
// dropped.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.terminated {
		return
	}

	t.terminated = true

	t.backend.InsertData(RunTable, RunEntry{
		RunID:  t.runID,
		Start:  t.start.UnixNano(),
		End:    t.now().UnixNano(),
		Events: t.numEvents,
	})
	t.backend.Flush()
}
