// Package tlb models the per-processor hardware translation buffer.
//
// The buffer is per-processor state. Code that probes the buffer and then
// writes it must do so with interrupts disabled on the owning processor,
// which is modelled by DisableInterrupts. Probe, Read, Write and Invalidate
// panic if interrupts are enabled.
package tlb

import (
	"log"
	"sync"

	"github.com/sarchlab/osvm/mem/vm/tlb/internal"
)

// NoEntry is returned by Probe when the buffer does not hold the page.
const NoEntry = -1

// Entry is one translation held by the buffer. Dirty is the hardware
// write-enable bit. A store through an entry without it traps.
type Entry = internal.Entry

// TLB is the translation buffer of a single processor.
type TLB struct {
	name string

	spl           sync.Mutex
	interruptsOff bool

	numSets int
	numWays int

	Sets []internal.Set
}

// Name returns the name of the processor that owns the buffer.
func (t *TLB) Name() string {
	return t.name
}

// NumEntries returns the total number of entries.
func (t *TLB) NumEntries() int {
	return t.numSets * t.numWays
}

// DisableInterrupts raises the priority level of the owning processor so that
// a probe-then-write sequence cannot be preempted. It returns the function
// that restores the previous level. Never acquire locks or perform I/O before
// calling the restore function.
func (t *TLB) DisableInterrupts() (restore func()) {
	t.spl.Lock()
	t.interruptsOff = true

	return func() {
		t.interruptsOff = false
		t.spl.Unlock()
	}
}

func (t *TLB) mustHaveInterruptsDisabled() {
	if !t.interruptsOff {
		log.Panicf("%s: translation buffer accessed with interrupts on",
			t.name)
	}
}

func (t *TLB) vpnToSetID(vpn uint64) int {
	return int(vpn % uint64(t.numSets))
}

func (t *TLB) index(setID, wayID int) int {
	return setID*t.numWays + wayID
}

func (t *TLB) split(index int) (setID, wayID int) {
	if index < 0 || index >= t.NumEntries() {
		log.Panicf("%s: translation buffer index %d out of range",
			t.name, index)
	}

	return index / t.numWays, index % t.numWays
}

// Probe returns the index of the entry that maps vpn, or NoEntry.
func (t *TLB) Probe(vpn uint64) int {
	t.mustHaveInterruptsDisabled()

	setID := t.vpnToSetID(vpn)
	wayID, _, found := t.Sets[setID].Lookup(vpn)
	if !found {
		return NoEntry
	}

	return t.index(setID, wayID)
}

// Lookup returns the entry that maps vpn and marks it as recently used.
func (t *TLB) Lookup(vpn uint64) (Entry, bool) {
	t.mustHaveInterruptsDisabled()

	setID := t.vpnToSetID(vpn)
	set := t.Sets[setID]

	wayID, entry, found := set.Lookup(vpn)
	if !found || !entry.Valid {
		return Entry{}, false
	}

	set.Visit(wayID)

	return entry, true
}

// Read returns the entry at index.
func (t *TLB) Read(index int) Entry {
	t.mustHaveInterruptsDisabled()

	setID, wayID := t.split(index)

	return t.Sets[setID].Read(wayID)
}

// Write stores entry at index.
func (t *TLB) Write(index int, entry Entry) {
	t.mustHaveInterruptsDisabled()

	setID, wayID := t.split(index)
	if entry.Valid && t.vpnToSetID(entry.VPN) != setID {
		log.Panicf("%s: page %#x does not belong to set %d",
			t.name, entry.VPN, setID)
	}

	t.Sets[setID].Update(wayID, entry)
	t.Sets[setID].Visit(wayID)
}

// WriteAny stores entry in a free way of its set, replacing the least
// recently used way when the set is full. It returns the index used.
func (t *TLB) WriteAny(entry Entry) int {
	t.mustHaveInterruptsDisabled()

	setID := t.vpnToSetID(entry.VPN)
	wayID, ok := t.Sets[setID].Evict()
	if !ok {
		log.Panicf("%s: translation buffer set %d has no way", t.name, setID)
	}

	t.Sets[setID].Update(wayID, entry)
	t.Sets[setID].Visit(wayID)

	return t.index(setID, wayID)
}

// Invalidate drops the entry at index.
func (t *TLB) Invalidate(index int) {
	t.mustHaveInterruptsDisabled()

	setID, wayID := t.split(index)
	t.Sets[setID].Invalidate(wayID)
}

// InvalidateAll drops every entry. It is used when the processor switches to
// another address space.
func (t *TLB) InvalidateAll() {
	restore := t.DisableInterrupts()
	defer restore()

	for i := 0; i < t.NumEntries(); i++ {
		t.Invalidate(i)
	}
}

// Shootdown drops the entry that maps vpn to pfn, if the buffer holds it. It
// reports whether an entry was dropped.
func (t *TLB) Shootdown(vpn, pfn uint64) bool {
	restore := t.DisableInterrupts()
	defer restore()

	index := t.Probe(vpn)
	if index == NoEntry {
		return false
	}

	if t.Read(index).PFN != pfn {
		return false
	}

	t.Invalidate(index)

	return true
}
