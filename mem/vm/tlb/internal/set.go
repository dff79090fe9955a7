// Package internal provides the definition required for defining TLB.
package internal

import (
	"sort"
)

// Entry is one virtual-to-physical mapping held by a way.
type Entry struct {
	VPN   uint64
	PFN   uint64
	Valid bool
	Dirty bool
}

// A Set holds a certain number of entries and selects the least recently
// used way when a new entry needs room.
type Set interface {
	Lookup(vpn uint64) (wayID int, entry Entry, found bool)
	Read(wayID int) Entry
	Update(wayID int, entry Entry)
	Invalidate(wayID int)
	Evict() (wayID int, ok bool)
	Visit(wayID int)
}

// NewSet creates a new TLB set.
func NewSet(numWays int) Set {
	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.vpnWayIDMap = make(map[uint64]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

type block struct {
	entry     Entry
	wayID     int
	lastVisit uint64
}

type setImpl struct {
	blocks      []*block
	vpnWayIDMap map[uint64]int
	visitList   []*block
	visitCount  uint64
}

func (s *setImpl) Lookup(vpn uint64) (
	wayID int,
	entry Entry,
	found bool,
) {
	wayID, ok := s.vpnWayIDMap[vpn]
	if !ok {
		return 0, Entry{}, false
	}

	block := s.blocks[wayID]

	return block.wayID, block.entry, true
}

func (s *setImpl) Read(wayID int) Entry {
	return s.blocks[wayID].entry
}

func (s *setImpl) Update(wayID int, entry Entry) {
	block := s.blocks[wayID]
	if block.entry.Valid {
		delete(s.vpnWayIDMap, block.entry.VPN)
	}

	block.entry = entry
	if entry.Valid {
		if old, ok := s.vpnWayIDMap[entry.VPN]; ok && old != wayID {
			panic("duplicated translation buffer entry")
		}

		s.vpnWayIDMap[entry.VPN] = wayID
	}
}

func (s *setImpl) Invalidate(wayID int) {
	block := s.blocks[wayID]
	if block.entry.Valid {
		delete(s.vpnWayIDMap, block.entry.VPN)
	}

	block.entry = Entry{}
	s.moveToFront(block)
}

// Evict returns an invalid way if there is one, or the least recently
// visited way otherwise.
func (s *setImpl) Evict() (wayID int, ok bool) {
	if s.hasNothingToEvict() {
		return 0, false
	}

	for _, b := range s.visitList {
		if !b.entry.Valid {
			return b.wayID, true
		}
	}

	return s.visitList[0].wayID, true
}

func (s *setImpl) Visit(wayID int) {
	block := s.blocks[wayID]
	s.removeFromVisitList(block)

	s.visitCount++
	block.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > block.lastVisit
	})
	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = block
}

func (s *setImpl) moveToFront(b *block) {
	s.removeFromVisitList(b)

	b.lastVisit = 0
	s.visitList = append([]*block{b}, s.visitList...)
}

func (s *setImpl) removeFromVisitList(b *block) {
	for i, other := range s.visitList {
		if other == b {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			return
		}
	}
}

func (s *setImpl) hasNothingToEvict() bool {
	return len(s.visitList) == 0
}
