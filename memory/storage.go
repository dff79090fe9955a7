// Package memory provides the byte storage behind simulated physical memory
// and memory-backed block devices.
package memory

import (
	"errors"
	"sync"
)

// ErrOutOfRange is returned when an access falls beyond the capacity of a
// storage.
var ErrOutOfRange = errors.New(
	"accessing physical address beyond the storage capacity")

// A Storage keeps the data of the guest system.
//
// A storage is an abstraction of all different type of storage including
// main memory and disks. The storage manages its data in units. The unit is
// the same concept as a page in memory management. Units that are never
// touched by Read and Write do not allocate host memory.
//
// Different units can be read and written concurrently. Callers must
// serialize concurrent accesses to the same unit themselves.
type Storage struct {
	sync.RWMutex

	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity and a unit
// size of 4096 bytes.
func NewStorage(capacity uint64) *Storage {
	return NewStorageWithUnitSize(capacity, 4096)
}

// NewStorageWithUnitSize creates a storage object with the specified capacity
// and unit size.
func NewStorageWithUnitSize(capacity, unitSize uint64) *Storage {
	if unitSize == 0 {
		panic("storage unit size must not be 0")
	}

	storage := new(Storage)

	storage.unitSize = unitSize
	storage.capacity = capacity
	storage.data = make(map[uint64][]byte)

	return storage
}

// Capacity returns the number of bytes the storage can hold.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

// UnitSize returns the size of the storage unit.
func (s *Storage) UnitSize() uint64 {
	return s.unitSize
}

// createOrGetStorageUnit retrieves a storage unit if the unit has been created
// before. Otherwise it initializes a storage unit in the storage object.
func (s *Storage) createOrGetStorageUnit(address uint64) ([]byte, error) {
	if address >= s.capacity {
		return nil, ErrOutOfRange
	}

	baseAddr, _ := s.parseAddress(address)

	s.RLock()
	unit, ok := s.data[baseAddr]
	s.RUnlock()

	if ok {
		return unit, nil
	}

	s.Lock()
	defer s.Unlock()

	unit, ok = s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit, nil
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr
	return
}

func (s *Storage) mustBeInRange(address, length uint64) error {
	if address+length > s.capacity || address+length < address {
		return ErrOutOfRange
	}

	return nil
}

// Read returns a copy of length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	res := make([]byte, length)

	err := s.ReadInto(address, res)
	if err != nil {
		return nil, err
	}

	return res, nil
}

// ReadInto fills buf with the bytes starting at address.
func (s *Storage) ReadInto(address uint64, buf []byte) error {
	if err := s.mustBeInRange(address, uint64(len(buf))); err != nil {
		return err
	}

	currAddr := address
	dataOffset := uint64(0)

	for dataOffset < uint64(len(buf)) {
		unit, err := s.createOrGetStorageUnit(currAddr)
		if err != nil {
			return err
		}

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenLeftInUnit := baseAddr + s.unitSize - currAddr
		lenToRead := min(uint64(len(buf))-dataOffset, lenLeftInUnit)

		copy(buf[dataOffset:dataOffset+lenToRead],
			unit[inUnitAddr:inUnitAddr+lenToRead])
		dataOffset += lenToRead
		currAddr += lenToRead
	}

	return nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	if err := s.mustBeInRange(address, uint64(len(data))); err != nil {
		return err
	}

	currAddr := address
	dataOffset := uint64(0)

	for dataOffset < uint64(len(data)) {
		unit, err := s.createOrGetStorageUnit(currAddr)
		if err != nil {
			return err
		}

		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenLeftInUnit := baseAddr + s.unitSize - currAddr
		lenToWrite := min(uint64(len(data))-dataOffset, lenLeftInUnit)

		copy(unit[inUnitAddr:inUnitAddr+lenToWrite],
			data[dataOffset:dataOffset+lenToWrite])
		dataOffset += lenToWrite
		currAddr += lenToWrite
	}

	return nil
}

// Zero clears length bytes starting at address. Whole units that were never
// touched stay unallocated.
func (s *Storage) Zero(address uint64, length uint64) error {
	if err := s.mustBeInRange(address, length); err != nil {
		return err
	}

	end := address + length
	for currAddr := address; currAddr < end; {
		baseAddr, inUnitAddr := s.parseAddress(currAddr)
		lenToClear := min(end-currAddr, s.unitSize-inUnitAddr)

		s.RLock()
		unit, ok := s.data[baseAddr]
		s.RUnlock()

		if ok {
			clear(unit[inUnitAddr : inUnitAddr+lenToClear])
		}

		currAddr += lenToClear
	}

	return nil
}

// Copy duplicates length bytes from src to dst within the same storage.
func (s *Storage) Copy(dst, src, length uint64) error {
	buf, err := s.Read(src, length)
	if err != nil {
		return err
	}

	return s.Write(dst, buf)
}
