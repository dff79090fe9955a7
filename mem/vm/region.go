package vm

import "fmt"

// A Region is a contiguous range of user addresses with uniform permissions.
type Region struct {
	Base       uint64
	Size       uint64
	Readable   bool
	Writable   bool
	Executable bool

	// prevWritable holds the write flag while a program image is loaded.
	prevWritable bool
	loading      bool
}

// End returns the first address after the region.
func (r *Region) End() uint64 {
	return r.Base + r.Size
}

// Contains tells if vaddr falls inside the region.
func (r *Region) Contains(vaddr uint64) bool {
	return vaddr >= r.Base && vaddr < r.End()
}

// Permission returns the rights of the region as permission bits.
func (r *Region) Permission() Permission {
	return MakePermission(r.Readable, r.Writable, r.Executable)
}

func (r *Region) overlaps(base, size uint64) bool {
	return base < r.End() && r.Base < base+size
}

// allows tells if an access of the given kind is legal in the region.
func (r *Region) allows(kind FaultKind) bool {
	switch kind {
	case FaultRead:
		return r.Readable
	case FaultWrite, FaultReadOnly:
		return r.Writable
	}

	return false
}

func (r *Region) clone() *Region {
	c := *r
	return &c
}

func (r *Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", r.Base, r.End(), r.Permission())
}
