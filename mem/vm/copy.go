package vm

import (
	"fmt"
	"log"
)

// CopyAddressSpace returns an independent duplicate of src. Every page of the
// copy gets a frame of its own, filled from the resident frame or straight
// from the swap slot of the source page. On failure nothing of the copy is
// left behind.
func (s *System) CopyAddressSpace(src *AddressSpace) (*AddressSpace, error) {
	src.heapLock.Lock()
	defer src.heapLock.Unlock()

	dst := s.CreateAddressSpace()

	src.mu.RLock()

	if src.destroyed {
		src.mu.RUnlock()
		return nil, fmt.Errorf("copy address space %d: destroyed: %w",
			src.id, ErrInvalidArgument)
	}

	for _, r := range src.regions {
		c := r.clone()
		dst.regions = append(dst.regions, c)

		if r == src.heap {
			dst.heap = c
		}
	}

	dst.stackPtr = src.stackPtr
	entries := src.pages.all()

	src.mu.RUnlock()

	for _, pte := range entries {
		child, err := s.copyEntry(dst, pte)
		if err != nil {
			s.DestroyAddressSpace(dst)
			return nil, fmt.Errorf("copy address space %d: %w", src.id, err)
		}

		if child == nil {
			continue
		}

		dst.mu.Lock()
		dst.pages.insert(child)
		dst.mu.Unlock()
	}

	return dst, nil
}

// copyEntry creates the entry of dst that duplicates src. It returns nil if
// src was removed before it could be copied.
func (s *System) copyEntry(
	dst *AddressSpace,
	src *PageTableEntry,
) (*PageTableEntry, error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	src.waitForSlot()
	if !src.alive() {
		return nil, nil
	}

	srcFrame := src.frame

	switch {
	case srcFrame.IsResident():
		if s.coremap.pin(srcFrame) {
			defer s.coremap.Unpin(srcFrame)
		}
	case srcFrame == OnSwapOnly:
	default:
		log.Panicf("%s: page %#x of address space %d has frame %s",
			s.name, src.vpn, src.asid, srcFrame)
	}

	frame, err := s.coremap.Allocate(1, false, true)
	if err != nil {
		return nil, err
	}

	if srcFrame.IsResident() {
		err = s.ram.Copy(frame.PAddr(), srcFrame.PAddr(), PageSize)
		if err != nil {
			log.Panicf("%s: copying frame %d to %d: %v",
				s.name, srcFrame, frame, err)
		}
	} else {
		s.swap.readSlot(src.slot, frame)
	}

	child := newPageTableEntry(dst.id, src.vpn, src.perm)
	child.frame = frame
	s.coremap.attach(frame, child)
	s.coremap.Unpin(frame)

	return child, nil
}
