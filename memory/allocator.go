// Package memory provides the host-physical frame backing store for
// guest RAM and for the second-level page tables that translate into
// it. It mmaps one anonymous region per virtual machine the way every
// KVM-based VMM in this lineage backs guest memory, and hands out
// page-table frames from a private carve-out at the top of that
// region so page-table walks and guest data share a single mapping.
package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Region is one contiguous host-backing mmap for a guest-physical
// address range, plus a bump allocator over a reserved sub-range used
// for page-table frames.
type Region struct {
	Bytes []byte

	frameBase uint64 // guest-physical offset of the reserved frame pool
	frameNext uint64 // next unallocated offset within the pool, relative to frameBase
	frameEnd  uint64
}

const pageSize = 4096

// NewRegion allocates size bytes of anonymous, zero-filled host memory
// and reserves the top frameBytes of it for page-table frames.
func NewRegion(size, frameBytes uint64) (*Region, error) {
	if frameBytes >= size {
		return nil, fmt.Errorf("frame pool (%d) must be smaller than region size (%d)", frameBytes, size)
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap guest region: %w", err)
	}
	frameBase := size - frameBytes
	frameBase -= frameBase % pageSize
	return &Region{
		Bytes:     b,
		frameBase: frameBase,
		frameNext: 0,
		frameEnd:  size - frameBase,
	}, nil
}

// AllocFrame returns the guest-physical address of one zeroed 4KiB
// frame from the reserved pool. Frames are never freed individually;
// page tables are torn down with the region as a whole.
func (r *Region) AllocFrame() (uint64, error) {
	if r.frameNext+pageSize > r.frameEnd {
		return 0, fmt.Errorf("page-table frame pool exhausted (%d bytes reserved)", r.frameEnd)
	}
	gpa := r.frameBase + r.frameNext
	r.frameNext += pageSize
	for i := uint64(0); i < pageSize; i++ {
		r.Bytes[gpa+i] = 0
	}
	return gpa, nil
}

// HostPointer returns the byte slice backing the frame at the given
// guest-physical address, for direct read/write by the page-table
// walker or by guest-memory-fetch paths (the instruction emulator).
func (r *Region) HostPointer(gpa uint64, length int) ([]byte, error) {
	if gpa+uint64(length) > uint64(len(r.Bytes)) {
		return nil, fmt.Errorf("guest-physical range [0x%x, 0x%x) out of bounds (region size 0x%x)", gpa, gpa+uint64(length), len(r.Bytes))
	}
	return r.Bytes[gpa : gpa+uint64(length)], nil
}

// Close releases the mmaped region.
func (r *Region) Close() error {
	if r.Bytes == nil {
		return nil
	}
	err := unix.Munmap(r.Bytes)
	r.Bytes = nil
	return err
}
