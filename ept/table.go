package ept

import (
	"fmt"

	"lunavmm/memory"
)

const (
	entriesPerTable = 512
	entrySize       = 8
	pageSize        = 4096
)

// levelShift[level] is the lowest guest-physical bit that level
// indexes: level 0 (the 4KiB leaf, bits 12-20) up to level 3
// (PML4-equivalent, bits 39-47).
var levelShift = [4]uint{12, 21, 30, 39}

// Table is a 4-level second-level (EPT/NPT) page table over one
// memory.Region. Root is the guest-physical address of the top-level
// table; every intermediate frame is allocated from the region's
// frame pool.
type Table struct {
	region *memory.Region
	layout Layout
	Root   uint64
}

// New allocates the top-level table frame and returns a Table ready
// for Map/Walk calls.
func New(region *memory.Region, layout Layout) (*Table, error) {
	root, err := region.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("allocate EPT root: %w", err)
	}
	return &Table{region: region, layout: layout, Root: root}, nil
}

func (t *Table) readEntry(tableGPA uint64, index int) (entry, error) {
	buf, err := t.region.HostPointer(tableGPA+uint64(index)*entrySize, entrySize)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return entry(v), nil
}

func (t *Table) writeEntry(tableGPA uint64, index int, e entry) error {
	buf, err := t.region.HostPointer(tableGPA+uint64(index)*entrySize, entrySize)
	if err != nil {
		return err
	}
	v := uint64(e)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v)
		v >>= 8
	}
	return nil
}

func indexFor(gpa uint64, level int) int {
	return int((gpa >> levelShift[level]) & (entriesPerTable - 1))
}

// Map installs a 4KiB leaf mapping from gpa to hpa with the given
// permissions and memory type, allocating any missing intermediate
// tables along the way. gpa and hpa must both be 4KiB aligned.
func (t *Table) Map(gpa, hpa uint64, flags Flags) error {
	if gpa%pageSize != 0 || hpa%pageSize != 0 {
		return fmt.Errorf("Map: gpa 0x%x / hpa 0x%x not 4KiB aligned", gpa, hpa)
	}
	tableGPA := t.Root
	for level := 3; level >= 1; level-- {
		idx := indexFor(gpa, level)
		e, err := t.readEntry(tableGPA, idx)
		if err != nil {
			return err
		}
		if !e.present() {
			childFrame, err := t.region.AllocFrame()
			if err != nil {
				return fmt.Errorf("allocate level-%d table: %w", level, err)
			}
			e = newIntermediate(childFrame)
			if err := t.writeEntry(tableGPA, idx, e); err != nil {
				return err
			}
		}
		if e.leaf(level) {
			return fmt.Errorf("Map: gpa 0x%x already covered by a large page at level %d", gpa, level)
		}
		tableGPA = e.frame()
	}

	idx := indexFor(gpa, 0)
	return t.writeEntry(tableGPA, idx, newLeaf(hpa, flags, t.layout))
}

// Walk translates a guest-physical address, returning the host-physical
// frame and the permissions/memory-type installed for it. ok is false
// if no mapping (at any level) covers gpa.
func (t *Table) Walk(gpa uint64) (hpa uint64, flags Flags, ok bool, err error) {
	tableGPA := t.Root
	for level := 3; level >= 0; level-- {
		idx := indexFor(gpa, level)
		e, rerr := t.readEntry(tableGPA, idx)
		if rerr != nil {
			return 0, Flags{}, false, rerr
		}
		if !e.present() {
			return 0, Flags{}, false, nil
		}
		if e.leaf(level) {
			pageOffset := gpa & (uint64(1)<<levelShift[level] - 1)
			return e.frame() + pageOffset, leafFlags(e, t.layout), true, nil
		}
		tableGPA = e.frame()
	}
	return 0, Flags{}, false, nil
}

// Unmap clears the leaf entry covering gpa, if any. Intermediate
// tables are left allocated (this manager never reclaims page-table
// frames individually, matching memory.Region's allocation policy).
func (t *Table) Unmap(gpa uint64) error {
	tableGPA := t.Root
	for level := 3; level >= 1; level-- {
		idx := indexFor(gpa, level)
		e, err := t.readEntry(tableGPA, idx)
		if err != nil {
			return err
		}
		if !e.present() {
			return nil
		}
		tableGPA = e.frame()
	}
	return t.writeEntry(tableGPA, indexFor(gpa, 0), entry(0))
}
