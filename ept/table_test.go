package ept

import (
	"testing"

	"lunavmm/memory"
)

func newTestTable(t *testing.T, layout Layout) (*Table, *memory.Region) {
	t.Helper()
	region, err := memory.NewRegion(4*1024*1024, 1*1024*1024)
	if err != nil {
		t.Fatalf("NewRegion: %v", err)
	}
	t.Cleanup(func() { region.Close() })
	table, err := New(region, layout)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return table, region
}

func TestMapWalkRoundTrip(t *testing.T) {
	table, _ := newTestTable(t, LayoutIntel)

	gpa := uint64(0x200000)
	hpa := uint64(0x400000)
	flags := Flags{Read: true, Write: true, Exec: false, MemType: MemWriteBack}

	if err := table.Map(gpa, hpa, flags); err != nil {
		t.Fatalf("Map: %v", err)
	}

	gotHPA, gotFlags, ok, err := table.Walk(gpa)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if !ok {
		t.Fatalf("Walk(0x%x): mapping not found", gpa)
	}
	if gotHPA != hpa {
		t.Errorf("Walk hpa = 0x%x, want 0x%x", gotHPA, hpa)
	}
	if gotFlags.Read != flags.Read || gotFlags.Write != flags.Write || gotFlags.Exec != flags.Exec {
		t.Errorf("Walk flags = %+v, want %+v", gotFlags, flags)
	}
}

func TestWalkUnmappedIsNotFound(t *testing.T) {
	table, _ := newTestTable(t, LayoutIntel)

	_, _, ok, err := table.Walk(0x123000)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if ok {
		t.Fatalf("Walk on never-mapped gpa returned ok=true")
	}
}

func TestUnmapRemovesTranslation(t *testing.T) {
	table, _ := newTestTable(t, LayoutAMD)

	gpa := uint64(0x300000)
	if err := table.Map(gpa, 0x500000, Flags{Read: true, Write: true, Exec: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := table.Unmap(gpa); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	_, _, ok, err := table.Walk(gpa)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if ok {
		t.Fatalf("Walk after Unmap still reports a mapping")
	}
}

func TestMapWithinPageOffsetPreserved(t *testing.T) {
	table, _ := newTestTable(t, LayoutIntel)

	gpa := uint64(0x10000)
	hpa := uint64(0x20000)
	if err := table.Map(gpa, hpa, Flags{Read: true}); err != nil {
		t.Fatalf("Map: %v", err)
	}

	gotHPA, _, ok, err := table.Walk(gpa + 0x123)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if !ok {
		t.Fatalf("Walk with in-page offset: mapping not found")
	}
	if gotHPA != hpa+0x123 {
		t.Errorf("Walk hpa = 0x%x, want 0x%x", gotHPA, hpa+0x123)
	}
}

func TestAMDMemoryTypeRoundTrip(t *testing.T) {
	table, _ := newTestTable(t, LayoutAMD)

	gpa := uint64(0x100000)
	if err := table.Map(gpa, 0x900000, Flags{Read: true, Write: true, MemType: MemUncacheable}); err != nil {
		t.Fatalf("Map: %v", err)
	}
	_, flags, ok, err := table.Walk(gpa)
	if err != nil || !ok {
		t.Fatalf("Walk: ok=%v err=%v", ok, err)
	}
	if flags.MemType != MemUncacheable {
		t.Errorf("MemType = %v, want MemUncacheable", flags.MemType)
	}
}
