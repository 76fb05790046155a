package hypervisor

// GDTEntry represents a single 8-byte legacy GDT descriptor. The
// layout must match what the processor expects:
// LimitLow:    Bits 0-15 of the segment limit.
// BaseLow:     Bits 0-15 of the segment base address.
// BaseMid:     Bits 16-23 of the segment base address.
// AccessByte:  Type (4 bits), S (1 bit), DPL (2 bits), P (1 bit).
// LimitHigh:   Bits 16-19 of segment limit (lower 4 bits of this field).
//              Flags (AVL, L, D/B, G) (upper 4 bits of this field).
// BaseHigh:    Bits 24-31 of the segment base address.
type GDTEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8
	BaseHigh   uint8
}

// NewGDTEntry creates a GDT descriptor.
// 'base' is the 32-bit linear base address of the segment.
// 'limit' is the 20-bit segment limit.
// 'access' is the 8-bit access byte.
// 'flags' are the upper 4 bits of the byte containing LimitHigh (G, D/B, L, AVL bits).
func NewGDTEntry(base uint32, limit uint32, access uint8, flags uint8) GDTEntry {
	entry := GDTEntry{}
	entry.BaseLow = uint16(base & 0xFFFF)
	entry.BaseMid = uint8((base >> 16) & 0xFF)
	entry.BaseHigh = uint8((base >> 24) & 0xFF)

	entry.LimitLow = uint16(limit & 0xFFFF)
	entry.LimitHigh = uint8((limit>>16)&0x0F) | (flags & 0xF0)

	entry.AccessByte = access
	return entry
}

// Bytes returns the entry's 8-byte little-endian on-wire encoding, the
// form a real GDTR-referenced table stores it in. Callers write this
// directly into guest memory rather than relying on Go's struct
// layout, since nothing guarantees GDTEntry's in-memory field order
// matches x86's packed descriptor bytes.
func (e GDTEntry) Bytes() [8]byte {
	return [8]byte{
		byte(e.LimitLow), byte(e.LimitLow >> 8),
		byte(e.BaseLow), byte(e.BaseLow >> 8),
		e.BaseMid,
		e.AccessByte,
		e.LimitHigh,
		e.BaseHigh,
	}
}
