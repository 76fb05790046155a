package devices

import "encoding/binary"

// LPC bridge PCI configuration-space layout: identity, class code, and
// the two chipset-specific registers this model gives side effects to.
const (
	lpcConfigSize     = 256
	lpcOffsetPMBase   = 0x40
	lpcOffsetACPICtrl = 0x44

	lpcVendorID = 0x8086
	lpcDeviceID = 0x2918

	acpiCntlSCIEnable = 1 << 7
)

// ACPIRetarget receives the LPC bridge's ACPI power-management block
// relocation side effect: enabled mirrors ACPI_CNTL's SCI-enable bit,
// base is the current PMBASE I/O port with its reserved low bit
// masked off.
type ACPIRetarget interface {
	Update(enabled bool, base uint16)
}

// LPCBridge models the PCI-to-ISA bridge every ICH-style chipset
// exposes at bus 0, slot 31, function 0: vendor 0x8086, device 0x2918,
// multi-function, class 6 (bridge device) subclass 1 (ISA bridge). Its
// configuration space is a flat 256-byte buffer; only PMBASE and
// ACPI_CNTL carry behavior beyond plain storage.
type LPCBridge struct {
	config [lpcConfigSize]byte
	acpi   ACPIRetarget
}

// NewLPCBridge returns an LPC bridge with its identity/class registers
// pre-populated and PMBASE at its architectural reset value (0x0001,
// the reserved bit already set).
func NewLPCBridge(acpi ACPIRetarget) *LPCBridge {
	b := &LPCBridge{acpi: acpi}
	binary.LittleEndian.PutUint16(b.config[0x00:], lpcVendorID)
	binary.LittleEndian.PutUint16(b.config[0x02:], lpcDeviceID)
	b.config[0x0A] = 0x01 // subclass: ISA bridge
	b.config[0x0B] = 0x06 // class: bridge device
	b.config[0x0E] = 0x80 // header type: multi-function bit set
	binary.LittleEndian.PutUint16(b.config[lpcOffsetPMBase:], 0x0001)
	return b
}

// ConfigRead satisfies platform.ConfigDevice.
func (b *LPCBridge) ConfigRead(offset uint8, size uint8) uint32 {
	return readConfigLE(b.config[:], offset, size)
}

// ConfigWrite satisfies platform.ConfigDevice. PMBASE always reads
// back with bit 0 set regardless of what the guest wrote, and an
// ACPI_CNTL write is the sole trigger that pushes the current PMBASE
// value out to the ACPI PM block model.
func (b *LPCBridge) ConfigWrite(offset uint8, size uint8, val uint32) {
	writeConfigLE(b.config[:], offset, size, val)

	if int(offset) <= lpcOffsetPMBase && int(offset)+int(size) > lpcOffsetPMBase {
		b.config[lpcOffsetPMBase] |= 0x01
	}
	if int(offset) <= lpcOffsetACPICtrl && int(offset)+int(size) > lpcOffsetACPICtrl {
		b.notifyACPI()
	}
}

func (b *LPCBridge) notifyACPI() {
	if b.acpi == nil {
		return
	}
	enabled := b.config[lpcOffsetACPICtrl]&acpiCntlSCIEnable != 0
	base := binary.LittleEndian.Uint16(b.config[lpcOffsetPMBase:]) &^ 1
	b.acpi.Update(enabled, base)
}

func readConfigLE(buf []byte, offset, size uint8) uint32 {
	end := int(offset) + int(size)
	if end > len(buf) {
		return 0xFFFFFFFF
	}
	var v uint32
	for i := int(size) - 1; i >= 0; i-- {
		v = v<<8 | uint32(buf[int(offset)+i])
	}
	return v
}

func writeConfigLE(buf []byte, offset, size uint8, val uint32) {
	end := int(offset) + int(size)
	if end > len(buf) {
		return
	}
	for i := 0; i < int(size); i++ {
		buf[int(offset)+i] = byte(val)
		val >>= 8
	}
}
