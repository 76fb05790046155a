package platform

import "encoding/binary"

// DeviceID identifies a PCI function by its position on the
// conventional bus/device/function topology.
type DeviceID struct {
	Bus, Slot, Func uint8
}

// ConfigDevice is a PCI function's configuration-space backing store.
// Devices with side-effecting registers (BAR reprogramming, an LPC
// bridge's PMBASE/ACPI_CNTL) implement their own read/write logic
// instead of a bare byte array.
type ConfigDevice interface {
	ConfigRead(offset uint8, size uint8) uint32
	ConfigWrite(offset uint8, size uint8, val uint32)
}

// PCIHost implements the legacy 0xCF8/0xCFC configuration-address and
// configuration-data port mechanism, dispatching to registered
// ConfigDevice functions by bus/device/function address.
type PCIHost struct {
	devices map[DeviceID]ConfigDevice
	address uint32 // last value written to 0xCF8
}

// NewPCIHost returns a PCI host with no functions registered.
func NewPCIHost() *PCIHost {
	return &PCIHost{devices: make(map[DeviceID]ConfigDevice)}
}

// Register attaches a function at the given bus/device/function
// address. A later call for the same DeviceID overwrites, since PCI
// topology is assigned once at VM construction and never contested at
// runtime the way port/MMIO ranges are.
func (h *PCIHost) Register(id DeviceID, dev ConfigDevice) {
	h.devices[id] = dev
}

// PioWrite handles a write to 0xCF8 (address) or 0xCFC (data), the
// two ports the legacy PCI configuration mechanism uses.
func (h *PCIHost) PioWrite(port uint16, size uint8, val uint32) error {
	switch port {
	case 0xCF8:
		h.address = val
	case 0xCFC, 0xCFD, 0xCFE, 0xCFF:
		id, offset, ok := h.decodeAddress(port)
		if !ok {
			return nil
		}
		if dev, ok := h.devices[id]; ok {
			dev.ConfigWrite(offset, size, val)
		}
	}
	return nil
}

// PioRead handles a read from 0xCF8 or 0xCFC.
func (h *PCIHost) PioRead(port uint16, size uint8) (uint32, error) {
	switch port {
	case 0xCF8:
		return h.address, nil
	case 0xCFC, 0xCFD, 0xCFE, 0xCFF:
		id, offset, ok := h.decodeAddress(port)
		if !ok {
			return 0xFFFFFFFF, nil
		}
		dev, ok := h.devices[id]
		if !ok {
			return 0xFFFFFFFF, nil
		}
		return dev.ConfigRead(offset, size), nil
	}
	return 0xFFFFFFFF, nil
}

// decodeAddress unpacks the CONFIG_ADDRESS register (bit 31 enable,
// bits 23-16 bus, 15-11 device, 10-8 function, 7-0 register) and folds
// in the byte lane implied by which of 0xCFC-0xCFF was accessed.
func (h *PCIHost) decodeAddress(port uint16) (DeviceID, uint8, bool) {
	if h.address&(1<<31) == 0 {
		return DeviceID{}, 0, false
	}
	bus := uint8(h.address >> 16)
	slot := uint8(h.address>>11) & 0x1F
	fn := uint8(h.address>>8) & 0x7
	reg := uint8(h.address) & 0xFC
	lane := uint8(port - 0xCFC)
	return DeviceID{Bus: bus, Slot: slot, Func: fn}, reg + lane, true
}

// MMConfigRead/MMConfigWrite implement the ECAM (memory-mapped
// configuration) mechanism as an MMIODevice, for platforms that
// register PCIHost on the MMIO bus at its ECAM base instead of relying
// solely on the legacy 0xCF8/0xCFC ports. Each 4KiB page maps one
// function's 4KiB extended configuration space; bus/device/function
// come from the page's position within the ECAM window, so the caller
// passes the pre-decoded id/offset already resolved from addr.
func (h *PCIHost) MMConfigRead(id DeviceID, offset uint16, data []byte) {
	dev, ok := h.devices[id]
	if !ok {
		for i := range data {
			data[i] = 0xFF
		}
		return
	}
	v := dev.ConfigRead(uint8(offset), uint8(len(data)))
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	copy(data, buf[:len(data)])
}

func (h *PCIHost) MMConfigWrite(id DeviceID, offset uint16, data []byte) {
	dev, ok := h.devices[id]
	if !ok {
		return
	}
	buf := make([]byte, 4)
	copy(buf, data)
	dev.ConfigWrite(uint8(offset), uint8(len(data)), binary.LittleEndian.Uint32(buf))
}

// ecamWindow adapts PCIHost's per-function ECAM accessors to the
// MMIODevice interface for one fixed base address, decoding bus/slot/
// function/offset from the address's position within the window the
// way the PCI Express Enhanced Configuration Access Mechanism lays
// its 4KiB-per-function pages out.
type ecamWindow struct {
	host *PCIHost
	base uint64
}

// RegisterMMCONFIG claims an MMIO window of busCount buses' worth of
// ECAM space starting at base and routes it to this host's registered
// functions, the memory-mapped alternative to 0xCF8/0xCFC a guest with
// ACPI MCFG table support will use instead.
func (h *PCIHost) RegisterMMCONFIG(bus *MMIOBus, base uint64, busCount int) error {
	const bytesPerBus = 32 * 8 * 0x1000 // 32 slots * 8 functions * 4KiB config space
	size := uint64(busCount) * bytesPerBus
	return bus.Register(base, base+size-1, &ecamWindow{host: h, base: base})
}

func (w *ecamWindow) decode(addr uint64) (DeviceID, uint16) {
	rel := addr - w.base
	fn := uint8((rel >> 12) & 0x7)
	slot := uint8((rel >> 15) & 0x1F)
	bus := uint8((rel >> 20) & 0xFF)
	return DeviceID{Bus: bus, Slot: slot, Func: fn}, uint16(rel & 0xFFF)
}

func (w *ecamWindow) MMIORead(addr uint64, data []byte) error {
	id, offset := w.decode(addr)
	w.host.MMConfigRead(id, offset, data)
	return nil
}

func (w *ecamWindow) MMIOWrite(addr uint64, data []byte) error {
	id, offset := w.decode(addr)
	w.host.MMConfigWrite(id, offset, data)
	return nil
}
