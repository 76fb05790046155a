package lunavmm

// Config describes the shape of a VirtualMachine before construction:
// how much guest RAM to back, how many vCPUs to schedule, and which
// optional platform devices to attach. Callers that only need the
// bare CPU/memory/EPT core (e.g. vCPU unit tests using a fake backend)
// can leave the device toggles at their zero value.
type Config struct {
	// MemoryBytes is the size of the guest-physical address space.
	// Must be larger than the second-level page-table frame pool
	// (FramePoolBytes) reserved out of it.
	MemoryBytes uint64

	// FramePoolBytes is carved out of the top of MemoryBytes for EPT/NPT
	// intermediate and leaf table frames.
	FramePoolBytes uint64

	// NumVCPUs is the number of virtual CPUs to create; vCPU 0 is
	// always the bootstrap processor.
	NumVCPUs int

	// Debug enables verbose per-exit logging on the VM and its vCPUs.
	Debug bool

	// AttachLegacyDevices wires up the PIC/PIT/RTC/serial/keyboard/PCI
	// LPC bridge platform devices a real PC-compatible guest expects.
	// Off by default so a minimal vCPU test doesn't need a fully
	// populated PortBus/MMIOBus.
	AttachLegacyDevices bool

	// AttachNetworkDevice additionally wires an NE2000 NIC backed by a
	// host TAP interface named TapName. It requires AttachLegacyDevices:
	// NewVirtualMachine returns an error if this is set without it.
	AttachNetworkDevice bool
	TapName             string
}

const (
	defaultMemoryBytes    = 128 * 1024 * 1024
	defaultFramePoolBytes = 8 * 1024 * 1024
	defaultNumVCPUs       = 1
)

// withDefaults fills in zero-valued fields with the module's defaults,
// the same 128MiB/1-vCPU baseline the teacher's original constructor
// hardcoded before Config existed.
func (c Config) withDefaults() Config {
	if c.MemoryBytes == 0 {
		c.MemoryBytes = defaultMemoryBytes
	}
	if c.FramePoolBytes == 0 {
		c.FramePoolBytes = defaultFramePoolBytes
	}
	if c.NumVCPUs == 0 {
		c.NumVCPUs = defaultNumVCPUs
	}
	return c
}
