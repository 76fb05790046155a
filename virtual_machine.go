package lunavmm

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"lunavmm/devices"
	"lunavmm/ept"
	"lunavmm/hypervisor"
	"lunavmm/memory"
	"lunavmm/network"
	"lunavmm/platform"
	"lunavmm/policy"
)

// Flat 32-bit GDT layout this VMM's protected-mode bring-up installs:
// a null descriptor followed by one code and one data segment, both
// spanning the full 4GiB linear space at ring 0.
const (
	gdtSelectorCode = 0x08
	gdtSelectorData = 0x10

	gdtAccessCode32 = 0x9A // present, ring 0, code, execute/read
	gdtAccessData32 = 0x92 // present, ring 0, data, read/write
	gdtFlags32Bit   = 0xC0 // G=1 (4KiB granularity), D/B=1 (32-bit)

	pageDirEntryPresent  = 1 << 0
	pageDirEntryWritable = 1 << 1
	pageDirEntryPageSize = 1 << 7 // PS: this entry maps a 4MiB page directly
)

// pciECAMBase and pciECAMBuses size a small ECAM window for guests
// that discover PCI via ACPI's MCFG table instead of 0xCF8/0xCFC; one
// bus is more than this VMM's single-function LPC bridge needs.
const (
	pciECAMBase  = 0xF0000000
	pciECAMBuses = 1
)

// VirtualMachine owns one KVM VM's memory, second-level page table,
// device dispatch fabric, and vCPUs.
type VirtualMachine struct {
	Config

	kvmFD int
	vmFD  int

	memRegion *memory.Region
	ept       *ept.Table

	vendor hypervisor.Vendor
	masks  hypervisor.ControlMasks

	cpuidLeaves *policy.Leaves

	portBus *platform.PortBus
	mmioBus *platform.MMIOBus
	pciHost *platform.PCIHost

	pic *devices.PICDevice
	lpc *devices.LPCBridge

	tap *network.TapDevice

	vcpus []*Vcpu

	stopChan chan struct{}
}

// NewVirtualMachine opens /dev/kvm, allocates guest memory, builds the
// identity-mapped second-level page table over it, and constructs the
// platform devices and vCPUs cfg calls for.
func NewVirtualMachine(cfg Config) (*VirtualMachine, error) {
	cfg = cfg.withDefaults()

	kvmFD, err := hypervisor.OpenKVM()
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}
	vmFD, err := hypervisor.CreateVM(kvmFD)
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}

	vm := &VirtualMachine{
		Config:       cfg,
		kvmFD:        kvmFD,
		vmFD:         vmFD,
		portBus:  platform.NewPortBus(),
		mmioBus:  platform.NewMMIOBus(),
		pciHost:  platform.NewPCIHost(),
		stopChan: make(chan struct{}),
	}

	if err := vm.setupMemory(); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.setupCPUIDAndVendor(); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.setupEPT(); err != nil {
		vm.Close()
		return nil, err
	}
	if err := vm.setupRealModeAssist(); err != nil {
		vm.Close()
		return nil, err
	}
	vm.setupDevices()
	if cfg.AttachNetworkDevice {
		if err := vm.setupNetworkDevice(); err != nil {
			vm.Close()
			return nil, err
		}
	}

	for i := 0; i < cfg.NumVCPUs; i++ {
		backend, err := hypervisor.NewKVMBackend(vmFD, kvmFD, vm.vendor, vm.masks)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("create vcpu %d backend: %w", i, err)
		}
		vcpu, err := NewVcpu(vm, i, backend, i == 0)
		if err != nil {
			backend.Close()
			vm.Close()
			return nil, fmt.Errorf("create vcpu %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	if cfg.Debug {
		log.Printf("virtual machine: %d vCPU(s), %d MiB guest RAM, vendor=%v", cfg.NumVCPUs, cfg.MemoryBytes/(1024*1024), vm.vendor)
	}
	return vm, nil
}

// setupMemory allocates the guest RAM region and installs it as slot 0
// of the KVM address space.
func (vm *VirtualMachine) setupMemory() error {
	region, err := memory.NewRegion(vm.MemoryBytes, vm.FramePoolBytes)
	if err != nil {
		return fmt.Errorf("allocate guest memory: %w", err)
	}
	vm.memRegion = region
	if err := hypervisor.SetUserMemoryRegion(vm.vmFD, 0, 0, vm.MemoryBytes, uint64(uintptr(unsafe.Pointer(&region.Bytes[0])))); err != nil {
		return fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	return nil
}

// setupCPUIDAndVendor fetches the host's supported CPUID leaf table
// once, uses it to classify the host as Intel or AMD, and builds the
// policy package's leaf table used at every vCPU's reset.
func (vm *VirtualMachine) setupCPUIDAndVendor() error {
	entries, err := hypervisor.GetSupportedCPUID(vm.kvmFD)
	if err != nil {
		return fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	vm.vendor = hypervisor.DetectVendor(entries)
	exported := hypervisor.ExportCPUIDEntries(entries)
	vm.cpuidLeaves = policy.New(exported)

	switch vm.vendor {
	case hypervisor.VendorAMD:
		masks, err := hypervisor.ComputeAMDMasks(entries)
		if err != nil {
			return fmt.Errorf("compute AMD control masks: %w", err)
		}
		vm.masks = masks
	default:
		// Intel's CR0/CR4 fixed-bit masks live behind IA32_VMX_* capability
		// MSRs, which are only readable through a live vCPU fd. Stand one
		// up just long enough to read them, then discard it; every real
		// vCPU gets its own backend afterward with the masks already
		// resolved.
		probe, err := hypervisor.NewKVMBackend(vm.vmFD, vm.kvmFD, vm.vendor, hypervisor.ControlMasks{})
		if err != nil {
			return fmt.Errorf("create mask-probe vcpu: %w", err)
		}
		defer probe.Close()
		masks, err := probe.ComputeIntelMasks()
		if err != nil {
			return fmt.Errorf("compute Intel control masks: %w", err)
		}
		vm.masks = masks
	}
	return nil
}

// setupEPT builds the second-level page table and identity-maps every
// 4KiB frame of the region, RAM and frame pool alike: the frame pool
// holds the TSS/identity-map assist pages and any guest page
// directory/GDT this VMM builds into it, and a vCPU's own hardware
// page-table walker resolves those guest-physical addresses through
// EPT/NPT just like any other guest memory access, so leaving them
// unmapped would fault the moment the guest (or VT-x's real-mode
// assist) actually walks them.
func (vm *VirtualMachine) setupEPT() error {
	layout := ept.LayoutIntel
	if vm.vendor == hypervisor.VendorAMD {
		layout = ept.LayoutAMD
	}
	table, err := ept.New(vm.memRegion, layout)
	if err != nil {
		return fmt.Errorf("allocate EPT/NPT root: %w", err)
	}
	vm.ept = table

	ramPages := (vm.MemoryBytes - vm.FramePoolBytes) / 4096
	totalPages := vm.MemoryBytes / 4096
	for i := uint64(0); i < totalPages; i++ {
		gpa := i * 4096
		flags := ept.Flags{Read: true, Write: true, Exec: true, MemType: ept.MemWriteBack}
		if i >= ramPages {
			flags.Exec = false // frame pool: page tables and TSS/GDT data, never code
		}
		if err := table.Map(gpa, gpa, flags); err != nil {
			return fmt.Errorf("identity-map gpa 0x%x: %w", gpa, err)
		}
	}
	return nil
}

// setupRealModeAssist reserves the small guest-physical windows Intel
// VT-x needs to emulate real mode under EPT: a 3-page private TSS and
// a 1-page identity-mapped page table, carved out of the page-table
// frame pool rather than the RAM the guest itself sees.
func (vm *VirtualMachine) setupRealModeAssist() error {
	if vm.vendor != hypervisor.VendorIntel {
		return nil
	}
	tssBase, err := vm.memRegion.AllocFrame()
	if err != nil {
		return fmt.Errorf("reserve TSS frame: %w", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := vm.memRegion.AllocFrame(); err != nil {
			return fmt.Errorf("reserve TSS frame %d: %w", i+1, err)
		}
	}
	if err := hypervisor.SetTSSAddr(vm.vmFD, tssBase); err != nil {
		return fmt.Errorf("KVM_SET_TSS_ADDR: %w", err)
	}
	identityBase, err := vm.memRegion.AllocFrame()
	if err != nil {
		return fmt.Errorf("reserve identity-map frame: %w", err)
	}
	if err := hypervisor.SetIdentityMapAddr(vm.vmFD, identityBase); err != nil {
		return fmt.Errorf("KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	return nil
}

// buildFlatGDT writes a 3-entry GDT (null, flat 32-bit code, flat
// 32-bit data) into guest memory at base, returning the DTable value a
// vCPU's GDTR should be loaded with to reference it. Used by
// EnterProtectedModeWithPaging's cold-boot bring-up path.
func (vm *VirtualMachine) buildFlatGDT(base uint64) (hypervisor.DTable, error) {
	entries := [3]hypervisor.GDTEntry{
		{},
		hypervisor.NewGDTEntry(0, 0xFFFFF, gdtAccessCode32, gdtFlags32Bit),
		hypervisor.NewGDTEntry(0, 0xFFFFF, gdtAccessData32, gdtFlags32Bit),
	}
	dst, err := vm.memRegion.HostPointer(base, len(entries)*8)
	if err != nil {
		return hypervisor.DTable{}, fmt.Errorf("write GDT: %w", err)
	}
	for i, e := range entries {
		b := e.Bytes()
		copy(dst[i*8:], b[:])
	}
	return hypervisor.DTable{Base: base, Limit: uint16(len(entries)*8 - 1)}, nil
}

// buildIdentityPageDirectory writes a 32-bit, non-PAE page directory
// using PSE 4MiB pages into guest memory at base, identity-mapping the
// first pages*4MiB of guest-physical memory 1:1 onto itself.
func (vm *VirtualMachine) buildIdentityPageDirectory(base uint64, pages int) error {
	dst, err := vm.memRegion.HostPointer(base, pages*4)
	if err != nil {
		return fmt.Errorf("write page directory: %w", err)
	}
	for i := 0; i < pages; i++ {
		entry := uint32(i)<<22 | pageDirEntryPageSize | pageDirEntryWritable | pageDirEntryPresent
		binary.LittleEndian.PutUint32(dst[i*4:], entry)
	}
	return nil
}

// EnterProtectedModeWithPaging is the cold-boot GDT/paging bring-up
// path this VMM offers as an alternative to booting a vCPU straight
// from the real-mode reset vector: it builds a flat 3-entry GDT and an
// identity-mapped page directory out of the frame pool, then
// reprograms vcpuIndex to fetch its next instruction at entryEIP in
// 32-bit flat protected mode with paging already enabled. Call this
// before Run, in place of relying on the architectural reset state.
func (vm *VirtualMachine) EnterProtectedModeWithPaging(vcpuIndex int, entryEIP uint32, identityMapMiB int) error {
	if vcpuIndex < 0 || vcpuIndex >= len(vm.vcpus) {
		return fmt.Errorf("enter protected mode: vcpu index %d out of range", vcpuIndex)
	}
	gdtBase, err := vm.memRegion.AllocFrame()
	if err != nil {
		return fmt.Errorf("reserve GDT frame: %w", err)
	}
	gdt, err := vm.buildFlatGDT(gdtBase)
	if err != nil {
		return err
	}

	pdBase, err := vm.memRegion.AllocFrame()
	if err != nil {
		return fmt.Errorf("reserve page directory frame: %w", err)
	}
	pages := (identityMapMiB + 3) / 4
	if err := vm.buildIdentityPageDirectory(pdBase, pages); err != nil {
		return err
	}

	return vm.vcpus[vcpuIndex].enterProtectedModeWithPaging(gdt, uint32(pdBase), entryEIP)
}

// setupDevices wires the legacy platform devices onto the port bus and
// the PCI configuration host onto both the legacy ports and the ECAM
// MMIO window.
func (vm *VirtualMachine) setupDevices() {
	if !vm.AttachLegacyDevices {
		return
	}

	pic := devices.NewPICDevice()
	pit := devices.NewPITDevice(pic)
	serial := devices.NewSerialPortDevice(os.Stdout, pic)
	rtc := devices.NewRTCDevice(pic)
	keyboard := devices.NewKeyboardDevice()
	acpi := devices.NewACPIPMBlock()
	lpc := devices.NewLPCBridge(acpi)

	vm.pic = pic
	vm.lpc = lpc

	registerPort := func(start, end uint16, dev platform.PortDevice) {
		if err := vm.portBus.Register(start, end, dev); err != nil {
			log.Printf("virtual machine: %v", err)
		}
	}
	// Split across the two 8259 controllers individually: they are not
	// contiguous (0x22-0x9F lies between them and holds other devices'
	// ports), so registering them as one wide range would claim ports
	// that are not the PIC's.
	registerPort(devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, pic)
	registerPort(devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, pic)
	registerPort(devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COMMAND, pit)
	registerPort(devices.PIT_PORT_STATUS, devices.PIT_PORT_STATUS, pit)
	registerPort(devices.COM1_PORT_BASE, devices.COM1_PORT_END, serial)
	registerPort(devices.RTC_PORT_INDEX, devices.RTC_PORT_DATA, rtc)
	registerPort(devices.KEYBOARD_PORT_DATA, devices.KEYBOARD_PORT_DATA, keyboard)
	registerPort(devices.KEYBOARD_PORT_STATUS, devices.KEYBOARD_PORT_STATUS, keyboard)
	registerPort(0xCF8, 0xCFF, vm.pciHost)

	vm.pciHost.Register(platform.DeviceID{Bus: 0, Slot: 31, Func: 0}, lpc)
	if err := vm.pciHost.RegisterMMCONFIG(vm.mmioBus, pciECAMBase, pciECAMBuses); err != nil {
		log.Printf("virtual machine: register ECAM window: %v", err)
	}
}

// setupNetworkDevice attaches an NE2000 NIC backed by a host TAP
// interface, only meaningful once setupDevices has run.
func (vm *VirtualMachine) setupNetworkDevice() error {
	if vm.pic == nil {
		return fmt.Errorf("network device requires AttachLegacyDevices for interrupt routing")
	}
	name := vm.TapName
	if name == "" {
		name = "tap0"
	}
	tap, err := network.NewTapDevice(name)
	if err != nil {
		return fmt.Errorf("create TAP device %s: %w", name, err)
	}
	vm.tap = tap

	mac := [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	ne2000 := devices.NewNE2000Device(mac, tap, vm.pic)
	if err := vm.portBus.Register(devices.NE2000_BASE_PORT, devices.NE2000_BASE_PORT+devices.NE2000_PORT_RANGE_SIZE-1, ne2000); err != nil {
		return fmt.Errorf("register NE2000: %w", err)
	}
	return nil
}

// LoadBinary copies image into guest memory at address, for loading a
// bootloader or kernel image before Run.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	dst, err := vm.memRegion.HostPointer(address, len(image))
	if err != nil {
		return fmt.Errorf("load binary at 0x%x: %w", address, err)
	}
	copy(dst, image)
	if vm.Debug {
		log.Printf("virtual machine: loaded %d bytes at 0x%x", len(image), address)
	}
	return nil
}

// Run starts every vCPU's run loop and blocks until they have all
// returned, either because the guest halted or Stop was called. It
// returns the first vCPU error encountered, if any; the rest are logged
// since a single vCPU fault doesn't by itself stop its siblings (Stop
// does that).
func (vm *VirtualMachine) Run() error {
	var g errgroup.Group
	for _, vcpu := range vm.vcpus {
		vcpu := vcpu
		g.Go(func() error {
			if err := vcpu.Run(); err != nil {
				log.Printf("vcpu %d exited with error: %v", vcpu.id, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop signals every vCPU's run loop to return at its next iteration.
func (vm *VirtualMachine) Stop() {
	select {
	case <-vm.stopChan:
	default:
		close(vm.stopChan)
	}
}

// Close tears down every resource the VM holds: vCPUs, guest memory,
// the TAP device if attached, and the KVM VM/module file descriptors.
func (vm *VirtualMachine) Close() {
	vm.Stop()
	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close()
		}
	}
	if vm.memRegion != nil {
		vm.memRegion.Close()
		vm.memRegion = nil
	}
	if vm.tap != nil {
		vm.tap.Close()
		vm.tap = nil
	}
	if vm.vmFD != 0 {
		unix.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		unix.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
}

// deliverPendingInterrupts routes a pending legacy 8259 IRQ into vCPU
// 0, the only vCPU wired to the PIC's INTR line in this single-APIC-
// aware, single-PIC-consumer model.
func (vm *VirtualMachine) deliverPendingInterrupts() {
	if vm.pic == nil || !vm.pic.HasPendingInterrupts() {
		return
	}
	vector := vm.pic.GetInterruptVector()
	if vector == 0 {
		return
	}
	if err := vm.vcpus[0].InjectInterrupt(vector); err != nil {
		log.Printf("virtual machine: inject interrupt vector 0x%x: %v", vector, err)
	}
}
