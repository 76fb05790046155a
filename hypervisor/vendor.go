package hypervisor

import "fmt"

// Vendor identifies which flavor of hardware virtualization extension
// the host CPU exposes. The manager is parameterized by vendor the way
// spec.md §3 parameterizes the second-level page entry layout.
type Vendor int

const (
	VendorIntel Vendor = iota
	VendorAMD
)

// detectVendor reads the leaf-0 vendor string out of the host's
// KVM_GET_SUPPORTED_CPUID table rather than executing CPUID directly:
// this keeps the backend free of cgo and inline assembly, matching how
// the rest of this package reaches hardware state exclusively through
// /dev/kvm ioctls.
func detectVendor(entries []kvmCPUIDEntry2) Vendor {
	e, ok := cpuidLookup(entries, 0, 0)
	if !ok {
		return VendorIntel
	}
	// "GenuineIntel" vs "AuthenticAMD" in EBX/EDX/ECX order.
	if e.EBX == 0x756e6547 && e.EDX == 0x49656e69 && e.ECX == 0x6c65746e {
		return VendorIntel
	}
	if e.EBX == 0x68747541 && e.EDX == 0x69746e65 && e.ECX == 0x444d4163 {
		return VendorAMD
	}
	return VendorIntel
}

// vtxCapabilityMSRs are the IA32_VMX_* MSR indices used to compute
// allowed-1/required-1 masks for each Proc-Based/Pin-Based/Exit/Entry
// control field, per spec.md §4.2.
const (
	msrVMXBasic          = 0x480
	msrVMXPinbasedCtls    = 0x481
	msrVMXProcbasedCtls   = 0x482
	msrVMXExitCtls        = 0x483
	msrVMXEntryCtls       = 0x484
	msrVMXProcbasedCtls2  = 0x48B
	msrVMXTrueProcbased2  = 0x48B
	msrVMXCR0Fixed0       = 0x486
	msrVMXCR0Fixed1       = 0x487
	msrVMXCR4Fixed0       = 0x488
	msrVMXCR4Fixed1       = 0x489
)

// svmCapabilityMSRs are the AMD equivalents: a single feature-bits MSR
// plus the NPT enable bit surfaced through CPUID 0x8000000A.
const (
	msrVMCR        = 0xC0010114
	msrSVMHSavePA  = 0xC0010117
)

// requiredProcBased2 lists the Proc-Based VM-Execution Controls (2nd
// set) spec.md §4.2/§6 requires: EPT (bit 1), Unrestricted Guest (bit
// 7), VM-exit on descriptor-table loads (bit 2).
const requiredProcBased2 = (1 << 1) | (1 << 7) | (1 << 2)

// requiredExitCtls: Host Address-Space Size (bit 9), Load/Save
// IA32_PAT (18/19), Load/Save IA32_EFER (20/21).
const requiredExitCtls = (1 << 9) | (1 << 18) | (1 << 19) | (1 << 20) | (1 << 21)

// requiredEntryCtls: Load IA32_PAT (14), Load IA32_EFER (15).
const requiredEntryCtls = (1 << 14) | (1 << 15)

// controlMasks holds the computed allowed-1/required-1 constrained
// value for one VMX control field, or the plain required-bits value
// for the SVM equivalent.
type controlMasks struct {
	pinBased    uint32
	procBased   uint32
	procBased2  uint32
	exitCtls    uint32
	entryCtls   uint32

	cr0Fixed0, cr0Fixed1 uint64
	cr4Fixed0, cr4Fixed1 uint64
}

// applyMSRMask combines a candidate 32-bit control word with the
// allowed-1 (high dword) and required-1 (low dword) halves of a VMX
// true-control capability MSR: result = (candidate | required1) &
// allowed1.
func applyMSRMask(candidate uint32, capMSR uint64) uint32 {
	required1 := uint32(capMSR)
	allowed1 := uint32(capMSR >> 32)
	return (candidate | required1) & allowed1
}

// computeIntelMasks derives the constrained control-field values from
// the host's IA32_VMX_* capability MSRs, failing if a required feature
// bit is not present in the allowed-1 mask, per spec.md §4.2.
func computeIntelMasks(readMSR func(uint32) (uint64, error)) (controlMasks, error) {
	var m controlMasks

	pin, err := readMSR(msrVMXPinbasedCtls)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_PINBASED_CTLS: %w", err)
	}
	m.pinBased = applyMSRMask(0, pin)

	proc, err := readMSR(msrVMXProcbasedCtls)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_PROCBASED_CTLS: %w", err)
	}
	m.procBased = applyMSRMask(0, proc)

	proc2, err := readMSR(msrVMXProcbasedCtls2)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_PROCBASED_CTLS2: %w", err)
	}
	m.procBased2 = applyMSRMask(requiredProcBased2, proc2)
	if m.procBased2&requiredProcBased2 != requiredProcBased2 {
		return m, fmt.Errorf("host lacks required Proc-Based-2 features (EPT/UnrestrictedGuest/DescExit): got 0x%x want 0x%x", m.procBased2, requiredProcBased2)
	}

	exit, err := readMSR(msrVMXExitCtls)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_EXIT_CTLS: %w", err)
	}
	m.exitCtls = applyMSRMask(requiredExitCtls, exit)
	if m.exitCtls&requiredExitCtls != requiredExitCtls {
		return m, fmt.Errorf("host lacks required VM-Exit controls (HostAddrSpaceSize/PAT/EFER): got 0x%x want 0x%x", m.exitCtls, requiredExitCtls)
	}

	entry, err := readMSR(msrVMXEntryCtls)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_ENTRY_CTLS: %w", err)
	}
	m.entryCtls = applyMSRMask(requiredEntryCtls, entry)
	if m.entryCtls&requiredEntryCtls != requiredEntryCtls {
		return m, fmt.Errorf("host lacks required VM-Entry controls (Load PAT/EFER): got 0x%x want 0x%x", m.entryCtls, requiredEntryCtls)
	}

	cr0f0, err := readMSR(msrVMXCR0Fixed0)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_CR0_FIXED0: %w", err)
	}
	cr0f1, err := readMSR(msrVMXCR0Fixed1)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_CR0_FIXED1: %w", err)
	}
	cr4f0, err := readMSR(msrVMXCR4Fixed0)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_CR4_FIXED0: %w", err)
	}
	cr4f1, err := readMSR(msrVMXCR4Fixed1)
	if err != nil {
		return m, fmt.Errorf("read IA32_VMX_CR4_FIXED1: %w", err)
	}
	// Unrestricted Guest (required by requiredProcBased2 above) relaxes
	// PE (bit 0) and PG (bit 31) from the fixed-1 set: a URG-capable
	// vCPU may legitimately reset with both clear, matching spec.md's
	// reset vector (CR0 with PE=0, PG=0).
	const pe = 1 << 0
	const pg = 1 << 31
	cr0f0 &^= pe | pg

	m.cr0Fixed0, m.cr0Fixed1 = cr0f0, cr0f1
	m.cr4Fixed0, m.cr4Fixed1 = cr4f0, cr4f1
	return m, nil
}

// computeAMDMasks derives the AMD-V equivalent: there is no allowed-1
// mask negotiation the way VMX has one, so this only verifies that
// CPUID.8000000A reports NPT and returns masks that force and forbid
// no CR0/CR4 bits.
func computeAMDMasks(entries []kvmCPUIDEntry2) (controlMasks, error) {
	e, ok := cpuidLookup(entries, 0x8000000A, 0)
	if !ok {
		return controlMasks{}, fmt.Errorf("host did not report CPUID.8000000A (SVM revision/feature leaf)")
	}
	const nptBit = 1 << 0
	if e.EDX&nptBit == 0 {
		return controlMasks{}, fmt.Errorf("host lacks NPT (CPUID.8000000A:EDX bit 0)")
	}
	// AMD-V has no CR0/CR4 fixed-bit capability MSRs the way VMX does:
	// SVM natively supports real mode and does not require PE/PG to be
	// pinned, so nothing is forced and nothing is forbidden here.
	return controlMasks{
		cr0Fixed0: 0,
		cr0Fixed1: ^uint64(0),
		cr4Fixed0: 0,
		cr4Fixed1: ^uint64(0),
	}, nil
}

// constrainCR0 applies spec.md §3's invariant: the hardware-effective
// value always includes the bits IA32_VMX_CR0_FIXED0 pins to 1 and
// never includes bits IA32_VMX_CR0_FIXED1 pins to 0.
func constrainCR0(x uint64, m controlMasks) uint64 {
	return (x | m.cr0Fixed0) & m.cr0Fixed1
}

// constrainCR4 is the CR4 equivalent of constrainCR0.
func constrainCR4(x uint64, m controlMasks) uint64 {
	return (x | m.cr4Fixed0) & m.cr4Fixed1
}
