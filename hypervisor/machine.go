package hypervisor

import "fmt"

// OpenKVM opens /dev/kvm and validates the API version, the first step
// any VM in this module takes before KVM_CREATE_VM.
func OpenKVM() (int, error) { return openKVM() }

// CreateVM issues KVM_CREATE_VM against an already-opened KVM handle.
func CreateVM(kvmFD int) (int, error) { return createVM(kvmFD) }

// SetUserMemoryRegion installs one guest-physical-to-userspace-address
// mapping, the mechanism by which guest RAM backing is shared with KVM.
func SetUserMemoryRegion(vmFD int, slot uint32, gpa, size, userAddr uint64) error {
	return setUserMemoryRegion(vmFD, slot, gpa, size, userAddr)
}

// SetTSSAddr and SetIdentityMapAddr reserve the small guest-physical
// regions Intel VT-x needs for unrestricted-guest real-mode emulation
// (the private TSS) and for the identity-mapped page tables VT-x uses
// while the guest runs with paging disabled.
func SetTSSAddr(vmFD int, addr uint64) error          { return setTSSAddr(vmFD, addr) }
func SetIdentityMapAddr(vmFD int, addr uint64) error  { return setIdentityMapAddr(vmFD, addr) }

// GetSupportedCPUID fetches the host's leaf table once per VM; the
// caller shares the result across vendor detection, mask computation,
// and the policy package's CPUID passthrough defaults.
func GetSupportedCPUID(kvmFD int) ([]kvmCPUIDEntry2, error) { return getSupportedCPUID(kvmFD) }

// CPUIDEntry2 is the exported form of a supported-CPUID leaf, safe to
// hand to the policy package without exposing internal KVM layout
// types.
type CPUIDEntry2 struct {
	Function, Index, Flags uint32
	EAX, EBX, ECX, EDX     uint32
}

// ExportCPUIDEntries converts the internal leaf table to the public
// representation the policy package consumes.
func ExportCPUIDEntries(entries []kvmCPUIDEntry2) []CPUIDEntry2 {
	out := make([]CPUIDEntry2, len(entries))
	for i, e := range entries {
		out[i] = CPUIDEntry2{
			Function: e.Function, Index: e.Index, Flags: e.Flags,
			EAX: e.EAX, EBX: e.EBX, ECX: e.ECX, EDX: e.EDX,
		}
	}
	return out
}

// DetectVendor classifies the host CPU from its leaf-0 vendor string.
func DetectVendor(entries []kvmCPUIDEntry2) Vendor { return detectVendor(entries) }

// ControlMasks is the exported alias for the vendor mask set VMs must
// thread through every backend's SetRegs call.
type ControlMasks = controlMasks

// ComputeIntelMasks derives Intel's constrained control-field values.
// It requires a live vCPU (readMSR reads IA32_VMX_* capability MSRs,
// which are only exposed through KVM_GET_MSRS on a vCPU fd).
func (b *KVMBackend) ComputeIntelMasks() (ControlMasks, error) {
	return computeIntelMasks(b.readMSR)
}

// ComputeAMDMasks derives AMD-V's mask set, which needs only the host
// CPUID leaf table (no capability MSRs exist on this vendor).
func ComputeAMDMasks(entries []kvmCPUIDEntry2) (ControlMasks, error) {
	return computeAMDMasks(entries)
}

// SetMasks installs a vendor mask set computed by the caller (usually
// derived once from vCPU 0 and shared with every subsequent backend).
func (b *KVMBackend) SetMasks(m ControlMasks) { b.masks = m }

// Vendor reports which mask set this backend is constrained by.
func (b *KVMBackend) Vendor() Vendor { return b.vendor }

// SetVendor overrides the vendor tag after construction, used once
// detection completes (NewKVMBackend is called before the CPUID table
// is available for the very first vCPU of a VM).
func (b *KVMBackend) SetVendor(v Vendor) { b.vendor = v }

// FD exposes the raw vCPU file descriptor for callers that need to
// read the mmaped kvm_run page directly rather than through the Backend
// interface.
func (b *KVMBackend) FD() int { return b.fd }

// checkKVMExtension reports whether the host KVM module advertises a
// given capability, used by callers deciding whether to request an
// in-kernel IRQ chip or split-IRQ chip model.
func checkKVMExtension(kvmFD int, ext uintptr) (int, error) {
	r, err := ioctl(kvmFD, kvmCheckExtension, ext)
	if err != nil {
		return 0, fmt.Errorf("KVM_CHECK_EXTENSION(%d): %w", ext, err)
	}
	return int(r), nil
}

// CheckExtension is the exported form of checkKVMExtension.
func CheckExtension(kvmFD int, ext uintptr) (int, error) { return checkKVMExtension(kvmFD, ext) }
