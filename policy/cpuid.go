// Package policy implements the guest-visible CPUID/MSR/MTRR surface:
// the leaf and register table that decides what a guest sees when it
// probes the virtual platform, independent of what the host CPU
// itself reports. It is deliberately conservative — anything not
// named here either passes through the host's value unmodified or is
// suppressed, matching how a hypervisor curates its guest-visible
// feature set rather than exposing the full host leaf table.
package policy

import "lunavmm/hypervisor"

// hypervisorSignature is the identifying string this VMM reports at
// leaf 0x40000000, analogous to "KVMKVMKVM" or "VMwareVMware": four
// ASCII bytes repeated across EBX/ECX/EDX, little-endian encoded.
const hypervisorSignature = 0x616E754C // "Luna" packed little-endian

const (
	leafFeatureInfo       = 0x00000001
	leafStructuredExtFeat = 0x00000007
	leafHypervisorBase    = 0x40000000
	leafExtFeatureInfo    = 0x80000001
	leafExtAddressSize    = 0x80000008

	// CPUID.1:ECX bit 31 is unused by real hardware and is the
	// conventional hypervisor-present flag guests probe for.
	bitHypervisorPresent = 1 << 31
	bitOSXSAVE            = 1 << 27
	bitFXSR               = 1 << 24 // CPUID.1:EDX

	cr4BitOSXSAVE = 1 << 18
)

// Leaves is the entry point the vCPU's CPUID exit handler calls. It
// consults the host's supported-CPUID table for the default value and
// then applies the guest-visible overrides this policy defines.
type Leaves struct {
	hostEntries []hypervisor.CPUIDEntry2
}

// New builds a CPUID policy over the host's supported-leaf table,
// fetched once per VM via hypervisor.GetSupportedCPUID.
func New(hostEntries []hypervisor.CPUIDEntry2) *Leaves {
	return &Leaves{hostEntries: hostEntries}
}

// Query returns the guest-visible EAX/EBX/ECX/EDX for a CPUID
// function/index, given the guest's current CR4 (needed to gate the
// OSXSAVE bit, which CPUID.1:ECX must mirror rather than report the
// host's own OS state).
func (l *Leaves) Query(function, index uint32, cr4 uint64) (eax, ebx, ecx, edx uint32) {
	eax, ebx, ecx, edx = l.hostDefault(function, index)

	switch function {
	case leafFeatureInfo:
		ecx |= bitHypervisorPresent
		if cr4&cr4BitOSXSAVE != 0 {
			ecx |= bitOSXSAVE
		} else {
			ecx &^= bitOSXSAVE
		}
		edx |= bitFXSR

	case leafHypervisorBase:
		eax = leafHypervisorBase + 1 // highest hypervisor leaf implemented
		ebx, ecx, edx = hypervisorSignature, hypervisorSignature, hypervisorSignature

	case leafHypervisorBase + 1:
		// Interface leaf: report a private, non-KVM interface ID so
		// guests don't assume KVM para-virtualized MSRs are present.
		eax, ebx, ecx, edx = 0, 0, 0, 0

	case leafExtFeatureInfo:
		// Pass EDX through unmodified (NX, LM, SYSCALL) but this VMM
		// does not model AMD-specific SVM feature bits on the guest
		// side regardless of host vendor, since the guest only ever
		// sees this backend's normalized architecture.
		ecx &^= 1 << 2 // SVM bit: never expose nested virtualization

	case leafExtAddressSize:
		// ECX reports core/thread topology hints on some hosts; a
		// single emulated socket does not want to leak host topology.
		ecx = 0

	case leafStructuredExtFeat:
		if index != 0 {
			eax, ebx, ecx, edx = 0, 0, 0, 0
		}
	}
	return
}

// BuildTable materializes the full guest-visible CPUID leaf table for
// installation via the backend's CPUID2 ioctl. Real hardware answers
// CPUID entirely from this table with no per-access exit, so the vCPU
// reset path calls this once, from the reset CR4, rather than
// intercepting CPUID live. The table is not rebuilt on later CR4
// writes, so its OSXSAVE bit reflects the reset CR4 only.
func (l *Leaves) BuildTable(cr4 uint64) []hypervisor.CPUIDEntry2 {
	synthesized := map[uint32]bool{leafHypervisorBase: true, leafHypervisorBase + 1: true}
	out := make([]hypervisor.CPUIDEntry2, 0, len(l.hostEntries)+2)
	for _, e := range l.hostEntries {
		eax, ebx, ecx, edx := l.Query(e.Function, e.Index, cr4)
		out = append(out, hypervisor.CPUIDEntry2{
			Function: e.Function, Index: e.Index, Flags: e.Flags,
			EAX: eax, EBX: ebx, ECX: ecx, EDX: edx,
		})
		delete(synthesized, e.Function)
	}
	// The host never reports the hypervisor-info leaves since it isn't
	// one; synthesize entries for them so the guest still sees them.
	for fn := range synthesized {
		eax, ebx, ecx, edx := l.Query(fn, 0, cr4)
		out = append(out, hypervisor.CPUIDEntry2{Function: fn, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})
	}
	return out
}

func (l *Leaves) hostDefault(function, index uint32) (eax, ebx, ecx, edx uint32) {
	const flagSignificantIndex = 1 << 0
	for _, e := range l.hostEntries {
		if e.Function != function {
			continue
		}
		if e.Flags&flagSignificantIndex != 0 && e.Index != index {
			continue
		}
		return e.EAX, e.EBX, e.ECX, e.EDX
	}
	return 0, 0, 0, 0
}
