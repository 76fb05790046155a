package policy

import "fmt"

// MSR indices this policy gives special handling, beyond the ordinary
// pass-through-to-hardware path KVM_GET/SET_MSRS otherwise provides.
const (
	msrIA32TSC          = 0x00000010
	msrIA32APICBase     = 0x0000001B
	msrIA32MTRRCap      = 0x000000FE
	msrIA32MTRRDefType  = 0x000002FF
	msrIA32MTRRPhysBase0 = 0x00000200
	msrIA32MTRRPhysMask0 = 0x00000201
	msrIA32MTRRFix64K00000 = 0x00000250
	msrIA32MTRRFix16K80000 = 0x00000258
	msrIA32MTRRFix4KC0000  = 0x00000268
)

// mtrrCapWC, mtrrCapFixed, and mtrrCapVarCount are the values this VMM
// reports for IA32_MTRR_CAP: write-combining supported, 8
// variable-range registers, fixed-range MTRRs present.
const (
	mtrrCapWC       = 1 << 10
	mtrrCapFixed    = 1 << 8
	mtrrCapVarCount = 8
)

// TSCShadow tracks the per-vCPU offset applied to IA32_TSC reads so a
// guest sees a monotonic, VM-private timestamp counter independent of
// host uptime, per spec.md's TSC virtualization requirement.
type TSCShadow struct {
	offset uint64
}

// ReadTSC returns the guest-visible TSC value given the host's raw
// counter reading.
func (t *TSCShadow) ReadTSC(hostTSC uint64) uint64 { return hostTSC + t.offset }

// WriteTSC handles a guest WRMSR to IA32_TSC: the new offset is
// computed so that a subsequent read at the same host time returns
// exactly the written value.
func (t *TSCShadow) WriteTSC(hostTSC, newValue uint64) { t.offset = newValue - hostTSC }

// MTRRState mirrors the guest-programmed memory-type range registers.
// This VMM does not enforce MTRR-implied caching on the EPT/NPT side
// (leaf memory type is set directly by the ept package's caller), so
// this is a pure shadow: reads return whatever was last written, and
// writes never fail, matching the "no-op update hook" spec.md accepts
// for a VMM that does not model host cache behavior per range.
type MTRRState struct {
	defType    uint64
	fixed      map[uint32]uint64
	varBase    [mtrrCapVarCount]uint64
	varMask    [mtrrCapVarCount]uint64
}

// NewMTRRState returns an MTRR shadow with defType's default memory
// type set to uncacheable and MTRRs disabled, the architectural reset
// state.
func NewMTRRState() *MTRRState {
	return &MTRRState{fixed: make(map[uint32]uint64)}
}

// MSRPolicy dispatches guest RDMSR/WRMSR exits, applying the special
// cases this VMM defines and otherwise deferring to the host's raw
// MSR (via the caller's fallback, since only the vCPU's KVMBackend can
// reach KVM_GET/SET_MSRS).
type MSRPolicy struct {
	TSC  *TSCShadow
	MTRR *MTRRState

	apicBase uint64
}

// NewMSRPolicy returns a policy with the APIC base at its
// architectural reset value (enabled, at 0xFEE00000, BSP flag set by
// the caller for vCPU 0).
func NewMSRPolicy(isBSP bool) *MSRPolicy {
	base := uint64(0xFEE00000) | (1 << 11) // enable
	if isBSP {
		base |= 1 << 8
	}
	return &MSRPolicy{TSC: &TSCShadow{}, MTRR: NewMTRRState(), apicBase: base}
}

// APICBase returns the guest-visible IA32_APIC_BASE value, letting the
// vCPU locate its LAPIC's MMIO page (bits 12-35, above the enable and
// BSP flag bits) without going through a full MSR read.
func (p *MSRPolicy) APICBase() uint64 { return p.apicBase }

// Read handles a guest RDMSR. ok is false if this index is not one of
// the specially-handled MSRs and the caller should fall back to
// reading real hardware state.
func (p *MSRPolicy) Read(index uint32, hostTSC uint64) (value uint64, ok bool) {
	switch {
	case index == msrIA32TSC:
		return p.TSC.ReadTSC(hostTSC), true
	case index == msrIA32APICBase:
		return p.apicBase, true
	case index == msrIA32MTRRCap:
		return mtrrCapWC | mtrrCapFixed | mtrrCapVarCount, true
	case index == msrIA32MTRRDefType:
		return p.MTRR.defType, true
	case isFixedMTRR(index):
		return p.MTRR.fixed[index], true
	case isVarMTRRBase(index):
		return p.MTRR.varBase[(index-msrIA32MTRRPhysBase0)/2], true
	case isVarMTRRMask(index):
		return p.MTRR.varMask[(index-msrIA32MTRRPhysMask0)/2], true
	default:
		return 0, false
	}
}

// Write handles a guest WRMSR. ok is false for an index this policy
// does not model; err is set (with ok true) only for genuinely illegal
// writes, e.g. IA32_MTRR_CAP is read-only.
func (p *MSRPolicy) Write(index uint32, value, hostTSC uint64) (ok bool, err error) {
	switch {
	case index == msrIA32TSC:
		p.TSC.WriteTSC(hostTSC, value)
		return true, nil
	case index == msrIA32APICBase:
		p.apicBase = value
		return true, nil
	case index == msrIA32MTRRCap:
		return true, fmt.Errorf("policy: write to read-only IA32_MTRR_CAP")
	case index == msrIA32MTRRDefType:
		p.MTRR.defType = value
		return true, nil
	case isFixedMTRR(index):
		p.MTRR.fixed[index] = value
		return true, nil
	case isVarMTRRBase(index):
		p.MTRR.varBase[(index-msrIA32MTRRPhysBase0)/2] = value
		return true, nil
	case isVarMTRRMask(index):
		p.MTRR.varMask[(index-msrIA32MTRRPhysMask0)/2] = value
		return true, nil
	default:
		return false, nil
	}
}

func isFixedMTRR(index uint32) bool {
	switch {
	case index == msrIA32MTRRFix64K00000:
		return true
	case index == msrIA32MTRRFix16K80000 || index == msrIA32MTRRFix16K80000+1:
		return true
	case index >= msrIA32MTRRFix4KC0000 && index < msrIA32MTRRFix4KC0000+8:
		return true
	}
	return false
}

func isVarMTRRBase(index uint32) bool {
	return index >= msrIA32MTRRPhysBase0 && index < msrIA32MTRRPhysBase0+2*mtrrCapVarCount && index%2 == 0
}

func isVarMTRRMask(index uint32) bool {
	return index >= msrIA32MTRRPhysMask0 && index < msrIA32MTRRPhysMask0+2*mtrrCapVarCount && index%2 == 1
}
