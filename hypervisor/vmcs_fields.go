package hypervisor

// vmcsField names the VMCS/VMCB encodings this backend's semantics are
// defined against, even though KVM_GET/SET_SREGS and KVM_RUN hide the
// literal VMREAD/VMWRITE calls. They document which control belongs to
// which architectural field and give tests a stable vocabulary when
// asserting on decoded exit state.
type vmcsField uint32

const (
	vmcsPinBasedControls    vmcsField = 0x4000
	vmcsProcBasedControls   vmcsField = 0x4002
	vmcsProcBasedControls2  vmcsField = 0x401E
	vmcsExceptionBitmap     vmcsField = 0x4004
	vmcsExitControls        vmcsField = 0x400C
	vmcsEntryControls       vmcsField = 0x4012
	vmcsLinkPointer         vmcsField = 0x2800
	vmcsExitReason          vmcsField = 0x4402
	vmcsEPTViolationGPA     vmcsField = 0x2400
	vmcsExitQualification   vmcsField = 0x6400
	vmcsEPTPointer          vmcsField = 0x201A
	vmcsGuestCR0            vmcsField = 0x6800
	vmcsGuestCR3            vmcsField = 0x6802
	vmcsGuestCR4            vmcsField = 0x6804
	vmcsGuestRIP            vmcsField = 0x681E
	vmcsGuestRSP            vmcsField = 0x681C
	vmcsGuestRFLAGS         vmcsField = 0x6820
)
