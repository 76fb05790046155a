package hypervisor

// Segment mirrors a guest segment register: selector, base, limit, and
// the packed access-rights attribute byte pair spec.md describes as
// {type:4, s:1, dpl:2, present:1, avl:1, l:1, db:1, g:1}.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Type     uint8
	Present  bool
	DPL      uint8
	AVL      bool
	L        bool
	DB       bool
	G        bool
	S        bool
	Unusable bool
}

// DTable is a descriptor-table register (GDTR/IDTR): base and limit
// only, no selector or access rights.
type DTable struct {
	Base  uint64
	Limit uint16
}

// GuestRegisters is the normalized, vendor-neutral guest register
// record described in spec.md §3. It is the only representation of
// guest state that crosses the backend boundary; vendor shadow fields
// (VMCS/VMCB encodings) never leak past this package.
type GuestRegisters struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64

	CS, DS, ES, FS, GS, SS Segment
	LDTR, TR               Segment
	IDTR, GDTR             DTable

	CR0, CR2, CR3, CR4 uint64
	DR6, DR7           uint64
	EFER               uint64
}

// Capability is an implementation-defined toggle a vCPU can enable or
// disable on its backend, e.g. exiting on HLT or on descriptor-table
// loads.
type Capability int

const (
	CapHLTExit Capability = iota
	CapDescriptorTableExit
	CapMSRIntercept
)

// EventKind classifies a pending injected event, matching the four
// kinds spec.md §4.2 requires both vendors to accept.
type EventKind int

const (
	EventException EventKind = iota
	EventExtInt
	EventNMI
	EventSoftInt
)

// PendingEvent is queued for delivery on the next VM-entry via
// InjectInterrupt.
type PendingEvent struct {
	Kind         EventKind
	Vector       uint8
	HasErrorCode bool
	ErrorCode    uint32
}

// ExtendedState is a handle over the vCPU's FPU/SSE/AVX save area, used
// to install reset defaults (FCW=0x40, MXCSR=0x1F80) before first entry.
type ExtendedState struct {
	fpu *kvmFPU
}

// SetDefaults installs the architectural power-on FPU control state.
// It does nothing on a handle with no save area behind it.
func (e *ExtendedState) SetDefaults() {
	if e.fpu == nil {
		return
	}
	e.fpu.FCW = 0x40
	e.fpu.MXCSR = 0x1F80
}

// ExitReason classifies a normalized VM-exit, vendor-neutral.
type ExitReason int

const (
	ExitReasonVmcall ExitReason = iota
	ExitReasonMMUViolation
	ExitReasonPIO
	ExitReasonCPUID
	ExitReasonMSR
	ExitReasonHLT
	ExitReasonOther
)

// MMUFault carries the payload for an ExitReasonMMUViolation exit: the
// faulting GPA, the attempted r/w/x/user access, the page's observed
// permissions, and whether reserved bits were set (a fatal condition).
type MMUFault struct {
	GPA             uint64
	Read, Write, Exec, User bool
	PageRead, PageWrite, PageExec bool
	ReservedBits    bool
}

// PIOExit carries the payload for an ExitReasonPIO exit.
type PIOExit struct {
	Port      uint16
	Size      uint8 // 1, 2, or 4
	Write     bool
	IsString  bool
	IsRep     bool
}

// MSRExit carries the payload for an ExitReasonMSR exit.
type MSRExit struct {
	Index uint32
	Write bool
}

// VmExit is the normalized, tagged exit record returned by Run. Only
// the fields relevant to Reason are populated.
type VmExit struct {
	Reason ExitReason

	MMU MMUFault
	PIO PIOExit
	MSR MSRExit

	// EmulateOpcode holds up to 15 raw instruction bytes fetched by the
	// backend when hardware itself could not decode the faulting
	// instruction (Intel's "instruction cannot be decoded" case; SVM
	// always requires this path since AMD-V does not decode).
	EmulateOpcode    [15]byte
	EmulateOpcodeLen int

	// HardwareFailureReason is populated on a fatal
	// KVM_EXIT_FAIL_ENTRY/INTERNAL_ERROR condition.
	HardwareFailureReason uint64
	Raw                   uint32
}

// Backend is the vendor-abstract capability surface spec.md §4.2
// requires: register marshaling, entry/exit, capability toggles, fault
// injection, and access to the extended-state save area. KVMBackend is
// the sole implementation in this module; it stands in for a native
// VT-x or AMD-V backend the way every VMM in this corpus's lineage
// does, by delegating VM-entry/exit and VMCS/VMCB field access to
// /dev/kvm.
type Backend interface {
	GetRegs(out *GuestRegisters) error
	SetRegs(in *GuestRegisters) error
	Run(out *VmExit) error
	SetCapability(cap Capability, enable bool) error
	InjectInterrupt(evt PendingEvent) error
	GuestSIMDContext() (*ExtendedState, error)
	Close() error
}
