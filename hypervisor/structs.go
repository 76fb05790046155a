package hypervisor

import "unsafe"

// numInterrupts sizes the sregs interrupt_bitmap, mirroring KVM's
// architectural definition (256 vectors).
const numInterrupts = 256

// kvmRegs has the same layout as struct kvm_regs.
type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// kvmSegment has the same layout as struct kvm_segment.
type kvmSegment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// kvmDtable has the same layout as struct kvm_dtable.
type kvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// kvmSregs has the same layout as struct kvm_sregs.
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS  kvmSegment
	TR, LDT                 kvmSegment
	GDT, IDT                kvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [numInterrupts / 64]uint64
}

// kvmFPU has the same layout as struct kvm_fpu.
type kvmFPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

// kvmMSREntry has the same layout as struct kvm_msr_entry.
type kvmMSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

const maxMSRBatch = 64

// kvmMSRs has the same layout as struct kvm_msrs with a fixed-size
// flexible array member, matching the pattern in the corpus's KVM
// bindings (Go cannot express a true flexible array member).
type kvmMSRs struct {
	NMSRs   uint32
	_       uint32
	Entries [maxMSRBatch]kvmMSREntry
}

// kvmCPUIDEntry2 has the same layout as struct kvm_cpuid_entry2.
type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	_        [3]uint32
}

const maxCPUIDEntries = 128

// kvmCPUID2 has the same layout as struct kvm_cpuid2.
type kvmCPUID2 struct {
	NEnt    uint32
	_       uint32
	Entries [maxCPUIDEntries]kvmCPUIDEntry2
}

// kvmRunIO mirrors the "io" member of the kvm_run exit-data union.
type kvmRunIO struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// kvmRunMMIO mirrors the "mmio" member of the kvm_run exit-data union.
type kvmRunMMIO struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  uint8
	_        [3]uint8
}

// kvmRunMSR mirrors the "msr" member of the kvm_run exit-data union,
// populated on KVM_EXIT_X86_RDMSR/KVM_EXIT_X86_WRMSR once
// KVM_CAP_X86_USER_SPACE_MSR is enabled.
type kvmRunMSR struct {
	Error  uint8
	_      [7]uint8
	Reason uint32
	Index  uint32
	Data   uint64
}

// kvmVCPUEvents mirrors the front of struct kvm_vcpu_events: the
// exception/interrupt/nmi sub-structs this backend actually populates
// to inject a faulting exception (e.g. #GP(0) on a disallowed MSR
// write). Trailing architecture fields (SMI, triple-fault flags,
// reserved padding) are represented as opaque padding since this
// backend never reads or writes them.
type kvmVCPUEvents struct {
	ExceptionInjected  uint8
	ExceptionNr        uint8
	ExceptionHasCode   uint8
	ExceptionPending   uint8
	ExceptionErrorCode uint32

	InterruptInjected uint8
	InterruptSoft     uint8
	InterruptShadow   uint8
	_                 uint8
	InterruptNr       uint32

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	_           uint8

	SipiVector uint32
	Flags      uint32

	_ [20]uint8
}

const sizeofKvmVCPUEvents = 8 + 8 + 4 + 8 + 20 // = 48, padded past the real kernel struct's tail

// kvmRunFailEntry mirrors the "fail_entry" member of the kvm_run union.
type kvmRunFailEntry struct {
	HardwareEntryFailureReason uint64
	CPU                        uint32
}

// runExitDataSize bounds the union region embedded in kvmRunHeader; it
// only needs to be large enough for the largest member this backend
// decodes (kvmRunMMIO at 24 bytes, well under this).
const runExitDataSize = 256

// kvmRunHeader mirrors the fixed prefix of struct kvm_run, up to the
// exit-data union. The mmaped region backing a vCPU's KVM_RUN page is
// vcpuMmapSize bytes (KVM_GET_VCPU_MMAP_SIZE); ExitData starts at a fixed offset
// from the mapping's base.
type kvmRunHeader struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IFFlag                 uint8
	Flags                  uint16
	CR8                    uint64
	ApicBase               uint64
	ExitData               [runExitDataSize]uint8
}

func (h *kvmRunHeader) io() *kvmRunIO {
	return (*kvmRunIO)(unsafe.Pointer(&h.ExitData[0]))
}

func (h *kvmRunHeader) mmio() *kvmRunMMIO {
	return (*kvmRunMMIO)(unsafe.Pointer(&h.ExitData[0]))
}

func (h *kvmRunHeader) failEntry() *kvmRunFailEntry {
	return (*kvmRunFailEntry)(unsafe.Pointer(&h.ExitData[0]))
}

func (h *kvmRunHeader) msr() *kvmRunMSR {
	return (*kvmRunMSR)(unsafe.Pointer(&h.ExitData[0]))
}

// ioDataAt returns the slice of the mmaped kvm_run page holding the
// data for a KVM_EXIT_IO transfer, located at DataOffset bytes from
// the start of the mapping (not from the start of the io struct).
func ioDataAt(base unsafe.Pointer, off uint64, size int) []byte {
	p := unsafe.Add(base, uintptr(off))
	return unsafe.Slice((*byte)(p), size)
}
