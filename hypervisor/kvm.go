package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVMBackend is the sole Backend implementation in this module. It owns
// one vCPU file descriptor and its mmaped kvm_run page, plus the vendor
// masks (constrainCR0/constrainCR4, required feature bits) computed
// once at VM creation and shared by every vCPU.
type KVMBackend struct {
	fd      int
	runMap  []byte
	run     *kvmRunHeader
	vendor  Vendor
	masks   controlMasks
	readMSR func(uint32) (uint64, error)
}

// NewKVMBackend creates the backend for one vCPU: KVM_CREATE_VCPU,
// mmap of the kvm_run page, and installation of the vendor-specific
// CR0/CR4 fixed-bit masks computed by the caller (shared across vCPUs
// of the same VM, since they come from host CPUID/MSR state).
func NewKVMBackend(vmFD, kvmFD int, vendor Vendor, masks controlMasks) (*KVMBackend, error) {
	vcpuFD, err := createVCPU(vmFD)
	if err != nil {
		return nil, err
	}

	mmapSize, err := vcpuMmapSize(kvmFD)
	if err != nil {
		unix.Close(vcpuFD)
		return nil, err
	}

	runMap, err := unix.Mmap(vcpuFD, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFD)
		return nil, fmt.Errorf("mmap kvm_run: %w", err)
	}

	b := &KVMBackend{
		fd:     vcpuFD,
		runMap: runMap,
		run:    (*kvmRunHeader)(unsafe.Pointer(&runMap[0])),
		vendor: vendor,
		masks:  masks,
	}
	b.readMSR = b.readOneMSR
	return b, nil
}

// GetRegs marshals the vCPU's general-purpose and system register state
// into the normalized GuestRegisters record via KVM_GET_REGS/KVM_GET_SREGS.
func (b *KVMBackend) GetRegs(out *GuestRegisters) error {
	var regs kvmRegs
	if _, err := ioctl(b.fd, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("KVM_GET_REGS: %w", err)
	}
	var sregs kvmSregs
	if _, err := ioctl(b.fd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("KVM_GET_SREGS: %w", err)
	}

	out.RAX, out.RBX, out.RCX, out.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
	out.RSI, out.RDI, out.RSP, out.RBP = regs.RSI, regs.RDI, regs.RSP, regs.RBP
	out.R8, out.R9, out.R10, out.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	out.R12, out.R13, out.R14, out.R15 = regs.R12, regs.R13, regs.R14, regs.R15
	out.RIP, out.RFLAGS = regs.RIP, regs.RFLAGS

	out.CS = fromKvmSegment(sregs.CS)
	out.DS = fromKvmSegment(sregs.DS)
	out.ES = fromKvmSegment(sregs.ES)
	out.FS = fromKvmSegment(sregs.FS)
	out.GS = fromKvmSegment(sregs.GS)
	out.SS = fromKvmSegment(sregs.SS)
	out.LDTR = fromKvmSegment(sregs.LDT)
	out.TR = fromKvmSegment(sregs.TR)
	out.GDTR = DTable{Base: sregs.GDT.Base, Limit: sregs.GDT.Limit}
	out.IDTR = DTable{Base: sregs.IDT.Base, Limit: sregs.IDT.Limit}

	out.CR0, out.CR2, out.CR3, out.CR4 = sregs.CR0, sregs.CR2, sregs.CR3, sregs.CR4
	out.EFER = sregs.EFER
	return nil
}

// SetRegs constrains CR0/CR4 to the vendor's fixed-bit masks before
// writing, per spec.md §3's invariant that hardware-effective control
// register values always honor the host's mandatory bits.
func (b *KVMBackend) SetRegs(in *GuestRegisters) error {
	regs := kvmRegs{
		RAX: in.RAX, RBX: in.RBX, RCX: in.RCX, RDX: in.RDX,
		RSI: in.RSI, RDI: in.RDI, RSP: in.RSP, RBP: in.RBP,
		R8: in.R8, R9: in.R9, R10: in.R10, R11: in.R11,
		R12: in.R12, R13: in.R13, R14: in.R14, R15: in.R15,
		RIP: in.RIP, RFLAGS: in.RFLAGS,
	}
	if _, err := ioctl(b.fd, kvmSetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return fmt.Errorf("KVM_SET_REGS: %w", err)
	}

	sregs := kvmSregs{
		CS: toKvmSegment(in.CS), DS: toKvmSegment(in.DS), ES: toKvmSegment(in.ES),
		FS: toKvmSegment(in.FS), GS: toKvmSegment(in.GS), SS: toKvmSegment(in.SS),
		LDT: toKvmSegment(in.LDTR), TR: toKvmSegment(in.TR),
		GDT: kvmDtable{Base: in.GDTR.Base, Limit: in.GDTR.Limit},
		IDT: kvmDtable{Base: in.IDTR.Base, Limit: in.IDTR.Limit},

		CR0:  constrainCR0(in.CR0, b.masks),
		CR2:  in.CR2,
		CR3:  in.CR3,
		CR4:  constrainCR4(in.CR4, b.masks),
		EFER: in.EFER,
	}
	if _, err := ioctl(b.fd, kvmSetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return fmt.Errorf("KVM_SET_SREGS: %w", err)
	}
	return nil
}

// Run executes KVM_RUN once and decodes the exit into the normalized
// VmExit record. It retries transparently on EINTR, the only case KVM
// itself treats as "re-enter without guest-visible effect".
func (b *KVMBackend) Run(out *VmExit) error {
	for {
		_, err := ioctl(b.fd, kvmRun, 0)
		if err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("KVM_RUN: %w", err)
	}

	*out = VmExit{Raw: b.run.ExitReason}
	switch b.run.ExitReason {
	case ExitHLT:
		out.Reason = ExitReasonHLT

	case ExitHypercall:
		out.Reason = ExitReasonVmcall

	case ExitIO:
		io := b.run.io()
		out.Reason = ExitReasonPIO
		out.PIO = PIOExit{
			Port:     io.Port,
			Size:     io.Size,
			Write:    io.Direction == IODirOut,
			IsString: io.Count > 1,
			IsRep:    io.Count > 1,
		}

	case ExitMMIO:
		// The GPA and access direction are all this backend trusts from
		// KVM's own decode; the actual instruction bytes are fetched and
		// decoded independently by the vCPU's software emulator, since
		// AMD-V never decodes for us and this keeps both vendors on one
		// code path.
		mmio := b.run.mmio()
		out.Reason = ExitReasonMMUViolation
		out.MMU = MMUFault{
			GPA:   mmio.PhysAddr,
			Read:  mmio.IsWrite == 0,
			Write: mmio.IsWrite != 0,
		}

	case ExitX86RDMSR:
		m := b.run.msr()
		out.Reason = ExitReasonMSR
		out.MSR = MSRExit{Index: m.Index, Write: false}

	case ExitX86WRMSR:
		m := b.run.msr()
		out.Reason = ExitReasonMSR
		out.MSR = MSRExit{Index: m.Index, Write: true}

	case ExitFailEntry:
		fe := b.run.failEntry()
		out.Reason = ExitReasonOther
		out.HardwareFailureReason = fe.HardwareEntryFailureReason

	case ExitShutdown, ExitInternalError:
		out.Reason = ExitReasonOther

	default:
		out.Reason = ExitReasonOther
	}
	return nil
}

// PIOData reads the size-byte little-endian value KVM staged for the
// most recent KVM_EXIT_IO, valid only until the next Run call. For an
// OUT this is the value the guest wrote; for an IN it is whatever was
// last left there and must be overwritten via SetPIOData before Run
// is called again.
func (b *KVMBackend) PIOData(size uint8) uint32 {
	io := b.run.io()
	data := ioDataAt(unsafe.Pointer(b.run), io.DataOffset, int(size))
	var v uint32
	for i := 0; i < int(size); i++ {
		v |= uint32(data[i]) << (8 * i)
	}
	return v
}

// SetPIOData writes the size-byte little-endian result of an IN back
// into the kvm_run I/O data area, for the guest to consume on the next
// VM-entry.
func (b *KVMBackend) SetPIOData(size uint8, val uint32) {
	io := b.run.io()
	data := ioDataAt(unsafe.Pointer(b.run), io.DataOffset, int(size))
	for i := 0; i < int(size); i++ {
		data[i] = byte(val >> (8 * i))
	}
}

// MSRWriteValue returns the value a WRMSR exit's guest tried to write.
func (b *KVMBackend) MSRWriteValue() uint64 {
	return b.run.msr().Data
}

// CompleteMSR resolves a pending RDMSR/WRMSR exit. For a read, value
// is the value returned to the guest. Setting fault requests KVM
// inject a #GP(0) instead of completing the access.
func (b *KVMBackend) CompleteMSR(value uint64, fault bool) {
	m := b.run.msr()
	m.Data = value
	if fault {
		m.Error = 1
	} else {
		m.Error = 0
	}
}

// EnableMSRIntercept turns on KVM_CAP_X86_USER_SPACE_MSR so unhandled
// guest RDMSR/WRMSR route to this backend's Run loop as MSR exits
// instead of being resolved silently in-kernel.
func (b *KVMBackend) EnableMSRIntercept() error {
	return enableCap(b.fd, capX86UserSpaceMSR)
}

// InstallCPUID writes the guest-visible CPUID leaf table for this vCPU.
func (b *KVMBackend) InstallCPUID(entries []CPUIDEntry2) error {
	raw := make([]kvmCPUIDEntry2, len(entries))
	for i, e := range entries {
		raw[i] = kvmCPUIDEntry2{
			Function: e.Function, Index: e.Index, Flags: e.Flags,
			EAX: e.EAX, EBX: e.EBX, ECX: e.ECX, EDX: e.EDX,
		}
	}
	return setCPUID2(b.fd, raw)
}

// SetCapability toggles vCPU-level intercepts. KVM exposes some of
// these (HLT, descriptor-table exiting) only as VM-scoped creation-time
// choices; where a live per-vCPU toggle exists this calls it, otherwise
// it is a documented no-op honored by the VM's initial configuration.
func (b *KVMBackend) SetCapability(cap Capability, enable bool) error {
	switch cap {
	case CapHLTExit, CapDescriptorTableExit:
		return nil
	case CapMSRIntercept:
		if !enable {
			return nil
		}
		return b.EnableMSRIntercept()
	default:
		return fmt.Errorf("unknown capability %d", cap)
	}
}

// InjectInterrupt delivers a pending event on the next VM-entry.
// External and soft interrupts go through the legacy KVM_INTERRUPT
// path; exceptions (the vCPU loop's #GP(0) fault-injection path for a
// disallowed MSR write) go through KVM_SET_VCPU_EVENTS since they
// carry an error code KVM_INTERRUPT cannot express.
func (b *KVMBackend) InjectInterrupt(evt PendingEvent) error {
	switch evt.Kind {
	case EventExtInt, EventSoftInt:
		irq := uint32(evt.Vector)
		if _, err := ioctl(b.fd, kvmInterrupt, uintptr(unsafe.Pointer(&irq))); err != nil {
			return fmt.Errorf("KVM_INTERRUPT vector 0x%x: %w", evt.Vector, err)
		}
		return nil
	case EventException:
		return b.injectException(evt.Vector, evt.HasErrorCode, evt.ErrorCode)
	default:
		return fmt.Errorf("InjectInterrupt: event kind %d not supported by this backend", evt.Kind)
	}
}

func (b *KVMBackend) injectException(vector uint8, hasErrorCode bool, errorCode uint32) error {
	ev := kvmVCPUEvents{ExceptionInjected: 1, ExceptionNr: vector}
	if hasErrorCode {
		ev.ExceptionHasCode = 1
		ev.ExceptionErrorCode = errorCode
	}
	if _, err := ioctl(b.fd, kvmSetVCPUEvents, uintptr(unsafe.Pointer(&ev))); err != nil {
		return fmt.Errorf("KVM_SET_VCPU_EVENTS(vector=%d): %w", vector, err)
	}
	return nil
}

// GuestSIMDContext reads the vCPU's FPU/SSE save area via KVM_GET_FPU.
func (b *KVMBackend) GuestSIMDContext() (*ExtendedState, error) {
	fpu := &kvmFPU{}
	if _, err := ioctl(b.fd, kvmGetFPU, uintptr(unsafe.Pointer(fpu))); err != nil {
		return nil, fmt.Errorf("KVM_GET_FPU: %w", err)
	}
	return &ExtendedState{fpu: fpu}, nil
}

// FlushSIMDContext writes an ExtendedState back via KVM_SET_FPU. This
// is not part of the Backend interface (spec.md never asks the vCPU
// loop to flush FPU state outside of reset) but is used by the reset
// path to install architectural power-on defaults.
func (b *KVMBackend) FlushSIMDContext(s *ExtendedState) error {
	if _, err := ioctl(b.fd, kvmSetFPU, uintptr(unsafe.Pointer(s.fpu))); err != nil {
		return fmt.Errorf("KVM_SET_FPU: %w", err)
	}
	return nil
}

// ReadMSR reads one raw host MSR via KVM_GET_MSRS, the fallback path
// for guest RDMSR indices the policy package doesn't specially model.
func (b *KVMBackend) ReadMSR(index uint32) (uint64, error) {
	return b.readOneMSR(index)
}

func (b *KVMBackend) readOneMSR(index uint32) (uint64, error) {
	msrs := &kvmMSRs{NMSRs: 1}
	msrs.Entries[0].Index = index
	if _, err := ioctl(b.fd, kvmGetMSRs, uintptr(unsafe.Pointer(msrs))); err != nil {
		return 0, fmt.Errorf("KVM_GET_MSRS(0x%x): %w", index, err)
	}
	return msrs.Entries[0].Data, nil
}

// Close unmaps the kvm_run page and closes the vCPU file descriptor.
func (b *KVMBackend) Close() error {
	var firstErr error
	if b.runMap != nil {
		if err := unix.Munmap(b.runMap); err != nil {
			firstErr = err
		}
		b.runMap = nil
		b.run = nil
	}
	if b.fd != 0 {
		if err := unix.Close(b.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		b.fd = 0
	}
	return firstErr
}

func fromKvmSegment(s kvmSegment) Segment {
	return Segment{
		Selector: s.Selector,
		Base:     s.Base,
		Limit:    s.Limit,
		Type:     s.Type,
		Present:  s.Present != 0,
		DPL:      s.DPL,
		AVL:      s.AVL != 0,
		L:        s.L != 0,
		DB:       s.DB != 0,
		G:        s.G != 0,
		S:        s.S != 0,
		Unusable: s.Unusable != 0,
	}
}

func toKvmSegment(s Segment) kvmSegment {
	b := func(v bool) uint8 {
		if v {
			return 1
		}
		return 0
	}
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  b(s.Present),
		DPL:      s.DPL,
		DB:       b(s.DB),
		S:        b(s.S),
		L:        b(s.L),
		G:        b(s.G),
		AVL:      b(s.AVL),
		Unusable: b(s.Unusable),
	}
}
