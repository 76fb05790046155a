package lunavmm

import (
	"fmt"
	"log"
	"time"

	"lunavmm/devices"
	"lunavmm/emulator"
	"lunavmm/hypervisor"
	"lunavmm/policy"
)

// lapicPageSize is the size of a local APIC's MMIO window.
const lapicPageSize = 0x1000

// Vcpu is one virtual CPU: a hardware backend, the vendor-neutral
// exit-dispatch loop, and the per-vCPU policy state (MSR virtualization,
// local APIC) spec.md §3-§6 assign to the CPU rather than the machine.
type Vcpu struct {
	id    int
	isBSP bool

	vm      *VirtualMachine
	backend hypervisor.Backend
	kvm     *hypervisor.KVMBackend // extension surface: PIO/MSR exit payloads, CPUID install

	msr   *policy.MSRPolicy
	lapic *devices.LAPICDevice
}

// NewVcpu creates a vCPU bound to an already-constructed backend and
// resets it to the architectural power-on state.
func NewVcpu(vm *VirtualMachine, id int, backend hypervisor.Backend, isBSP bool) (*Vcpu, error) {
	kvmBackend, _ := backend.(*hypervisor.KVMBackend)
	v := &Vcpu{
		id:      id,
		isBSP:   isBSP,
		vm:      vm,
		backend: backend,
		kvm:     kvmBackend,
		msr:     policy.NewMSRPolicy(isBSP),
		lapic:   devices.NewLAPICDevice(uint32(id)),
	}
	if err := v.resetState(); err != nil {
		return nil, fmt.Errorf("vcpu %d: reset: %w", id, err)
	}
	return v, nil
}

// resetState installs the x86 architectural power-on register state
// (spec.md §6): CS:RIP at the reset vector, flat data segments, and
// control registers left at their vendor-constrained minimum. SetRegs
// itself clamps CR0/CR4 through the installed masks, so this only
// needs to request the all-zero request the reset vector calls for.
func (v *Vcpu) resetState() error {
	regs := hypervisor.GuestRegisters{
		RIP:    0xFFF0,
		RFLAGS: 0x2,

		CS: hypervisor.Segment{
			Selector: 0xF000, Base: 0xFFFF0000, Limit: 0xFFFF,
			Type: 0xB, Present: true, S: true, DB: false, G: false,
		},
		DS: flatRealModeSegment(), ES: flatRealModeSegment(),
		FS: flatRealModeSegment(), GS: flatRealModeSegment(), SS: flatRealModeSegment(),

		LDTR: hypervisor.Segment{Unusable: true},
		TR:   hypervisor.Segment{Type: 0xB, Present: true, Limit: 0xFFFF},

		IDTR: hypervisor.DTable{Base: 0, Limit: 0xFFFF},
		GDTR: hypervisor.DTable{Base: 0, Limit: 0xFFFF},

		DR6: 0xFFFF0FF0,
		DR7: 0x400,

		// EFER=0 is the architecturally correct reset value (no LME, no
		// LMA, no NXE/SCE): real mode never has any EFER bit active, so
		// this is set directly rather than run through a vendor mask
		// the way CR0/CR4 are.
		EFER: 0,
	}
	if err := v.backend.SetRegs(&regs); err != nil {
		return fmt.Errorf("SetRegs: %w", err)
	}

	fpu, err := v.backend.GuestSIMDContext()
	if err != nil {
		return fmt.Errorf("GuestSIMDContext: %w", err)
	}
	fpu.SetDefaults()
	if v.kvm != nil {
		if err := v.kvm.FlushSIMDContext(fpu); err != nil {
			return fmt.Errorf("FlushSIMDContext: %w", err)
		}
	}

	if err := v.backend.SetCapability(hypervisor.CapHLTExit, true); err != nil {
		return fmt.Errorf("SetCapability(HLTExit): %w", err)
	}
	if err := v.backend.SetCapability(hypervisor.CapMSRIntercept, true); err != nil {
		return fmt.Errorf("SetCapability(MSRIntercept): %w", err)
	}

	if v.kvm != nil {
		table := v.vm.cpuidLeaves.BuildTable(regs.CR4)
		if err := v.kvm.InstallCPUID(table); err != nil {
			return fmt.Errorf("InstallCPUID: %w", err)
		}
	}
	return nil
}

func flatRealModeSegment() hypervisor.Segment {
	return hypervisor.Segment{Type: 0x3, Present: true, S: true, Limit: 0xFFFF}
}

// Run drives the vCPU's VM-entry/exit loop until the guest halts, the
// machine is asked to stop, or a host- or guest-fatal condition occurs.
func (v *Vcpu) Run() error {
	if v.vm.Debug {
		log.Printf("vcpu %d: entering run loop", v.id)
	}
	for {
		select {
		case <-v.vm.stopChan:
			return nil
		default:
		}

		if v.isBSP {
			v.vm.deliverPendingInterrupts()
		}

		var exit hypervisor.VmExit
		if err := v.backend.Run(&exit); err != nil {
			return fmt.Errorf("vcpu %d: %w", v.id, err)
		}

		switch exit.Reason {
		case hypervisor.ExitReasonVmcall:
			// VMCALL/VMMCALL is a fixed 3-byte instruction on both vendors.
			if err := v.advanceRIP(3); err != nil {
				return fmt.Errorf("vcpu %d: advance past vmcall: %w", v.id, err)
			}

		case hypervisor.ExitReasonMMUViolation:
			if err := v.handleMMU(exit.MMU); err != nil {
				logFatalExit(v.id, "guest", "mmu-violation", exit.MMU.GPA, err.Error())
				return err
			}

		case hypervisor.ExitReasonPIO:
			if err := v.handlePIO(exit.PIO); err != nil {
				logFatalExit(v.id, "host", "pio", 0, err.Error())
				return err
			}

		case hypervisor.ExitReasonCPUID:
			// Never actually produced by KVMBackend: CPUID is resolved
			// entirely in-kernel from the table InstallCPUID wrote at
			// reset. Kept so a future backend without in-kernel CPUID
			// support has somewhere to land.
			if v.vm.Debug {
				log.Printf("vcpu %d: unexpected software CPUID exit", v.id)
			}

		case hypervisor.ExitReasonMSR:
			if err := v.handleMSR(exit.MSR); err != nil {
				logFatalExit(v.id, "host", "msr", 0, err.Error())
				return err
			}

		case hypervisor.ExitReasonHLT:
			if v.vm.Debug {
				log.Printf("vcpu %d: halted", v.id)
			}
			return nil

		default:
			log.Printf("vcpu %d: unhandled exit reason %d (raw=%d)", v.id, exit.Reason, exit.Raw)
		}
	}
}

// advanceRIP steps RIP past an emulated instruction without touching
// any other register state.
func (v *Vcpu) advanceRIP(n uint64) error {
	var regs hypervisor.GuestRegisters
	if err := v.backend.GetRegs(&regs); err != nil {
		return err
	}
	regs.RIP += n
	return v.backend.SetRegs(&regs)
}

// handleMMU services an MMU-violation exit by locating the device that
// claims the faulting address (this vCPU's local APIC page first, then
// the machine-wide MMIO bus), software-decoding the faulting
// instruction, and applying it against the device's data.
func (v *Vcpu) handleMMU(fault hypervisor.MMUFault) error {
	var regs hypervisor.GuestRegisters
	if err := v.backend.GetRegs(&regs); err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}

	apicPage := v.msr.APICBase() &^ (lapicPageSize - 1)
	var read, write func(uint64, []byte) error
	switch {
	case fault.GPA >= apicPage && fault.GPA < apicPage+lapicPageSize:
		read, write = v.lapic.MMIORead, v.lapic.MMIOWrite
	case v.vm.mmioBus.Claimed(fault.GPA):
		read, write = v.vm.mmioBus.Read, v.vm.mmioBus.Write
	default:
		return unmappedMMIOError(fault.GPA, fault.Read, fault.Write)
	}

	inst, err := v.fetchAndDecode(&regs)
	if err != nil {
		return fmt.Errorf("instruction fetch/decode at gpa 0x%x: %w", fault.GPA, err)
	}

	data := make([]byte, inst.SizeBits/8)
	if inst.ToMemory {
		if err := emulator.Execute(inst, &regs, data); err != nil {
			return err
		}
		if err := write(fault.GPA, data); err != nil {
			return err
		}
	} else {
		if err := read(fault.GPA, data); err != nil {
			return err
		}
		if err := emulator.Execute(inst, &regs, data); err != nil {
			return err
		}
	}

	regs.RIP += uint64(inst.Length)
	return v.backend.SetRegs(&regs)
}

// fetchAndDecode reads up to 15 bytes starting at CS.Base+RIP, never
// crossing a 4KiB page boundary (the same constraint real hardware's
// own instruction fetch observes), and decodes the MOV form found
// there. The EPT walk is a presence check only: guest RAM is backed
// 1:1 by the VM's memory region, so the actual byte read goes straight
// through HostPointer once the mapping is confirmed live.
func (v *Vcpu) fetchAndDecode(regs *hypervisor.GuestRegisters) (emulator.MovInstruction, error) {
	gRIP := regs.CS.Base + regs.RIP

	if _, _, ok, err := v.vm.ept.Walk(gRIP); err != nil {
		return emulator.MovInstruction{}, fmt.Errorf("ept walk: %w", err)
	} else if !ok {
		return emulator.MovInstruction{}, fmt.Errorf("no EPT mapping covers gRIP 0x%x", gRIP)
	}

	const maxLen = 15
	pageEnd := (gRIP &^ 0xFFF) + 0x1000
	n := uint64(maxLen)
	if gRIP+n > pageEnd {
		n = pageEnd - gRIP
	}
	code, err := v.vm.memRegion.HostPointer(gRIP, int(n))
	if err != nil {
		return emulator.MovInstruction{}, err
	}
	return emulator.Decode(code, regs.CS.DB)
}

// handlePIO dispatches a port I/O exit to the machine's port bus. KVM's
// own IN/OUT data marshaling already implements spec.md's partial
// register (AL/AX/EAX) semantics, since it copies exactly Size bytes
// between the guest's accumulator and the shared exit buffer. String
// and REP-prefixed forms (INS/OUTS, REP INS/OUTS) are rejected outright:
// no targeted guest needs them, and honoring REP would mean looping the
// transfer here ourselves since KVM's single exit only carries one
// iteration's worth of count/data.
func (v *Vcpu) handlePIO(pio hypervisor.PIOExit) error {
	if v.kvm == nil {
		return fmt.Errorf("PIO exit on a backend without exit-data access")
	}
	if pio.IsString || pio.IsRep {
		return fmt.Errorf("string/REP port I/O is not supported (port 0x%x, string=%v rep=%v)", pio.Port, pio.IsString, pio.IsRep)
	}
	if pio.Write {
		val := v.kvm.PIOData(pio.Size)
		return v.vm.portBus.Write(pio.Port, pio.Size, val)
	}
	val, err := v.vm.portBus.Read(pio.Port, pio.Size)
	if err != nil {
		return err
	}
	v.kvm.SetPIOData(pio.Size, val)
	return nil
}

// handleMSR resolves an RDMSR/WRMSR exit against this vCPU's MSR
// policy, falling back to the host's raw MSR value for reads the
// policy doesn't specially model. A write to an index the policy does
// not model is logged and dropped. A disallowed write completes the
// exit normally at the KVM-ABI level and separately queues a #GP(0)
// through the vendor-neutral exception path, so the fault delivery
// mechanism doesn't depend on this particular interception scheme's
// own fault-completion field.
func (v *Vcpu) handleMSR(m hypervisor.MSRExit) error {
	if v.kvm == nil {
		return fmt.Errorf("MSR exit on a backend without exit-data access")
	}
	hostTSC := uint64(time.Now().UnixNano())

	if !m.Write {
		value, ok := v.msr.Read(m.Index, hostTSC)
		if !ok {
			raw, err := v.kvm.ReadMSR(m.Index)
			if err != nil {
				v.kvm.CompleteMSR(0, false)
				return v.injectFault(13, true, 0)
			}
			value = raw
		}
		v.kvm.CompleteMSR(value, false)
		return nil
	}

	value := v.kvm.MSRWriteValue()
	ok, err := v.msr.Write(m.Index, value, hostTSC)
	v.kvm.CompleteMSR(0, false)
	if err != nil {
		return v.injectFault(13, true, 0)
	}
	if !ok {
		log.Printf("vcpu %d: dropped write 0x%x to unhandled MSR 0x%x", v.id, value, m.Index)
	}
	return nil
}

func (v *Vcpu) injectFault(vector uint8, hasErrorCode bool, errorCode uint32) error {
	return v.backend.InjectInterrupt(hypervisor.PendingEvent{
		Kind:         hypervisor.EventException,
		Vector:       vector,
		HasErrorCode: hasErrorCode,
		ErrorCode:    errorCode,
	})
}

// Control-register bits this vCPU's protected-mode bring-up sets
// directly, on top of the vendor-clamped minimum SetRegs already
// enforces.
const (
	cr0PE  = 1 << 0  // Protected Mode Enable
	cr0PG  = 1 << 31 // Paging
	cr4PSE = 1 << 4  // Page Size Extension (4MiB pages)
)

// enterProtectedModeWithPaging reprograms this vCPU to fetch its next
// instruction at entryEIP in 32-bit flat protected mode with paging
// enabled, using gdt and the page directory at pageDirBase (both
// already built in guest memory by the caller). This is the opt-in
// bring-up path VirtualMachine.EnterProtectedModeWithPaging exposes,
// distinct from resetState's real-mode power-on path.
func (v *Vcpu) enterProtectedModeWithPaging(gdt hypervisor.DTable, pageDirBase uint32, entryEIP uint32) error {
	var regs hypervisor.GuestRegisters
	if err := v.backend.GetRegs(&regs); err != nil {
		return fmt.Errorf("get regs: %w", err)
	}

	flat := hypervisor.Segment{Base: 0, Limit: 0xFFFFFFFF, Present: true, S: true, DB: true, G: true}
	code := flat
	code.Selector, code.Type = gdtSelectorCode, 0xB // execute/read, accessed
	data := flat
	data.Selector, data.Type = gdtSelectorData, 0x3 // read/write, accessed

	regs.GDTR = gdt
	regs.CS = code
	regs.DS, regs.ES, regs.FS, regs.GS, regs.SS = data, data, data, data, data
	regs.CR3 = uint64(pageDirBase)
	regs.CR4 |= cr4PSE
	regs.CR0 |= cr0PE | cr0PG
	regs.RIP = uint64(entryEIP)
	regs.RFLAGS = 0x2

	if err := v.backend.SetRegs(&regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}
	return nil
}

// InjectInterrupt delivers an external interrupt vector, used by the
// legacy PIC's IRQ-to-vCPU0 delivery path.
func (v *Vcpu) InjectInterrupt(vector uint8) error {
	return v.backend.InjectInterrupt(hypervisor.PendingEvent{Kind: hypervisor.EventExtInt, Vector: vector})
}

// Close releases the vCPU's backend resources.
func (v *Vcpu) Close() error {
	return v.backend.Close()
}
