package lunavmm

import (
	"testing"

	"lunavmm/hypervisor"
)

// fakeBackend is a hypervisor.Backend that keeps register state in
// memory instead of talking to /dev/kvm, letting the vCPU reset and
// exit-dispatch logic run in a unit test without hardware
// virtualization support.
type fakeBackend struct {
	regs         hypervisor.GuestRegisters
	simd         hypervisor.ExtendedState
	capabilities map[hypervisor.Capability]bool
	injected     []hypervisor.PendingEvent
	exits        []hypervisor.VmExit
	closed       bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{capabilities: make(map[hypervisor.Capability]bool)}
}

func (f *fakeBackend) GetRegs(out *hypervisor.GuestRegisters) error {
	*out = f.regs
	return nil
}

func (f *fakeBackend) SetRegs(in *hypervisor.GuestRegisters) error {
	f.regs = *in
	return nil
}

func (f *fakeBackend) Run(out *hypervisor.VmExit) error {
	if len(f.exits) == 0 {
		*out = hypervisor.VmExit{Reason: hypervisor.ExitReasonHLT}
		return nil
	}
	*out, f.exits = f.exits[0], f.exits[1:]
	return nil
}

func (f *fakeBackend) SetCapability(cap hypervisor.Capability, enable bool) error {
	f.capabilities[cap] = enable
	return nil
}

func (f *fakeBackend) InjectInterrupt(evt hypervisor.PendingEvent) error {
	f.injected = append(f.injected, evt)
	return nil
}

func (f *fakeBackend) GuestSIMDContext() (*hypervisor.ExtendedState, error) {
	return &f.simd, nil
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

// TestNewVcpuResetsArchitecturalState verifies the power-on register
// values a cold vCPU must present before its first instruction fetch:
// the CS:RIP F000:FFF0 reset vector, flat data segments, and the debug
// register reset values the SDM specifies.
func TestNewVcpuResetsArchitecturalState(t *testing.T) {
	backend := newFakeBackend()
	vcpu, err := NewVcpu(&VirtualMachine{}, 0, backend, true)
	if err != nil {
		t.Fatalf("NewVcpu: %v", err)
	}

	if backend.regs.RIP != 0xFFF0 {
		t.Errorf("RIP = 0x%x, want 0xFFF0", backend.regs.RIP)
	}
	if backend.regs.CS.Selector != 0xF000 || backend.regs.CS.Base != 0xFFFF0000 {
		t.Errorf("CS = {selector=0x%x base=0x%x}, want {0xF000 0xFFFF0000}", backend.regs.CS.Selector, backend.regs.CS.Base)
	}
	if backend.regs.DS.Base != 0 || backend.regs.DS.Limit != 0xFFFF {
		t.Errorf("DS = {base=0x%x limit=0x%x}, want flat 0/0xFFFF", backend.regs.DS.Base, backend.regs.DS.Limit)
	}
	if backend.regs.RFLAGS != 0x2 {
		t.Errorf("RFLAGS = 0x%x, want 0x2", backend.regs.RFLAGS)
	}
	if backend.regs.DR6 != 0xFFFF0FF0 || backend.regs.DR7 != 0x400 {
		t.Errorf("DR6/DR7 = 0x%x/0x%x, want 0xFFFF0FF0/0x400", backend.regs.DR6, backend.regs.DR7)
	}
	if !backend.capabilities[hypervisor.CapHLTExit] {
		t.Error("expected CapHLTExit to be enabled at reset")
	}
	if !backend.capabilities[hypervisor.CapMSRIntercept] {
		t.Error("expected CapMSRIntercept to be enabled at reset")
	}
	if vcpu.id != 0 || !vcpu.isBSP {
		t.Errorf("vcpu id/isBSP = %d/%v, want 0/true", vcpu.id, vcpu.isBSP)
	}
}

// TestVcpuRunReturnsOnHLT confirms the run loop ends the goroutine as
// soon as the guest halts, rather than looping forever waiting for a
// stop signal that a single-shot HLT program will never send.
func TestVcpuRunReturnsOnHLT(t *testing.T) {
	backend := newFakeBackend()
	vm := &VirtualMachine{stopChan: make(chan struct{})}
	vcpu, err := NewVcpu(vm, 0, backend, true)
	if err != nil {
		t.Fatalf("NewVcpu: %v", err)
	}

	backend.exits = []hypervisor.VmExit{{Reason: hypervisor.ExitReasonHLT}}
	if err := vcpu.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestVcpuRunHonorsStop confirms a vCPU stuck exiting for a reason this
// test never resolves still returns promptly once the machine's stop
// channel closes, rather than requiring a HLT to ever occur.
func TestVcpuRunHonorsStop(t *testing.T) {
	backend := newFakeBackend()
	vm := &VirtualMachine{stopChan: make(chan struct{})}
	vcpu, err := NewVcpu(vm, 0, backend, true)
	if err != nil {
		t.Fatalf("NewVcpu: %v", err)
	}
	close(vm.stopChan)

	done := make(chan error, 1)
	go func() { done <- vcpu.Run() }()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestVcpuInjectInterruptWrapsExternalInterrupt confirms the legacy PIC
// delivery path queues an EventExtInt with the given vector rather than
// an exception, which would set the wrong interrupt gate in the guest.
func TestVcpuInjectInterruptWrapsExternalInterrupt(t *testing.T) {
	backend := newFakeBackend()
	vcpu, err := NewVcpu(&VirtualMachine{}, 0, backend, true)
	if err != nil {
		t.Fatalf("NewVcpu: %v", err)
	}

	if err := vcpu.InjectInterrupt(0x30); err != nil {
		t.Fatalf("InjectInterrupt: %v", err)
	}
	if len(backend.injected) != 1 {
		t.Fatalf("expected 1 injected event, got %d", len(backend.injected))
	}
	got := backend.injected[0]
	if got.Kind != hypervisor.EventExtInt || got.Vector != 0x30 {
		t.Errorf("injected = %+v, want {Kind=EventExtInt Vector=0x30}", got)
	}
}

// TestEnterProtectedModeWithPagingSetsFlatSegmentsAndControlBits
// confirms the cold-boot GDT/paging bring-up path installs a flat
// 32-bit CS/DS pair pointing at the given GDT, loads CR3 with the page
// directory address, and sets CR0.PE/CR0.PG and CR4.PSE on top of
// whatever the vendor-clamped reset state already had, without
// disturbing bits resetState set that this path doesn't touch.
func TestEnterProtectedModeWithPagingSetsFlatSegmentsAndControlBits(t *testing.T) {
	backend := newFakeBackend()
	vcpu, err := NewVcpu(&VirtualMachine{}, 0, backend, true)
	if err != nil {
		t.Fatalf("NewVcpu: %v", err)
	}
	backend.regs.CR0 |= 0x10 // simulate a vendor-required-1 bit already set at reset

	gdt := hypervisor.DTable{Base: 0x9000, Limit: 23}
	if err := vcpu.enterProtectedModeWithPaging(gdt, 0xA000, 0x2000); err != nil {
		t.Fatalf("enterProtectedModeWithPaging: %v", err)
	}

	if backend.regs.GDTR != gdt {
		t.Errorf("GDTR = %+v, want %+v", backend.regs.GDTR, gdt)
	}
	if backend.regs.CS.Selector != gdtSelectorCode || backend.regs.CS.Base != 0 || backend.regs.CS.Limit != 0xFFFFFFFF {
		t.Errorf("CS = %+v, want a flat 32-bit code segment at selector 0x%x", backend.regs.CS, gdtSelectorCode)
	}
	if backend.regs.DS.Selector != gdtSelectorData || !backend.regs.DS.DB || !backend.regs.DS.G {
		t.Errorf("DS = %+v, want a flat 32-bit data segment at selector 0x%x", backend.regs.DS, gdtSelectorData)
	}
	if backend.regs.CR3 != 0xA000 {
		t.Errorf("CR3 = 0x%x, want 0xA000", backend.regs.CR3)
	}
	if backend.regs.CR0&(cr0PE|cr0PG) != cr0PE|cr0PG {
		t.Errorf("CR0 = 0x%x, want PE|PG set", backend.regs.CR0)
	}
	if backend.regs.CR0&0x10 == 0 {
		t.Error("CR0 lost a bit resetState had already set")
	}
	if backend.regs.CR4&cr4PSE == 0 {
		t.Errorf("CR4 = 0x%x, want PSE set", backend.regs.CR4)
	}
	if backend.regs.RIP != 0x2000 {
		t.Errorf("RIP = 0x%x, want 0x2000", backend.regs.RIP)
	}
}
