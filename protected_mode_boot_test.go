package lunavmm_test

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"lunavmm"
)

// skipWithoutKVM lets this test run on machines with hardware
// virtualization enabled and skip cleanly everywhere else (CI
// containers, sandboxes without /dev/kvm access).
func skipWithoutKVM(t *testing.T) {
	t.Helper()
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR, 0)
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}
	unix.Close(fd)
}

// captureCOM1 redirects os.Stdout (the teacher-style sink the serial
// device writes to) through a pipe and returns a channel that yields
// everything captured once it has seen want or the pipe closes.
func captureCOM1(t *testing.T, want string) (restore func(), output <-chan string) {
	t.Helper()
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("create pipe: %v", err)
	}
	os.Stdout = w

	outputCapture := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		p := make([]byte, 128)
		for {
			n, err := r.Read(p)
			if n > 0 {
				buf.Write(p[:n])
				if strings.Contains(buf.String(), want) {
					break
				}
			}
			if err != nil {
				break
			}
		}
		outputCapture <- buf.String()
	}()

	return func() {
		os.Stdout = oldStdout
		w.Close()
		r.Close()
	}, outputCapture
}

// runWithTimeout drives vm.Run in a goroutine and fails the test if it
// hasn't returned within d, stopping the machine first so the goroutine
// can still be drained.
func runWithTimeout(t *testing.T, vm *lunavmm.VirtualMachine, d time.Duration) error {
	t.Helper()
	runErrChan := make(chan error, 1)
	go func() { runErrChan <- vm.Run() }()

	select {
	case err := <-runErrChan:
		return err
	case <-time.After(d):
		t.Error("vm.Run timed out")
		vm.Stop()
		return <-runErrChan
	}
}

// TestColdResetBootAndHalt boots a vCPU straight from its architectural
// power-on state (no bootloader stage, no BIOS) and verifies it executes
// at the CS:RIP F000:FFF0 reset vector, writes to the emulated COM1
// serial port, and halts.
//
// The reset vector's linear address is CS.Base (0xFFFF0000) + RIP
// (0xFFF0) = 0xFFFFFFF0, so guest RAM has to reach the top of the
// 32-bit address space for the vCPU to actually fetch anything there;
// the frame pool is sized to sit just above 4GiB so the full [0,4GiB)
// range identity-maps as ordinary guest RAM.
func TestColdResetBootAndHalt(t *testing.T) {
	skipWithoutKVM(t)

	// Real mode at reset: DS/ES/SS are already flat (base 0, limit
	// 0xFFFF) courtesy of resetState, so this needs no segment setup.
	//   mov al, 'P'
	//   mov dx, 0x3F8
	//   out dx, al
	//   hlt
	bootCode := []byte{
		0xB0, 'P', // MOV AL, 'P'
		0xBA, 0xF8, 0x03, // MOV DX, 0x3F8 (COM1 data port)
		0xEE, // OUT DX, AL
		0xF4, // HLT
	}

	restore, output := captureCOM1(t, "P")
	defer restore()

	const (
		fourGiB     = 0x100000000
		framePool   = 0x1000000 // 16MiB, above the 4GiB RAM ceiling
		resetVector = 0xFFFFFFF0
	)
	vm, err := lunavmm.NewVirtualMachine(lunavmm.Config{
		Debug:               true,
		AttachLegacyDevices: true,
		MemoryBytes:         fourGiB + framePool,
		FramePoolBytes:      framePool,
	})
	if err != nil {
		t.Fatalf("create virtual machine: %v", err)
	}
	defer vm.Close()

	if err := vm.LoadBinary(bootCode, resetVector); err != nil {
		t.Fatalf("load boot code: %v", err)
	}

	if err := runWithTimeout(t, vm, 3*time.Second); err != nil {
		t.Errorf("vm.Run returned an error: %v", err)
	}

	capturedOutput := <-output
	if !strings.Contains(capturedOutput, "P") {
		t.Errorf("expected serial output to contain %q, got %q", "P", capturedOutput)
	}
}

// TestProtectedModeBootWithPaging exercises the opt-in cold-boot
// GDT/paging bring-up path (VirtualMachine.EnterProtectedModeWithPaging):
// instead of starting at the real-mode reset vector, the vCPU is
// reprogrammed to fetch its first instruction in 32-bit flat protected
// mode with paging already enabled, using a GDT and an identity-mapped
// page directory this VMM builds in guest memory. The boot code below
// only runs correctly if CS is really a flat 32-bit code segment and
// the identity map really resolves linear addresses back onto the
// physical RAM the code and page tables live in.
func TestProtectedModeBootWithPaging(t *testing.T) {
	skipWithoutKVM(t)

	const entryEIP = 0x2000

	// mov al, 'Q' ; mov edx, 0x3F8 ; out dx, al ; hlt -- the real-mode
	// sequence with a 32-bit immediate, now fetched and executed under
	// 32-bit flat protected mode with paging on, so a wrong GDT or a
	// broken identity map (either the EPT/NPT one or the guest's own page
	// directory) shows up as either a triple fault or no serial output at
	// all rather than the expected 'Q'.
	bootCode := []byte{
		0xB0, 'Q', // MOV AL, 'Q'
		0xBA, 0xF8, 0x03, 0x00, 0x00, // MOV EDX, 0x3F8 (COM1 data port)
		0xEE, // OUT DX, AL
		0xF4, // HLT
	}

	restore, output := captureCOM1(t, "Q")
	defer restore()

	vm, err := lunavmm.NewVirtualMachine(lunavmm.Config{
		Debug:               true,
		AttachLegacyDevices: true,
	})
	if err != nil {
		t.Fatalf("create virtual machine: %v", err)
	}
	defer vm.Close()

	if err := vm.LoadBinary(bootCode, entryEIP); err != nil {
		t.Fatalf("load boot code: %v", err)
	}
	// One 4MiB PSE page is enough to cover entryEIP; the identity map
	// starts at guest-physical 0, same as the EPT/NPT map underneath it.
	if err := vm.EnterProtectedModeWithPaging(0, entryEIP, 4); err != nil {
		t.Fatalf("enter protected mode: %v", err)
	}

	if err := runWithTimeout(t, vm, 3*time.Second); err != nil {
		t.Errorf("vm.Run returned an error: %v", err)
	}

	capturedOutput := <-output
	if !strings.Contains(capturedOutput, "Q") {
		t.Errorf("expected serial output to contain %q, got %q", "Q", capturedOutput)
	}
}
