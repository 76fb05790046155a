package lunavmm

import (
	"fmt"
	"log"
)

// logFatalExit emits the single diagnostic line a fatal host or fatal
// guest condition produces before a vCPU's run loop unwinds: the exit
// reason, the guest RIP at the time of the fault, and whatever detail
// the caller has about the offending access.
func logFatalExit(vcpuID int, class, reason string, gRIP uint64, detail string) {
	log.Printf("vcpu %d: %s error, exit=%s gRIP=0x%x: %s", vcpuID, class, reason, gRIP, detail)
}

// unmappedMMIOError distinguishes a genuinely unclaimed guest-physical
// address (fatal to the guest, per spec: the vCPU cannot make forward
// progress) from a decode or fetch failure (fatal to the host: this
// VMM's emulator could not service an access it otherwise recognized
// as belonging to a device).
func unmappedMMIOError(gpa uint64, read, write bool) error {
	return fmt.Errorf("unhandled EPT violation at gpa 0x%x (read=%v write=%v): no device claims this address", gpa, read, write)
}
