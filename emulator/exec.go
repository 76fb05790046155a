package emulator

import (
	"encoding/binary"
	"fmt"

	"lunavmm/hypervisor"
)

// regPointers returns pointers to the 16 general-purpose registers in
// x86 ModR/M.reg encoding order (RAX, RCX, RDX, RBX, RSP, RBP, RSI,
// RDI, R8-R15), so a decoded register index indexes directly.
func regPointers(regs *hypervisor.GuestRegisters) [16]*uint64 {
	return [16]*uint64{
		&regs.RAX, &regs.RCX, &regs.RDX, &regs.RBX,
		&regs.RSP, &regs.RBP, &regs.RSI, &regs.RDI,
		&regs.R8, &regs.R9, &regs.R10, &regs.R11,
		&regs.R12, &regs.R13, &regs.R14, &regs.R15,
	}
}

// Execute applies a decoded MOV against the given MMIO data buffer
// (the bytes KVM staged for the access, sized to inst.SizeBits/8) and
// the guest's general-purpose register file. It never touches RIP;
// the caller advances RIP by inst.Length after a successful Execute.
func Execute(inst MovInstruction, regs *hypervisor.GuestRegisters, mmioData []byte) error {
	size := inst.SizeBits / 8
	if len(mmioData) < size {
		return fmt.Errorf("emulator: MMIO buffer too small (%d bytes) for a %d-bit MOV", len(mmioData), inst.SizeBits)
	}
	ptrs := regPointers(regs)
	if inst.Reg >= len(ptrs) {
		return fmt.Errorf("emulator: register index %d out of range", inst.Reg)
	}
	reg := ptrs[inst.Reg]

	if inst.ToMemory {
		putLE(mmioData[:size], *reg, inst.SizeBits)
		return nil
	}

	v := getLE(mmioData[:size], inst.SizeBits)
	// Matching ordinary x86 MOV semantics, an 8/16-bit load leaves the
	// upper bits of the register untouched, while a 32/64-bit load
	// replaces the full register (a 32-bit load zero-extends).
	if inst.SizeBits == 8 || inst.SizeBits == 16 {
		mask := uint64(1)<<inst.SizeBits - 1
		*reg = (*reg &^ mask) | v
	} else {
		*reg = v
	}
	return nil
}

func putLE(dst []byte, v uint64, bits int) {
	switch bits {
	case 8:
		dst[0] = byte(v)
	case 16:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case 64:
		binary.LittleEndian.PutUint64(dst, v)
	}
}

func getLE(src []byte, bits int) uint64 {
	switch bits {
	case 8:
		return uint64(src[0])
	case 16:
		return uint64(binary.LittleEndian.Uint16(src))
	case 32:
		return uint64(binary.LittleEndian.Uint32(src))
	case 64:
		return binary.LittleEndian.Uint64(src)
	}
	return 0
}
