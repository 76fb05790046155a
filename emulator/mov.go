// Package emulator implements the software instruction decoder used
// when hardware could not decode the faulting MMIO access itself
// (Intel's undecodable-instruction case, and every AMD-V MMIO exit,
// since SVM never attempts instruction decode). Only the MOV forms
// that touch memory are supported; anything else is a fatal condition
// for the vCPU, matching spec.md's non-goal of a general x86 decoder.
package emulator

import "fmt"

// Opcode bytes for the four memory-operand MOV forms this decoder
// understands: 0x88/0x89 move register to memory, 0x8A/0x8B move
// memory to register, with the low bit selecting operand size class
// (8-bit vs. the prefix-selected wide size).
const (
	opMovMemFromReg8  = 0x88
	opMovMemFromReg   = 0x89
	opMovRegFromMem8  = 0x8A
	opMovRegFromMem   = 0x8B
)

// Prefix bytes recognized while scanning for the opcode.
const (
	prefixOperandSize = 0x66
	prefixAddressSize = 0x67
	prefixSegES       = 0x26
	prefixSegCS       = 0x2E
	prefixSegSS       = 0x36
	prefixSegDS       = 0x3E
	prefixSegFS       = 0x64
	prefixSegGS       = 0x65
	prefixLock        = 0xF0
	prefixRepNZ       = 0xF2
	prefixRepZ        = 0xF3
	rexMin            = 0x40
	rexMax            = 0x4F
)

// MovInstruction is the decoded form of a memory-operand MOV: which
// general-purpose register is the source or destination, how wide the
// transfer is, and how many bytes of the instruction stream it
// consumed (needed to advance RIP after emulation).
type MovInstruction struct {
	ToMemory bool // true: reg -> memory (0x88/0x89); false: memory -> reg (0x8A/0x8B)
	Reg      int  // register index from ModR/M.reg (0-15 with REX.R)
	SizeBits int  // 8, 16, 32, or 64
	Length   int  // total bytes consumed, including prefixes and ModR/M
}

// Decode reads up to 15 raw instruction bytes (the hardware-imposed
// maximum, and the size of VmExit.EmulateOpcode) and returns the
// decoded MOV, or an error if the bytes do not form a memory-operand
// MOV this backend supports. Only ModR/M mod=00 with rm != 4 (no SIB)
// and rm != 5 (no disp32-only form) is accepted: those are the two
// addressing modes real firmware and drivers use for a single MMIO
// register-indirect access, and the byte stream doesn't disambiguate
// the SIB/disp32 cases without a full address-size-aware decode this
// package deliberately does not implement.
//
// csDB is the code segment's default-operand-size bit (CS.DB/CS.D):
// the unprefixed operand size is 32 bits when set, 16 bits otherwise,
// and the 0x66 operand-size prefix flips to the other one.
func Decode(code []byte, csDB bool) (MovInstruction, error) {
	var inst MovInstruction
	i := 0
	defaultOperandSize, otherOperandSize := 16, 32
	if csDB {
		defaultOperandSize, otherOperandSize = 32, 16
	}
	operandSize := defaultOperandSize
	rex := byte(0)

	for i < len(code) {
		b := code[i]
		switch {
		case b == prefixOperandSize:
			operandSize = otherOperandSize
			i++
		case b == prefixAddressSize:
			i++
		case b == prefixSegES || b == prefixSegCS || b == prefixSegSS ||
			b == prefixSegDS || b == prefixSegFS || b == prefixSegGS:
			i++
		case b == prefixLock || b == prefixRepNZ || b == prefixRepZ:
			i++
		case b >= rexMin && b <= rexMax:
			rex = b
			i++
		default:
			goto opcode
		}
	}
opcode:
	if i >= len(code) {
		return inst, fmt.Errorf("emulator: truncated instruction stream (%d bytes, all prefixes)", len(code))
	}
	op := code[i]
	i++

	switch op {
	case opMovMemFromReg8:
		inst.ToMemory, inst.SizeBits = true, 8
	case opMovMemFromReg:
		inst.ToMemory, inst.SizeBits = true, operandSize
	case opMovRegFromMem8:
		inst.ToMemory, inst.SizeBits = false, 8
	case opMovRegFromMem:
		inst.ToMemory, inst.SizeBits = false, operandSize
	default:
		return inst, fmt.Errorf("emulator: unsupported opcode 0x%02x (only MMIO MOV forms are emulated)", op)
	}
	if rex&0x08 != 0 { // REX.W
		inst.SizeBits = 64
	}

	if i >= len(code) {
		return inst, fmt.Errorf("emulator: truncated instruction stream, missing ModR/M")
	}
	modrm := code[i]
	i++

	mod := modrm >> 6
	reg := int(modrm>>3) & 0x7
	rm := int(modrm) & 0x7
	if rex&0x04 != 0 { // REX.R
		reg += 8
	}

	if mod != 0 {
		return inst, fmt.Errorf("emulator: unsupported ModR/M mod=%d (only mod=00 register-indirect is emulated)", mod)
	}
	if rm == 4 {
		return inst, fmt.Errorf("emulator: SIB-addressed ModR/M is not supported")
	}
	if rm == 5 {
		return inst, fmt.Errorf("emulator: RIP-relative/disp32-only ModR/M is not supported")
	}

	inst.Reg = reg
	inst.Length = i
	return inst, nil
}
