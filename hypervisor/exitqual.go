package hypervisor

// DecodeEPTQualification unpacks Intel's EPT-violation exit
// qualification bits into the normalized MMUFault fields. Bits 0-2 are
// the attempted access and bits 3-5 are the page's granted permissions.
// Bit 7 (whether the fault occurred during a guest-linear address
// translation) is not carried into MMUFault.
func DecodeEPTQualification(qual uint64) MMUFault {
	return MMUFault{
		Read:      qual&(1<<0) != 0,
		Write:     qual&(1<<1) != 0,
		Exec:      qual&(1<<2) != 0,
		PageRead:  qual&(1<<3) != 0,
		PageWrite: qual&(1<<4) != 0,
		PageExec:  qual&(1<<5) != 0,
	}
}

// DecodeNPFErrorCode unpacks AMD-V's #NPF error code, which reuses the
// ordinary page-fault error-code layout (bit 0 present, bit 1 write,
// bit 2 user) rather than Intel's dedicated qualification encoding.
func DecodeNPFErrorCode(code uint64) MMUFault {
	present := code&(1<<0) != 0
	return MMUFault{
		Write: code&(1<<1) != 0,
		User:  code&(1<<2) != 0,
		Exec:  code&(1<<4) != 0,
		Read:  !(code&(1<<1) != 0) && present,
	}
}
