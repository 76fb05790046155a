package devices

import "sync"

// ACPIPMBlock is the target of an LPCBridge's PMBASE/ACPI_CNTL side
// effect: it doesn't itself decode PM1_STS/PM1_EN/PM_TMR (out of scope
// here), it just records where the chipset last told it to live and
// whether the SCI is enabled, the observable surface spec.md's LPC
// retargeting scenario checks.
type ACPIPMBlock struct {
	lock    sync.Mutex
	enabled bool
	base    uint16
	updates int
}

// NewACPIPMBlock returns a PM block with no I/O window assigned.
func NewACPIPMBlock() *ACPIPMBlock { return &ACPIPMBlock{} }

// Update satisfies devices.ACPIRetarget.
func (a *ACPIPMBlock) Update(enabled bool, base uint16) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.enabled = enabled
	a.base = base
	a.updates++
}

// Base and Enabled report the block's current relocation state.
func (a *ACPIPMBlock) Base() uint16 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.base
}

func (a *ACPIPMBlock) Enabled() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.enabled
}

// Updates reports how many times Update has been called, letting a
// test assert an LPC config-space write triggered exactly one
// relocation notification rather than one per byte lane touched.
func (a *ACPIPMBlock) Updates() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.updates
}
