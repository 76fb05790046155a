package devices

import (
	"fmt"
	"sync"
)

// KeyboardDevice implements a very basic PS/2 style keyboard controller.
// For this phase, it uses a pre-populated buffer for input.
type KeyboardDevice struct {
	lock   sync.Mutex
	buffer []byte // Internal buffer for "typed" characters
	// No irqRaiser needed for this phase as guest will poll.
}

// NewKeyboardDevice creates and initializes a new KeyboardDevice.
// The input buffer is pre-populated with 'V'.
func NewKeyboardDevice() *KeyboardDevice {
	return &KeyboardDevice{
		buffer: []byte{'V'}, // Pre-populate with 'V'
	}
}

// PioWrite satisfies platform.PortDevice. Command/data writes are
// accepted and discarded in this simple model; the guest never blocks
// waiting for an acknowledgment it won't get.
func (k *KeyboardDevice) PioWrite(port uint16, size uint8, val uint32) error {
	return nil
}

// PioRead satisfies platform.PortDevice. Responds to status (0x64) and
// data (0x60) ports.
func (k *KeyboardDevice) PioRead(port uint16, size uint8) (uint32, error) {
	k.lock.Lock()
	defer k.lock.Unlock()

	if size != 1 {
		return 0, fmt.Errorf("KeyboardDevice: I/O size %d not supported for port 0x%x, only 1-byte", size, port)
	}

	switch port {
	case KEYBOARD_PORT_STATUS: // Status Port (0x64): bit 0 = Output Buffer Full
		if len(k.buffer) > 0 {
			return 0x01, nil
		}
		return 0x00, nil

	case KEYBOARD_PORT_DATA: // Data Port (0x60)
		if len(k.buffer) > 0 {
			val := k.buffer[0]
			k.buffer = k.buffer[1:]
			return uint32(val), nil
		}
		return 0x00, nil
	default:
		return 0, fmt.Errorf("KeyboardDevice: unhandled read from port 0x%x", port)
	}
}
