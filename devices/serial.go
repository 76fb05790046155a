package devices

import (
	"fmt"
	"io"
	"sync"
)

// SerialPortDevice implements a basic 16550A UART.
type SerialPortDevice struct {
	outputWriter io.Writer // Where to write serial output (e.g., os.Stdout)
	irqRaiser    InterruptRaiser // To signal interrupts to the PIC
	lock         sync.Mutex

	// Internal registers state
	thrDll byte // Transmitter Holding Register / Divisor Latch Low (DLAB=1)
	ierDlh byte // Interrupt Enable Register / Divisor Latch High (DLAB=1)
	iirFcr byte // Interrupt Identification Register / FIFO Control Register (write)
	lcr    byte // Line Control Register
	mcr    byte // Modem Control Register
	lsr    byte // Line Status Register
	msr    byte // Modem Status Register
	scr    byte // Scratch Pad Register

	dlabActive bool // True if DLAB bit in LCR is set
}

// NewSerialPortDevice creates and initializes a new SerialPortDevice.
// It takes an io.Writer for its output and an InterruptRaiser for interrupt signaling.
func NewSerialPortDevice(writer io.Writer, irqRaiser InterruptRaiser) *SerialPortDevice {
	s := &SerialPortDevice{
		outputWriter: writer,
		irqRaiser:    irqRaiser,
		// Initialize registers to default power-on states
		lsr: LSR_THRE | LSR_TEMT,     // THR and Transmitter Empty by default
		iirFcr: IIR_NO_INT_PENDING, // No interrupts pending
	}
	return s
}

// PioWrite satisfies platform.PortDevice.
func (s *SerialPortDevice) PioWrite(port uint16, size uint8, val32 uint32) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if size != 1 {
		return fmt.Errorf("SerialPortDevice: I/O size %d not supported for port 0x%x, only 1-byte", size, port)
	}
	offset := port - COM1_PORT_BASE
	val := byte(val32)

	switch offset {
	case RHR_THR_DLL:
		if s.dlabActive {
			s.thrDll = val // Divisor Latch Low
		} else {
			// Write to Transmitter Holding Register (THR)
			if _, err := s.outputWriter.Write([]byte{val}); err != nil {
				return err
			}
			s.lsr |= LSR_THRE | LSR_TEMT
		}
	case IER_DLH:
		if s.dlabActive {
			s.ierDlh = val // Divisor Latch High
		} else {
			s.ierDlh = val // Interrupt Enable Register
		}
	case IIR_FCR: // FIFO Control Register (write-only)
		s.iirFcr = val
	case LCR: // Line Control Register
		s.lcr = val
		s.dlabActive = (val & LCR_DLAB) != 0
	case MCR: // Modem Control Register
		s.mcr = val
	case SCR: // Scratch Pad Register
		s.scr = val
	default:
		return fmt.Errorf("SerialPortDevice: unhandled write to port 0x%x (offset 0x%x), value 0x%x", port, offset, val)
	}
	return nil
}

// PioRead satisfies platform.PortDevice.
func (s *SerialPortDevice) PioRead(port uint16, size uint8) (uint32, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if size != 1 {
		return 0, fmt.Errorf("SerialPortDevice: I/O size %d not supported for port 0x%x, only 1-byte", size, port)
	}
	offset := port - COM1_PORT_BASE

	var readVal byte
	switch offset {
	case RHR_THR_DLL:
		if s.dlabActive {
			readVal = s.thrDll // Divisor Latch Low
		} else {
			readVal = 0x0 // no data pending
			s.lsr &^= LSR_DR
		}
	case IER_DLH:
		if s.dlabActive {
			readVal = s.ierDlh // Divisor Latch High
		} else {
			readVal = s.ierDlh
		}
	case IIR_FCR: // Interrupt Identification Register (read-only)
		readVal = s.iirFcr
		s.iirFcr = IIR_NO_INT_PENDING // reading IIR clears pending interrupts
	case LCR:
		readVal = s.lcr
	case MCR:
		readVal = s.mcr
	case LSR:
		readVal = s.lsr
	case MSR:
		readVal = 0x00
	case SCR:
		readVal = s.scr
	default:
		return 0, fmt.Errorf("SerialPortDevice: unhandled read from port 0x%x (offset 0x%x)", port, offset)
	}
	return uint32(readVal), nil
}

// Constants for Serial Port Registers, LCR, LSR, IIR, IER bits
// were moved to pic_constants.go to centralize them.
// This file (serial.go) will use those constants from the devices package scope.
