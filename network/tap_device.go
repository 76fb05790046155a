package network

import (
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HostNetInterface defines the interface for interacting with the host's network.
type HostNetInterface interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

// TapDevice implements HostNetInterface using a Linux TUN/TAP device.
type TapDevice struct {
	fd   int
	name string
}

func tapIoctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// NewTapDevice creates and configures a new TAP device.
func NewTapDevice(name string) (*TapDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/net/tun: %w", err)
	}

	var ifr struct {
		Name  [16]byte
		Flags uint16
		_     [2]byte // Padding
	}
	copy(ifr.Name[:], name)
	ifr.Flags = unix.IFF_TAP | unix.IFF_NO_PI // IFF_TAP for Ethernet frames, IFF_NO_PI to not include packet info

	if err := tapIoctl(fd, unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF ioctl failed for %s: %w", name, err)
	}

	log.Printf("network: TAP device %s created (fd %d)", name, fd)
	return &TapDevice{fd: fd, name: name}, nil
}

// ReadPacket reads an Ethernet frame from the TAP device.
func (t *TapDevice) ReadPacket() ([]byte, error) {
	buffer := make([]byte, 2048) // Max Ethernet frame size + some buffer
	n, err := unix.Read(t.fd, buffer)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil // No data available right now, not an error
		}
		return nil, fmt.Errorf("failed to read from tap device %s: %w", t.name, err)
	}
	return buffer[:n], nil
}

// WritePacket writes an Ethernet frame to the TAP device.
func (t *TapDevice) WritePacket(packet []byte) error {
	_, err := unix.Write(t.fd, packet)
	if err != nil {
		return fmt.Errorf("failed to write to tap device %s: %w", t.name, err)
	}
	return nil
}

// Close closes the TAP device file descriptor.
func (t *TapDevice) Close() error {
	if t.fd != 0 {
		log.Printf("network: closing TAP device %s (fd %d)", t.name, t.fd)
		return unix.Close(t.fd)
	}
	return nil
}
