//go:build linux

package socketcan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-qcan/internal/can"
)

type Device struct {
	fd       int
	fdFrames bool // CAN_RAW_FD_FRAMES enabled
}

// Open binds a raw socket to iface. With fd set the socket also carries
// CAN-FD frames; the interface must then be FD capable.
func Open(iface string, fd bool) (*Device, error) {
	sock, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	on := 0
	if fd {
		on = 1
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, on); err != nil {
		// Older kernels may not know this option; that only matters when FD was asked for.
		if fd || err != unix.ENOPROTOOPT {
			_ = unix.Close(sock)
			return nil, fmt.Errorf("set CAN_RAW_FD_FRAMES=%d: %w", on, err)
		}
	}
	// Deliver every kernel error class; ReadFrame maps them to error frames.
	if err := unix.SetsockoptInt(sock, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("set CAN_RAW_ERR_FILTER: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(sock, sa); err != nil {
		_ = unix.Close(sock)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: sock, fdFrames: fd}, nil
}

func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads one classic or FD frame, or an error frame reporting the
// controller state.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [CANFDMTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	got, err := UnmarshalFrame(buf[:n])
	if err != nil {
		return err
	}
	*fr = got
	return nil
}

// WriteFrame writes one frame. FD frames need a socket opened with fd set.
// Error frames are never written to the bus.
func (d *Device) WriteFrame(fr can.Frame) error {
	if fr.IsError() {
		return fmt.Errorf("socketcan: %w: error frame", can.ErrUnsupported)
	}
	if fr.Format().IsFD() && !d.fdFrames {
		return fmt.Errorf("socketcan: %w: FD frames disabled", can.ErrUnsupported)
	}
	var buf [CANFDMTU]byte
	n := MarshalFrame(&buf, &fr)
	_, err := unix.Write(d.fd, buf[:n])
	return err
}
