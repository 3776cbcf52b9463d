// Package socketcan bridges a Linux raw CAN interface, classic and FD.
package socketcan

import (
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-qcan/internal/can"
)

// BackendName labels socketcan metrics.
const BackendName = "socketcan"

// Sizes of struct can_frame and struct canfd_frame (<linux/can.h>).
const (
	CANMTU   = 16
	CANFDMTU = 72
)

// canfd_frame flags.
const (
	fdFlagBRS = 0x01
	fdFlagESI = 0x02
)

// MarshalFrame encodes fr as the kernel struct for its class and returns the
// number of bytes used (CANMTU or CANFDMTU).
//
// struct can_frame / canfd_frame:
//
//	can_id u32  [0:4]  (EFF/RTR/ERR flags included)
//	len    u8   [4]
//	flags  u8   [5]    FD only: BRS, ESI
//	res    2B   [6:8]
//	data        [8:16] or [8:72]
//
// The kernel uses host byte order; all supported targets are little-endian.
func MarshalFrame(buf *[CANFDMTU]byte, fr *can.Frame) int {
	*buf = [CANFDMTU]byte{}
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID())
	buf[4] = uint8(fr.DataLength())
	if !fr.Format().IsFD() {
		copy(buf[8:CANMTU], fr.Data())
		return CANMTU
	}
	if fr.BitrateSwitch() {
		buf[5] |= fdFlagBRS
	}
	if fr.ErrorStateIndicator() {
		buf[5] |= fdFlagESI
	}
	copy(buf[8:], fr.Data())
	return CANFDMTU
}

// UnmarshalFrame decodes a kernel frame of n bytes. Kernel error frames
// (CAN_ERR_FLAG) decode to can error frames.
func UnmarshalFrame(buf []byte) (can.Frame, error) {
	var fd bool
	switch len(buf) {
	case CANMTU:
	case CANFDMTU:
		fd = true
	default:
		return can.Frame{}, fmt.Errorf("socketcan: short read: %d", len(buf))
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	n := int(buf[4])
	if !fd && n > can.ClassicCapacity {
		n = can.ClassicCapacity // can_dlc 9..15 means 8 bytes
	}
	if n > len(buf)-8 {
		return can.Frame{}, fmt.Errorf("%w: len %d", can.ErrInvalidLength, n)
	}
	data := buf[8 : 8+n]
	if id&can.CAN_ERR_FLAG != 0 {
		return can.FromCANID(id, data, false)
	}
	if !fd && id&can.CAN_RTR_FLAG != 0 {
		data = nil
	}
	fr, err := can.FromCANID(id, data, fd)
	if err != nil {
		return can.Frame{}, err
	}
	if !fd && id&can.CAN_RTR_FLAG != 0 {
		_ = fr.SetDataLength(n)
	}
	if fd {
		_ = fr.SetBitrateSwitch(buf[5]&fdFlagBRS != 0)
		_ = fr.SetErrorStateIndicator(buf[5]&fdFlagESI != 0)
	}
	return fr, nil
}
