package can

import (
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Identifier and payload limits. These are properties of the bus, not configuration.
const (
	MaxStdID = CAN_SFF_MASK
	MaxExtID = CAN_EFF_MASK

	ClassicCapacity = 8
	FDCapacity      = 64
)

// Format selects one of the four legal frame shapes. The numeric values are
// carried on the wire (control byte bits 0..1) and must not change.
type Format uint8

const (
	ClassicStandard Format = iota // CBFF: 11-bit id, up to 8 bytes
	ClassicExtended               // CEFF: 29-bit id, up to 8 bytes
	FDStandard                    // FBFF: 11-bit id, up to 64 bytes
	FDExtended                    // FEFF: 29-bit id, up to 64 bytes
)

// Valid reports whether f is one of the four defined formats.
func (f Format) Valid() bool { return f <= FDExtended }

// IsFD reports whether f is a CAN-FD format.
func (f Format) IsFD() bool { return f == FDStandard || f == FDExtended }

// IsExtended reports whether f carries a 29-bit identifier.
func (f Format) IsExtended() bool { return f == ClassicExtended || f == FDExtended }

// Capacity returns the payload size in bytes implied by f.
func (f Format) Capacity() int {
	if f.IsFD() {
		return FDCapacity
	}
	return ClassicCapacity
}

// MaxIdentifier returns the largest identifier legal for f.
func (f Format) MaxIdentifier() uint32 {
	if f.IsExtended() {
		return MaxExtID
	}
	return MaxStdID
}

func (f Format) String() string {
	switch f {
	case ClassicStandard:
		return "CBFF"
	case ClassicExtended:
		return "CEFF"
	case FDStandard:
		return "FBFF"
	case FDExtended:
		return "FEFF"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// ParseFormat accepts the short names printed by String (case-insensitive)
// plus the aliases std, ext, fd-std and fd-ext.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cbff", "std", "classic-std":
		return ClassicStandard, nil
	case "ceff", "ext", "classic-ext":
		return ClassicExtended, nil
	case "fbff", "fd-std":
		return FDStandard, nil
	case "feff", "fd-ext":
		return FDExtended, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidFormat, s)
}
