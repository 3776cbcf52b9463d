package can

import (
	"fmt"
	"strings"
)

// BusState is the controller state carried by an error frame. The numeric
// values are carried on the wire (error frame byte 0).
type BusState uint8

const (
	StateStopped BusState = iota
	StateSleeping
	StateBusActive
	StateBusWarn
	StateBusPassive
	StateBusOff
)

func (s BusState) Valid() bool { return s <= StateBusOff }

func (s BusState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateSleeping:
		return "sleeping"
	case StateBusActive:
		return "active"
	case StateBusWarn:
		return "warning"
	case StateBusPassive:
		return "passive"
	case StateBusOff:
		return "bus-off"
	default:
		return fmt.Sprintf("BusState(%d)", uint8(s))
	}
}

// StateFromCounters derives the bus state from the error counters: a
// transmit count of 255 is bus-off, above 127 passive, from 96 warning.
func StateFromCounters(rx, tx uint8) BusState {
	switch {
	case tx == 255:
		return StateBusOff
	case rx > 127 || tx > 127:
		return StateBusPassive
	case rx >= 96 || tx >= 96:
		return StateBusWarn
	default:
		return StateBusActive
	}
}

// ErrorType names the bus error that raised an error frame (byte 1).
type ErrorType uint8

const (
	ErrorNone ErrorType = iota
	ErrorBit0
	ErrorBit1
	ErrorStuff
	ErrorForm
	ErrorCRC
	ErrorAck
)

func (t ErrorType) Valid() bool { return t <= ErrorAck }

func (t ErrorType) String() string {
	switch t {
	case ErrorNone:
		return "none"
	case ErrorBit0:
		return "bit0"
	case ErrorBit1:
		return "bit1"
	case ErrorStuff:
		return "stuff"
	case ErrorForm:
		return "form"
	case ErrorCRC:
		return "crc"
	case ErrorAck:
		return "ack"
	default:
		return fmt.Sprintf("ErrorType(%d)", uint8(t))
	}
}

// ErrorInfo is the content of an error frame.
type ErrorInfo struct {
	State    BusState
	Type     ErrorType
	RxErrors uint8
	TxErrors uint8
}

// ErrorFrameLength is the data length of every error frame.
const ErrorFrameLength = 4

// NewErrorFrame returns an error frame reporting info. It is a
// ClassicStandard frame with identifier 0 whose four data bytes hold State,
// Type, RxErrors and TxErrors. Unknown State or Type values are rejected.
func NewErrorFrame(info ErrorInfo) (Frame, error) {
	if !info.State.Valid() {
		return Frame{}, invalid(ErrUnsupported, "state", int64(info.State), int64(StateBusOff), ClassicStandard)
	}
	if !info.Type.Valid() {
		return Frame{}, invalid(ErrUnsupported, "error_type", int64(info.Type), int64(ErrorAck), ClassicStandard)
	}
	var fr Frame
	fr.errFrame = true
	fr.length = ErrorFrameLength
	fr.payload[0] = byte(info.State)
	fr.payload[1] = byte(info.Type)
	fr.payload[2] = info.RxErrors
	fr.payload[3] = info.TxErrors
	return fr, nil
}

// IsError reports whether fr is an error frame rather than bus traffic.
func (fr *Frame) IsError() bool { return fr.errFrame }

// ErrorInfo decodes an error frame. ok is false for data frames.
func (fr *Frame) ErrorInfo() (info ErrorInfo, ok bool) {
	if !fr.errFrame {
		return ErrorInfo{}, false
	}
	return ErrorInfo{
		State:    BusState(fr.payload[0]),
		Type:     ErrorType(fr.payload[1]),
		RxErrors: fr.payload[2],
		TxErrors: fr.payload[3],
	}, true
}

func (info ErrorInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ERR %s", info.State)
	if info.Type != ErrorNone {
		fmt.Fprintf(&b, " %s", info.Type)
	}
	fmt.Fprintf(&b, " rx=%d tx=%d", info.RxErrors, info.TxErrors)
	return b.String()
}

// Error class bits of a SocketCAN error frame can_id (<linux/can/error.h>).
const (
	canErrProt      = 0x008
	canErrAck       = 0x020
	canErrBusOff    = 0x040
	canErrRestarted = 0x100
	canErrCnt       = 0x200
)

// data[1] controller status, data[2] protocol violation type and data[3]
// location.
const (
	canErrCrtlRxWarning = 0x04
	canErrCrtlTxWarning = 0x08
	canErrCrtlRxPassive = 0x10
	canErrCrtlTxPassive = 0x20
	canErrCrtlActive    = 0x40

	canErrProtForm  = 0x02
	canErrProtStuff = 0x04
	canErrProtBit0  = 0x08
	canErrProtBit1  = 0x10

	canErrProtLocCRCSeq = 0x08
	canErrProtLocCRCDel = 0x18
)

// errorFrameFromCANID maps a SocketCAN error frame onto an error frame. The
// kernel puts the transmit counter in data[6] and the receive counter in
// data[7].
func errorFrameFromCANID(canID uint32, data []byte) (Frame, error) {
	at := func(i int) byte {
		if i < len(data) {
			return data[i]
		}
		return 0
	}
	info := ErrorInfo{State: StateBusActive, TxErrors: at(6), RxErrors: at(7)}
	if canID&canErrCnt != 0 {
		info.State = StateFromCounters(info.RxErrors, info.TxErrors)
	}
	crtl := at(1)
	switch {
	case canID&canErrBusOff != 0:
		info.State = StateBusOff
	case crtl&(canErrCrtlRxPassive|canErrCrtlTxPassive) != 0:
		info.State = StateBusPassive
	case crtl&(canErrCrtlRxWarning|canErrCrtlTxWarning) != 0:
		info.State = StateBusWarn
	case crtl&canErrCrtlActive != 0, canID&canErrRestarted != 0:
		info.State = StateBusActive
	}

	switch prot, loc := at(2), at(3); {
	case canID&canErrAck != 0:
		info.Type = ErrorAck
	case canID&canErrProt == 0:
	case prot&canErrProtBit0 != 0:
		info.Type = ErrorBit0
	case prot&canErrProtBit1 != 0:
		info.Type = ErrorBit1
	case prot&canErrProtStuff != 0:
		info.Type = ErrorStuff
	case prot&canErrProtForm != 0:
		info.Type = ErrorForm
	case loc == canErrProtLocCRCSeq || loc == canErrProtLocCRCDel:
		info.Type = ErrorCRC
	}
	return NewErrorFrame(info)
}
