package can

import (
	"time"
)

// Frame is one CAN or CAN-FD message.
//
// Frame is a value type. Payload bytes at or beyond Capacity() are kept at
// zero, so plain assignment copies a frame and == compares two frames. The
// zero Frame is a valid ClassicStandard frame with identifier 0 and no data.
//
// Every setter either applies the whole change or returns an error and
// leaves the frame untouched. Changing the format or identifier of an error
// frame, or marking it remote, turns it back into a data frame.
type Frame struct {
	format Format
	id     uint32
	length uint8

	remote   bool
	brs      bool
	esi      bool
	errFrame bool

	timestamp time.Duration
	user      uint32
	marker    uint32

	payload [FDCapacity]byte
}

// New builds a frame by setting format, identifier and data length in that
// order. The first failing step is returned.
func New(f Format, id uint32, length int) (Frame, error) {
	var fr Frame
	if !f.Valid() {
		return Frame{}, invalid(ErrInvalidFormat, "format", int64(f), int64(FDExtended), f)
	}
	fr.SetFormat(f)
	if err := fr.SetIdentifier(id); err != nil {
		return Frame{}, err
	}
	if err := fr.SetDataLength(length); err != nil {
		return Frame{}, err
	}
	return fr, nil
}

func (fr *Frame) Format() Format     { return fr.format }
func (fr *Frame) Identifier() uint32 { return fr.id }
func (fr *Frame) DataLength() int    { return int(fr.length) }
func (fr *Frame) Capacity() int      { return fr.format.Capacity() }

// DLC returns the data length code matching DataLength.
func (fr *Frame) DLC() uint8 { return LengthToDLC(int(fr.length)) }

func (fr *Frame) Remote() bool              { return fr.remote }
func (fr *Frame) BitrateSwitch() bool       { return fr.brs }
func (fr *Frame) ErrorStateIndicator() bool { return fr.esi }
func (fr *Frame) Timestamp() time.Duration  { return fr.timestamp }
func (fr *Frame) User() uint32              { return fr.user }
func (fr *Frame) Marker() uint32            { return fr.marker }

// Payload returns a copy of the full capacity buffer.
func (fr *Frame) Payload() []byte {
	out := make([]byte, fr.Capacity())
	copy(out, fr.payload[:])
	return out
}

// Data returns a copy of the first DataLength bytes.
func (fr *Frame) Data() []byte {
	out := make([]byte, fr.length)
	copy(out, fr.payload[:fr.length])
	return out
}

// Byte returns the payload byte at i, or 0 when i is outside the capacity.
func (fr *Frame) Byte(i int) uint8 {
	if i < 0 || i >= fr.Capacity() {
		return 0
	}
	return fr.payload[i]
}

// SetFormat changes the frame format and returns the resulting capacity.
// Crossing between classic and FD zeroes the payload. An identifier that no
// longer fits is reset to 0 and the data length is clamped to the new
// capacity. Invalid formats are ignored.
func (fr *Frame) SetFormat(f Format) int {
	if !f.Valid() {
		return fr.Capacity()
	}
	if f.IsFD() != fr.format.IsFD() {
		fr.payload = [FDCapacity]byte{}
	}
	if f != fr.format {
		fr.errFrame = false
	}
	fr.format = f
	if fr.id > f.MaxIdentifier() {
		fr.id = 0
	}
	if int(fr.length) > f.Capacity() {
		fr.length = uint8(f.Capacity())
	}
	if f.IsFD() {
		fr.remote = false
		fr.length = uint8(NormalizeFDLength(int(fr.length)))
	} else {
		fr.brs = false
		fr.esi = false
	}
	return f.Capacity()
}

// SetIdentifier sets the identifier. It fails with ErrInvalidIdentifier when
// id does not fit the current format.
func (fr *Frame) SetIdentifier(id uint32) error {
	if lim := fr.format.MaxIdentifier(); id > lim {
		return invalid(ErrInvalidIdentifier, "identifier", int64(id), int64(lim), fr.format)
	}
	if id != fr.id {
		fr.errFrame = false
	}
	fr.id = id
	return nil
}

// SetDataLength sets the number of valid payload bytes. FD frames round n up
// to the next permitted FD length. Bytes beyond the old length are not
// cleared; they are whatever was last written there.
func (fr *Frame) SetDataLength(n int) error {
	capa := fr.Capacity()
	if n < 0 || n > capa {
		return invalid(ErrInvalidLength, "length", int64(n), int64(capa), fr.format)
	}
	if fr.format.IsFD() {
		n = NormalizeFDLength(n)
	}
	fr.length = uint8(n)
	return nil
}

// SetDLC sets the data length from a 4-bit code. Classic frames treat codes
// 9..15 as 8 bytes.
func (fr *Frame) SetDLC(code uint8) error {
	if code > 15 {
		return invalid(ErrInvalidDLC, "dlc", int64(code), 15, fr.format)
	}
	n := DLCToLength(code)
	if n > fr.Capacity() {
		n = fr.Capacity()
	}
	fr.length = uint8(n)
	return nil
}

// SetByte writes value at index. The index is checked against the capacity,
// not the data length.
func (fr *Frame) SetByte(index, value int) error {
	if capa := fr.Capacity(); index < 0 || index >= capa {
		return invalid(ErrInvalidIndex, "index", int64(index), int64(capa-1), fr.format)
	}
	if value < 0 || value > 0xFF {
		return invalid(ErrInvalidByte, "value", int64(value), 0xFF, fr.format)
	}
	fr.payload[index] = byte(value)
	return nil
}

// SetData copies b into the payload and sets the data length to len(b),
// normalized for FD. Padding up to the normalized length is zeroed.
func (fr *Frame) SetData(b []byte) error {
	if err := fr.checkLength(len(b)); err != nil {
		return err
	}
	n := len(b)
	if fr.format.IsFD() {
		n = NormalizeFDLength(n)
	}
	copy(fr.payload[:], b)
	clear(fr.payload[len(b):n])
	fr.length = uint8(n)
	return nil
}

func (fr *Frame) checkLength(n int) error {
	if capa := fr.Capacity(); n > capa {
		return invalid(ErrInvalidLength, "length", int64(n), int64(capa), fr.format)
	}
	return nil
}

// Uint16 reads two bytes starting at pos. Both bytes must lie within the
// data length.
func (fr *Frame) Uint16(pos int, msbFirst bool) (uint16, error) {
	if err := fr.checkSpan(pos, 2); err != nil {
		return 0, err
	}
	b0, b1 := uint16(fr.payload[pos]), uint16(fr.payload[pos+1])
	if msbFirst {
		return b0<<8 | b1, nil
	}
	return b1<<8 | b0, nil
}

// SetUint16 writes v at pos. Both bytes must lie within the data length.
func (fr *Frame) SetUint16(pos int, v uint16, msbFirst bool) error {
	if err := fr.checkSpan(pos, 2); err != nil {
		return err
	}
	if msbFirst {
		fr.payload[pos], fr.payload[pos+1] = byte(v>>8), byte(v)
	} else {
		fr.payload[pos], fr.payload[pos+1] = byte(v), byte(v>>8)
	}
	return nil
}

// Uint32 reads four bytes starting at pos.
func (fr *Frame) Uint32(pos int, msbFirst bool) (uint32, error) {
	if err := fr.checkSpan(pos, 4); err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < 4; i++ {
		if msbFirst {
			v = v<<8 | uint32(fr.payload[pos+i])
		} else {
			v |= uint32(fr.payload[pos+i]) << (8 * i)
		}
	}
	return v, nil
}

// SetUint32 writes v at pos.
func (fr *Frame) SetUint32(pos int, v uint32, msbFirst bool) error {
	if err := fr.checkSpan(pos, 4); err != nil {
		return err
	}
	for i := 0; i < 4; i++ {
		if msbFirst {
			fr.payload[pos+i] = byte(v >> (8 * (3 - i)))
		} else {
			fr.payload[pos+i] = byte(v >> (8 * i))
		}
	}
	return nil
}

func (fr *Frame) checkSpan(pos, width int) error {
	if pos < 0 || pos+width > int(fr.length) {
		return invalid(ErrInvalidIndex, "index", int64(pos), int64(int(fr.length)-width), fr.format)
	}
	return nil
}

// SetRemote marks a classic frame as a remote request. FD frames have no
// remote form.
func (fr *Frame) SetRemote(v bool) error {
	if v && fr.format.IsFD() {
		return invalid(ErrUnsupported, "remote", 1, 0, fr.format)
	}
	if v {
		fr.errFrame = false
	}
	fr.remote = v
	return nil
}

// SetBitrateSwitch sets the BRS bit. Only FD frames carry it.
func (fr *Frame) SetBitrateSwitch(v bool) error {
	if v && !fr.format.IsFD() {
		return invalid(ErrUnsupported, "brs", 1, 0, fr.format)
	}
	fr.brs = v
	return nil
}

// SetErrorStateIndicator sets the ESI bit. Only FD frames carry it.
func (fr *Frame) SetErrorStateIndicator(v bool) error {
	if v && !fr.format.IsFD() {
		return invalid(ErrUnsupported, "esi", 1, 0, fr.format)
	}
	fr.esi = v
	return nil
}

// MaxTimestamp is the largest timestamp a frame carries: 32-bit seconds plus
// nanoseconds.
const MaxTimestamp = time.Duration(1<<32-1)*time.Second + time.Second - 1

// SetTimestamp stores d clamped to 0..MaxTimestamp.
func (fr *Frame) SetTimestamp(d time.Duration) { fr.timestamp = min(max(d, 0), MaxTimestamp) }

func (fr *Frame) SetUser(v uint32)   { fr.user = v }
func (fr *Frame) SetMarker(v uint32) { fr.marker = v }

// CANID returns the identifier in SocketCAN can_id layout, with the EFF and
// RTR flags applied.
func (fr *Frame) CANID() uint32 {
	id := fr.id
	if fr.format.IsExtended() {
		id |= CAN_EFF_FLAG
	}
	if fr.remote {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromCANID builds a frame from a SocketCAN can_id and payload. A can_id
// with CAN_ERR_FLAG yields an error frame carrying the controller state and
// error counters.
func FromCANID(canID uint32, data []byte, fd bool) (Frame, error) {
	if canID&CAN_ERR_FLAG != 0 {
		return errorFrameFromCANID(canID, data)
	}
	var fr Frame
	f := ClassicStandard
	id := canID & CAN_SFF_MASK
	if canID&CAN_EFF_FLAG != 0 {
		f = ClassicExtended
		id = canID & CAN_EFF_MASK
	}
	if fd {
		f += FDStandard
	}
	fr.SetFormat(f)
	if err := fr.SetIdentifier(id); err != nil {
		return Frame{}, err
	}
	if err := fr.SetData(data); err != nil {
		return Frame{}, err
	}
	if canID&CAN_RTR_FLAG != 0 {
		if err := fr.SetRemote(true); err != nil {
			return Frame{}, err
		}
	}
	return fr, nil
}
