// Package qcn implements the QCan network wire format: fixed 96-byte frame
// records protected by a CRC-16, preceded by a short text handshake.
package qcn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sigurn/crc16"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/metrics"
)

// RecordSize is the size of one frame record on the wire.
const RecordSize = 96

// Record layout offsets.
const (
	offID        = 0
	offDLC       = 4
	offCtrl      = 5
	offData      = 6
	offTSSeconds = 70
	offTSNanos   = 74
	offUser      = 78
	offMarker    = 82
	offReserved  = 86
	offChecksum  = 94
)

// Control byte bits.
const (
	ctrlFormatMask = 0x03
	ctrlRTR        = 0x04
	ctrlBRS        = 0x08
	ctrlESI        = 0x10
	ctrlError      = 0x20 // error frame: CBFF, id 0, dlc 4, no other flags
	ctrlKnown      = ctrlFormatMask | ctrlRTR | ctrlBRS | ctrlESI | ctrlError
)

var crcTable = crc16.MakeTable(crc16.CRC16_X_25)

var (
	// ErrChecksum is returned when a record's CRC does not match its contents.
	ErrChecksum = errors.New("qcn: checksum mismatch")
	// ErrTruncatedFrame is returned when the underlying reader ends mid-record.
	ErrTruncatedFrame = errors.New("qcn: truncated frame")
	// ErrInvalidFrame is returned for records whose fields break frame rules.
	ErrInvalidFrame = errors.New("qcn: invalid frame")
)

// Codec encodes/decodes QCan frame records. Stateless and safe for concurrent use.
type Codec struct{}

// Checksum returns the CRC-16/X-25 of b.
func Checksum(b []byte) uint16 { return crc16.Checksum(b, crcTable) }

// MarshalRecord writes fr into rec.
func MarshalRecord(rec *[RecordSize]byte, fr *can.Frame) {
	*rec = [RecordSize]byte{}
	binary.BigEndian.PutUint32(rec[offID:], fr.Identifier())
	rec[offDLC] = fr.DLC()
	ctrl := byte(fr.Format()) & ctrlFormatMask
	if fr.Remote() {
		ctrl |= ctrlRTR
	}
	if fr.BitrateSwitch() {
		ctrl |= ctrlBRS
	}
	if fr.ErrorStateIndicator() {
		ctrl |= ctrlESI
	}
	if fr.IsError() {
		ctrl |= ctrlError
	}
	rec[offCtrl] = ctrl
	copy(rec[offData:offTSSeconds], fr.Payload())
	ts := fr.Timestamp()
	binary.BigEndian.PutUint32(rec[offTSSeconds:], uint32(ts/time.Second))
	binary.BigEndian.PutUint32(rec[offTSNanos:], uint32(ts%time.Second))
	binary.BigEndian.PutUint32(rec[offUser:], fr.User())
	binary.BigEndian.PutUint32(rec[offMarker:], fr.Marker())
	binary.BigEndian.PutUint16(rec[offChecksum:], Checksum(rec[:offChecksum]))
}

// UnmarshalRecord validates rec and decodes it into a frame.
func UnmarshalRecord(rec *[RecordSize]byte) (can.Frame, error) {
	var fr can.Frame
	if want, got := Checksum(rec[:offChecksum]), binary.BigEndian.Uint16(rec[offChecksum:]); want != got {
		return fr, fmt.Errorf("%w: got %#04x want %#04x", ErrChecksum, got, want)
	}
	ctrl := rec[offCtrl]
	if ctrl&^ctrlKnown != 0 {
		return fr, fmt.Errorf("%w: control byte %#02x", ErrInvalidFrame, ctrl)
	}
	if ctrl&ctrlError != 0 {
		var err error
		if fr, err = unmarshalErrorRecord(rec, ctrl); err != nil {
			return can.Frame{}, err
		}
		if err := setMeta(&fr, rec); err != nil {
			return can.Frame{}, err
		}
		return fr, nil
	}
	fr.SetFormat(can.Format(ctrl & ctrlFormatMask))
	if err := fr.SetIdentifier(binary.BigEndian.Uint32(rec[offID:])); err != nil {
		return can.Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	// Payload bytes beyond capacity must be zero so a decoded frame matches its sender.
	capa := fr.Capacity()
	if !allZero(rec[offData+capa : offTSSeconds]) {
		return can.Frame{}, fmt.Errorf("%w: payload beyond %d bytes", ErrInvalidFrame, capa)
	}
	for i := 0; i < capa; i++ {
		_ = fr.SetByte(i, int(rec[offData+i]))
	}
	dlc := rec[offDLC]
	if dlc > 15 || (!fr.Format().IsFD() && dlc > 8) {
		return can.Frame{}, fmt.Errorf("%w: dlc %d for %v", ErrInvalidFrame, dlc, fr.Format())
	}
	_ = fr.SetDLC(dlc)
	if err := setFlags(&fr, ctrl); err != nil {
		return can.Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := setMeta(&fr, rec); err != nil {
		return can.Frame{}, err
	}
	return fr, nil
}

// unmarshalErrorRecord decodes a record flagged ctrlError. Only the canonical
// error frame shape is accepted.
func unmarshalErrorRecord(rec *[RecordSize]byte, ctrl byte) (can.Frame, error) {
	if ctrl != ctrlError || binary.BigEndian.Uint32(rec[offID:]) != 0 || rec[offDLC] != can.ErrorFrameLength {
		return can.Frame{}, fmt.Errorf("%w: error frame ctrl %#02x", ErrInvalidFrame, ctrl)
	}
	if !allZero(rec[offData+can.ErrorFrameLength : offTSSeconds]) {
		return can.Frame{}, fmt.Errorf("%w: error frame payload beyond %d bytes", ErrInvalidFrame, can.ErrorFrameLength)
	}
	d := rec[offData:]
	fr, err := can.NewErrorFrame(can.ErrorInfo{
		State:    can.BusState(d[0]),
		Type:     can.ErrorType(d[1]),
		RxErrors: d[2],
		TxErrors: d[3],
	})
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return fr, nil
}

// setMeta decodes timestamp, user and marker.
func setMeta(fr *can.Frame, rec *[RecordSize]byte) error {
	nanos := binary.BigEndian.Uint32(rec[offTSNanos:])
	if nanos >= uint32(time.Second) {
		return fmt.Errorf("%w: timestamp nanoseconds %d", ErrInvalidFrame, nanos)
	}
	fr.SetTimestamp(time.Duration(binary.BigEndian.Uint32(rec[offTSSeconds:]))*time.Second + time.Duration(nanos))
	fr.SetUser(binary.BigEndian.Uint32(rec[offUser:]))
	fr.SetMarker(binary.BigEndian.Uint32(rec[offMarker:]))
	return nil
}

func setFlags(fr *can.Frame, ctrl byte) error {
	if err := fr.SetRemote(ctrl&ctrlRTR != 0); err != nil {
		return err
	}
	if err := fr.SetBitrateSwitch(ctrl&ctrlBRS != 0); err != nil {
		return err
	}
	return fr.SetErrorStateIndicator(ctrl&ctrlESI != 0)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Encode packs frames into consecutive records.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * RecordSize)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes one record per frame to w and returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var rec [RecordSize]byte
	for i := range frames {
		MarshalRecord(&rec, &frames[i])
		n, err := w.Write(rec[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("qcn encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one record from r.
// It returns io.EOF if called at a clean record boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var rec [RecordSize]byte
	if _, err := io.ReadFull(r, rec[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return can.Frame{}, fmt.Errorf("qcn decode: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, err
	}
	fr, err := UnmarshalRecord(&rec)
	if err != nil {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("qcn decode: %w", err)
	}
	return fr, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
