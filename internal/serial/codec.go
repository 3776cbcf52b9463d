// Package serial talks to UART CAN adapters that speak the 2D D4 framed
// protocol. Only classic frames travel over the UART.
package serial

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-qcan/internal/can"
	"github.com/kstaniek/go-qcan/internal/metrics"
)

// BackendName labels serial metrics.
const BackendName = "serial"

// UART envelope: [pre0 pre1 len body... checksum], len = len(body)+1.
// body = flags(1) | id(4, big endian) | data(0..8).
const (
	pre0 = 0x2D
	pre1 = 0xD4

	flagExtended = 0x80
	flagRemote   = 0x40
	flagDLCMask  = 0x0F

	bodyHeader = 1 + 4
	minLn      = bodyHeader + 0 + 1 // zero-length payload
	maxLn      = bodyHeader + 8 + 1
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps body as [2D D4 len body... checksum] where
// checksum = 0x2D + len + sum(body) (mod 256).
func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the UART message for a classic frame. FD and error frames
// are rejected with can.ErrUnsupported.
func (Codec) Encode(fr can.Frame) ([]byte, error) {
	if fr.IsError() {
		return nil, fmt.Errorf("%w: error frames over UART", can.ErrUnsupported)
	}
	if fr.Format().IsFD() {
		return nil, fmt.Errorf("%w: %v frames over UART", can.ErrUnsupported, fr.Format())
	}
	n := fr.DataLength()
	body := make([]byte, bodyHeader+n)
	flags := byte(n)
	if fr.Format().IsExtended() {
		flags |= flagExtended
	}
	if fr.Remote() {
		flags |= flagRemote
		body = body[:bodyHeader] // remote requests carry a DLC but no data
	}
	body[0] = flags
	binary.BigEndian.PutUint32(body[1:5], fr.Identifier())
	if !fr.Remote() {
		copy(body[bodyHeader:], fr.Data())
	}
	return envelope(body), nil
}

// DecodeStream consumes complete messages from in and emits their frames via
// out. Partial messages stay buffered for the next call. Garbage and bad
// checksums are skipped one byte at a time and counted as malformed.
//
// Example (id 0x1E5A extended, 2 data bytes):
//
//	2D D4 08 82 00 00 1E 5A 34 7B xx
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.Frame)) error {
	header := []byte{pre0, pre1}
	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) < 3 {
			return nil
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		fr, err := parseBody(data[3 : req-1])
		if err != nil {
			metrics.IncMalformed()
			in.Next(req)
			continue
		}
		out(fr)
		metrics.IncBackendRx(BackendName)
		in.Next(req)
	}
}

func parseBody(body []byte) (can.Frame, error) {
	flags := body[0]
	f := can.ClassicStandard
	if flags&flagExtended != 0 {
		f = can.ClassicExtended
	}
	payload := body[bodyHeader:]
	dlc := int(flags & flagDLCMask)
	fr, err := can.New(f, binary.BigEndian.Uint32(body[1:5]), 0)
	if err != nil {
		return can.Frame{}, err
	}
	if flags&flagRemote != 0 {
		if len(payload) != 0 {
			return can.Frame{}, fmt.Errorf("%w: remote frame with data", can.ErrInvalidLength)
		}
		if err := fr.SetDataLength(dlc); err != nil {
			return can.Frame{}, err
		}
		_ = fr.SetRemote(true)
		return fr, nil
	}
	if dlc != len(payload) {
		return can.Frame{}, fmt.Errorf("%w: dlc %d with %d bytes", can.ErrInvalidLength, dlc, len(payload))
	}
	if err := fr.SetData(payload); err != nil {
		return can.Frame{}, err
	}
	return fr, nil
}
