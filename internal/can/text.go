package can

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned by ParseFrame for text that is not in candump form.
var ErrSyntax = errors.New("can: malformed frame text")

// FD flag nibble used after "##" (same meaning as candump/cansend).
const (
	textFlagBRS = 0x1
	textFlagESI = 0x2
)

// String renders the frame in candump compact form:
//
//	123#DEADBEEF      classic standard
//	1ABCDEF0#01       classic extended
//	123#R2            remote request with DLC 2
//	123##1DEADBEEF    FD, flag nibble then data
//
// Error frames render as their ErrorInfo, e.g. "ERR passive ack rx=0
// tx=136", which ParseFrame does not accept.
func (fr Frame) String() string {
	if info, ok := fr.ErrorInfo(); ok {
		return info.String()
	}
	var b strings.Builder
	if fr.format.IsExtended() {
		fmt.Fprintf(&b, "%08X", fr.id)
	} else {
		fmt.Fprintf(&b, "%03X", fr.id)
	}
	if fr.format.IsFD() {
		var flags byte
		if fr.brs {
			flags |= textFlagBRS
		}
		if fr.esi {
			flags |= textFlagESI
		}
		fmt.Fprintf(&b, "##%X", flags)
	} else {
		b.WriteByte('#')
		if fr.remote {
			b.WriteByte('R')
			if fr.length > 0 {
				b.WriteString(strconv.Itoa(int(fr.length)))
			}
			return b.String()
		}
	}
	b.WriteString(strings.ToUpper(hex.EncodeToString(fr.payload[:fr.length])))
	return b.String()
}

// ParseFrame is the inverse of String. A three digit identifier selects a
// standard format, eight digits an extended one. Data may contain '.'
// separators.
func ParseFrame(s string) (Frame, error) {
	s = strings.TrimSpace(s)
	idText, rest, ok := strings.Cut(s, "#")
	if !ok {
		return Frame{}, fmt.Errorf("%w: missing '#' in %q", ErrSyntax, s)
	}
	var f Format
	switch len(idText) {
	case 3:
		f = ClassicStandard
	case 8:
		f = ClassicExtended
	default:
		return Frame{}, fmt.Errorf("%w: identifier %q must have 3 or 8 hex digits", ErrSyntax, idText)
	}
	id, err := strconv.ParseUint(idText, 16, 32)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: identifier %q", ErrSyntax, idText)
	}

	var flags uint64
	remote := false
	rtrLen := 0
	switch {
	case strings.HasPrefix(rest, "#"):
		f += FDStandard
		rest = rest[1:]
		if rest == "" {
			return Frame{}, fmt.Errorf("%w: missing FD flags in %q", ErrSyntax, s)
		}
		flags, err = strconv.ParseUint(rest[:1], 16, 8)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: FD flags %q", ErrSyntax, rest[:1])
		}
		rest = rest[1:]
	case strings.HasPrefix(rest, "R") || strings.HasPrefix(rest, "r"):
		remote = true
		if n := rest[1:]; n != "" {
			rtrLen, err = strconv.Atoi(n)
			if err != nil {
				return Frame{}, fmt.Errorf("%w: remote length %q", ErrSyntax, n)
			}
		}
		rest = ""
	}

	data, err := hex.DecodeString(strings.ReplaceAll(rest, ".", ""))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: data %q", ErrSyntax, rest)
	}

	var fr Frame
	fr.SetFormat(f)
	if err := fr.SetIdentifier(uint32(id)); err != nil {
		return Frame{}, err
	}
	if err := fr.SetData(data); err != nil {
		return Frame{}, err
	}
	if remote {
		if err := fr.SetDataLength(rtrLen); err != nil {
			return Frame{}, err
		}
		_ = fr.SetRemote(true)
	}
	if f.IsFD() {
		_ = fr.SetBitrateSwitch(flags&textFlagBRS != 0)
		_ = fr.SetErrorStateIndicator(flags&textFlagESI != 0)
	}
	return fr, nil
}
