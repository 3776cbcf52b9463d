// Package filter holds the acceptance filters applied to inbound frames.
package filter

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-qcan/internal/can"
)

// ErrInvalidRange is returned when a range filter is built with bounds that
// cannot match any frame of its format.
var ErrInvalidRange = errors.New("filter: invalid identifier range")

// Kind tells accept filters from reject filters.
type Kind uint8

const (
	KindAccept Kind = iota + 1
	KindReject
)

func (k Kind) String() string {
	switch k {
	case KindAccept:
		return "accept"
	case KindReject:
		return "reject"
	default:
		return "none"
	}
}

// Filter decides whether a frame is accepted. Build it with AcceptRange,
// RejectRange or RejectPayload; the zero Filter accepts nothing.
type Filter struct {
	kind   Kind
	format can.Format
	low    uint32
	high   uint32
	ranged bool
	pred   func(payload []byte) bool
}

// AcceptRange accepts frames of format f whose identifier lies in
// [low, high].
func AcceptRange(f can.Format, low, high uint32) (Filter, error) {
	if err := checkRange(f, low, high); err != nil {
		return Filter{}, err
	}
	return Filter{kind: KindAccept, format: f, low: low, high: high, ranged: true}, nil
}

// RejectRange rejects frames of format f whose identifier lies in
// [low, high] and accepts everything else.
func RejectRange(f can.Format, low, high uint32) (Filter, error) {
	if err := checkRange(f, low, high); err != nil {
		return Filter{}, err
	}
	return Filter{kind: KindReject, format: f, low: low, high: high, ranged: true}, nil
}

// RejectPayload rejects frames for which pred returns true. pred sees a copy
// of the valid data bytes. A nil pred rejects nothing.
func RejectPayload(pred func(payload []byte) bool) Filter {
	return Filter{kind: KindReject, pred: pred}
}

func checkRange(f can.Format, low, high uint32) error {
	if !f.Valid() {
		return fmt.Errorf("%w: format %v", ErrInvalidRange, f)
	}
	if low > high {
		return fmt.Errorf("%w: low %#x > high %#x", ErrInvalidRange, low, high)
	}
	if high > f.MaxIdentifier() {
		return fmt.Errorf("%w: high %#x exceeds %#x for %v", ErrInvalidRange, high, f.MaxIdentifier(), f)
	}
	return nil
}

func (f Filter) Kind() Kind { return f.kind }

// Accepts reports whether fr passes this filter.
func (f Filter) Accepts(fr *can.Frame) bool {
	if fr == nil {
		return false
	}
	switch f.kind {
	case KindAccept:
		return f.matches(fr)
	case KindReject:
		return !f.matches(fr)
	default:
		return false
	}
}

func (f Filter) matches(fr *can.Frame) bool {
	if f.ranged {
		id := fr.Identifier()
		return fr.Format() == f.format && id >= f.low && id <= f.high
	}
	if f.pred == nil {
		return false
	}
	return f.pred(fr.Data())
}

func (f Filter) String() string {
	if f.ranged {
		return fmt.Sprintf("%s %v %#x-%#x", f.kind, f.format, f.low, f.high)
	}
	if f.kind == KindReject {
		return "reject payload"
	}
	return "none"
}
