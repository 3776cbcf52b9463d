package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-qcan/internal/can"
)

// ParseRange reads "FORMAT:LOW-HIGH" (hex ids, e.g. "cbff:100-1ff") or
// "FORMAT:ID" and builds an accept or reject range filter.
func ParseRange(kind Kind, s string) (Filter, error) {
	fs, ids, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Filter{}, fmt.Errorf("%w: %q: want FORMAT:LOW-HIGH", ErrInvalidRange, s)
	}
	f, err := can.ParseFormat(fs)
	if err != nil {
		return Filter{}, err
	}
	lo, hi, ranged := strings.Cut(ids, "-")
	low, err := parseID(lo)
	if err != nil {
		return Filter{}, err
	}
	high := low
	if ranged {
		if high, err = parseID(hi); err != nil {
			return Filter{}, err
		}
	}
	switch kind {
	case KindAccept:
		return AcceptRange(f, low, high)
	case KindReject:
		return RejectRange(f, low, high)
	}
	return Filter{}, fmt.Errorf("%w: kind %v", ErrInvalidRange, kind)
}

func parseID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: identifier %q", ErrInvalidRange, s)
	}
	return uint32(v), nil
}
