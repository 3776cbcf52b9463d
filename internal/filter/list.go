package filter

import (
	"strings"

	"github.com/kstaniek/go-qcan/internal/can"
)

// List is an ordered set of filters combined with logical OR. An empty list
// accepts every frame.
//
// List is not safe for concurrent mutation. Owners that share a list with
// readers should Clone, Append and publish the new list.
type List struct {
	filters []Filter
}

func (l *List) Append(f Filter) { l.filters = append(l.filters, f) }
func (l *List) Len() int        { return len(l.filters) }
func (l *List) Clear()          { l.filters = nil }

// Clone returns a list that shares no storage with l.
func (l *List) Clone() *List {
	out := &List{filters: make([]Filter, len(l.filters), len(l.filters)+1)}
	copy(out.filters, l.filters)
	return out
}

// Accepts reports whether at least one filter accepts fr. A nil or empty
// list accepts everything.
func (l *List) Accepts(fr *can.Frame) bool {
	if l == nil || len(l.filters) == 0 {
		return true
	}
	for _, f := range l.filters {
		if f.Accepts(fr) {
			return true
		}
	}
	return false
}

func (l *List) String() string {
	if l == nil || len(l.filters) == 0 {
		return "all"
	}
	parts := make([]string, len(l.filters))
	for i, f := range l.filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, " | ")
}
