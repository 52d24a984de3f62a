package pipeline

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ligustah/csda/internal/metrics"
)

// Seen remembers the filenames already emitted during a run. When bounded
// it forgets the least recently seen name first; a forgotten name that
// shows up again is emitted again.
//
// Seen is not meant to be shared between goroutines.
type Seen struct {
	bounded *lru.Cache[string, struct{}]
	set     map[string]struct{}
	metrics *metrics.Metrics
}

// NewSeen creates a set holding at most capacity names. A capacity of
// zero or less means unbounded. m may be nil.
func NewSeen(capacity int, m *metrics.Metrics) *Seen {
	s := &Seen{metrics: m}
	if capacity > 0 {
		// lru.New only fails for a non-positive size.
		s.bounded, _ = lru.New[string, struct{}](capacity)
	} else {
		s.set = make(map[string]struct{})
	}
	return s
}

// Add records name and reports whether it was new.
func (s *Seen) Add(name string) bool {
	added := s.add(name)
	s.metrics.Link(!added)
	return added
}

func (s *Seen) add(name string) bool {
	if s.bounded != nil {
		// Get refreshes the entry so repeats keep a name alive.
		if _, ok := s.bounded.Get(name); ok {
			return false
		}
		s.bounded.Add(name, struct{}{})
		return true
	}

	if _, ok := s.set[name]; ok {
		return false
	}
	s.set[name] = struct{}{}
	return true
}

// Len returns the number of names currently remembered.
func (s *Seen) Len() int {
	if s.bounded != nil {
		return s.bounded.Len()
	}
	return len(s.set)
}
