package calibration

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoTable is generated when an operation needs a calibration table and
// none has ever been loaded or produced.
var ErrNoTable = errors.New("no calibration table is loaded")

// Store publishes the current calibration table.  Reads are lock-free and
// always see a complete table; writes build a new table and swap it in whole.
type Store struct {
	mu sync.Mutex // serializes writers only
	v  atomic.Value
}

// NewStore returns a Store publishing t.  t may be nil for an uncalibrated
// bench.
func NewStore(t *Table) *Store {
	s := &Store{}
	if t != nil {
		s.v.Store(t)
	}
	return s
}

// Current returns the published table, or nil if the bench has never been
// calibrated.  The returned table must not be mutated.
func (s *Store) Current() *Table {
	t, _ := s.v.Load().(*Table)
	return t
}

// Replace publishes t as the current table.
func (s *Store) Replace(t *Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Store(t)
}

// SetRotator publishes a new table with the calibration for one rotation
// mount inserted or replaced.
func (s *Store) SetRotator(id string, cal RotatorCal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.currentOrEmpty().clone()
	t.Rotators[id] = cal
	s.v.Store(t)
}

// SetEOM publishes a new table with the calibration for one EOM inserted or
// replaced.
func (s *Store) SetEOM(id string, cal EOMCal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.currentOrEmpty().clone()
	t.EOMs[id] = cal
	s.v.Store(t)
}

func (s *Store) currentOrEmpty() *Table {
	if t := s.Current(); t != nil {
		return t
	}
	return &Table{Rotators: map[string]RotatorCal{}, EOMs: map[string]EOMCal{}}
}
