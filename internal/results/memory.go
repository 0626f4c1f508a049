package results

import (
	"context"
	"sync"
)

// MemorySink is an in-memory sink used by tests. It is idempotent on the
// session key and can be primed to fail a number of times.
type MemorySink struct {
	mu       sync.Mutex
	records  map[SessionKey]Record
	order    []Record
	failures int
	calls    int
	failErr  error
}

// NewMemorySink constructs an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[SessionKey]Record)}
}

// FailNext makes the next n Record calls return err.
func (s *MemorySink) FailNext(n int, err error) {
	s.mu.Lock()
	s.failures = n
	s.failErr = err
	s.mu.Unlock()
}

// Record stores the record unless a primed failure fires first.
func (s *MemorySink) Record(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.failErr
	}

	key := rec.Key()
	if _, ok := s.records[key]; ok {
		return nil
	}
	s.records[key] = rec
	s.order = append(s.order, rec)
	return nil
}

// Records returns the stored records in arrival order.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, len(s.order))
	copy(out, s.order)
	return out
}

// Calls reports how many Record invocations were made.
func (s *MemorySink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
