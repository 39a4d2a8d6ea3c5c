package telemetry

import "sync"

// Slot is a single-slot "latest value" buffer. It holds at most one pending
// value: a newer Put overwrites an unread older one, favouring freshness over
// completeness. Readers can either Take the pending value or block on Ready.
type Slot[T any] struct {
	mu      sync.Mutex
	value   T
	pending bool
	ready   chan struct{}
}

// NewSlot creates an empty Slot
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ready: make(chan struct{}, 1)}
}

// Put stores v, replacing any unread value. It never blocks.
func (s *Slot[T]) Put(v T) {
	s.mu.Lock()
	s.value = v
	s.pending = true
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default: // already signalled
	}
}

// Take removes and returns the pending value, if any.
func (s *Slot[T]) Take() (v T, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending {
		return v, false
	}

	v, ok = s.value, true
	s.pending = false

	var zero T
	s.value = zero
	return v, ok
}

// Ready is signalled after a Put. The signal may be stale if the value has
// already been taken, so callers must still check the result of Take.
func (s *Slot[T]) Ready() <-chan struct{} {
	return s.ready
}
