// Package prefetch runs cancellable background fetches of which at most one
// per kind is outstanding.
package prefetch

import (
	"context"
	"sync"
)

// Slot holds the single outstanding operation of one kind. Beginning a new
// operation cancels the previous one.
type Slot struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// Begin cancels the prior operation and returns a context for the new one
// together with its generation.
func (s *Slot) Begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	prev := s.cancel
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	return ctx, gen
}

// Current reports whether gen is still the latest operation.
func (s *Slot) Current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// Finish releases the context of gen if it is still current.
func (s *Slot) Finish(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Cancel cancels the outstanding operation, if any.
func (s *Slot) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.gen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
