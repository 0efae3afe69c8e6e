// Package stub provides in-memory ingestion collaborators for tests.
package stub

import (
	"context"
	"sync"

	"amm-analytics/internal/domain"
	"amm-analytics/internal/storage"
)

// Sink records submitted events in order. Events count as processed on
// submission unless the sink is held.
// Implements ingestion.EventSink.
type Sink struct {
	mu         sync.Mutex
	events     []domain.ChainEvent
	waits      int
	held       bool
	checkpoint *storage.ChainProgress
	committed  *storage.ChainProgress
	// SubmitErr, when set, is returned by Submit after recording the event.
	SubmitErr error
}

// NewSink creates a new recording sink.
func NewSink() *Sink {
	return &Sink{}
}

// Submit records ev.
func (s *Sink) Submit(_ context.Context, ev domain.ChainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.SubmitErr
}

// Checkpoint records p, committing it at once unless the sink is held.
func (s *Sink) Checkpoint(p storage.ChainProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = &p
	if !s.held {
		s.committed = &p
	}
}

// Committed returns the last committed checkpoint.
func (s *Sink) Committed() *storage.ChainProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed == nil {
		return nil
	}
	p := *s.committed
	return &p
}

// Hold stops committing checkpoints, as if events were still in flight.
func (s *Sink) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = true
}

// Release commits the latest checkpoint and resumes committing.
func (s *Sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
	s.committed = s.checkpoint
}

// Wait counts barrier calls.
func (s *Sink) Wait(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits++
	return nil
}

// Events returns a copy of the recorded events.
func (s *Sink) Events() []domain.ChainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChainEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Waits returns how many times Wait was called.
func (s *Sink) Waits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waits
}
