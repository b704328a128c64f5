package engine

import (
	"context"
	"sync"

	"github.com/roach88/availwatch/internal/record"
)

// Submission is the caller's handle on one submitted operation.
//
// It resolves twice: Wait returns at the first point the ledger accepted the
// operation (network pending, in block or finalized) or at failure, and Done
// closes once the engine stops watching it.
//
// Thread-safety: safe for concurrent use.
type Submission struct {
	// ID is the record id.
	ID string

	// Fingerprint is the advisory content key of the operation.
	Fingerprint string

	engine *Engine

	accepted   chan struct{}
	done       chan struct{}
	acceptOnce sync.Once
	doneOnce   sync.Once

	mu  sync.Mutex
	rec record.Record
	err error
}

func newSubmission(e *Engine, id, fingerprint string, rec record.Record) *Submission {
	return &Submission{
		ID:          id,
		Fingerprint: fingerprint,
		engine:      e,
		accepted:    make(chan struct{}),
		done:        make(chan struct{}),
		rec:         rec,
	}
}

// Wait blocks until the operation is accepted or fails, the submission is
// abandoned, or ctx ends. It returns the record at that point. A failed
// operation returns its fault; an abandoned one ErrAbandoned.
func (s *Submission) Wait(ctx context.Context) (record.Record, error) {
	select {
	case <-s.accepted:
		return s.Result()
	case <-ctx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.rec.Clone(), ctx.Err()
	}
}

// Done is closed once the engine stops watching the submission.
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Result returns the last record the engine applied and the submission's
// error, if any.
func (s *Submission) Result() (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Clone(), s.err
}

// Abandon stops watching the submission. See Engine.Abandon.
func (s *Submission) Abandon() bool {
	return s.engine.Abandon(s.ID)
}

func (s *Submission) update(rec record.Record) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

func (s *Submission) accept(rec record.Record, err error) {
	s.acceptOnce.Do(func() {
		s.mu.Lock()
		s.rec, s.err = rec, err
		s.mu.Unlock()
		close(s.accepted)
	})
}

func (s *Submission) finish(rec record.Record, err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		if rec.ID != "" {
			s.rec = rec
		}
		s.err = err
		cur := s.rec
		s.mu.Unlock()
		s.accept(cur, err)
		close(s.done)
	})
}
