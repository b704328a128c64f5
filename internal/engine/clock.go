package engine

import "sync/atomic"

// Sequence stamps trace events with strictly increasing numbers, so traces
// from the submitting goroutine and the Run loop have one total order.
//
// Thread-safety: safe for concurrent use.
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next number. The first call returns 1.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last number handed out.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
