package ledger

import "sync"

// ChanStream is a Stream fed by a single producer through Send and End.
//
// Only the producer may call Send and End; a Send after End is dropped. The
// consumer calls Unsubscribe; after that the channel may stay open, so
// consumers stop reading once they unsubscribe.
type ChanStream struct {
	ch     chan Notification
	done   chan struct{}
	onStop func()

	stopOnce sync.Once
	endOnce  sync.Once
	ended    bool // producer-owned
}

// NewChanStream returns a stream buffering up to size notifications.
// onStop, if non-nil, runs once when the stream is unsubscribed.
func NewChanStream(size int, onStop func()) *ChanStream {
	return &ChanStream{
		ch:     make(chan Notification, size),
		done:   make(chan struct{}),
		onStop: onStop,
	}
}

// Notifications implements Stream.
func (s *ChanStream) Notifications() <-chan Notification {
	return s.ch
}

// Send delivers n, blocking while the buffer is full. It returns false once
// the consumer has unsubscribed.
func (s *ChanStream) Send(n Notification) bool {
	if s.ended {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- n:
		return true
	case <-s.done:
		return false
	}
}

// End closes the notification channel.
func (s *ChanStream) End() {
	s.endOnce.Do(func() {
		s.ended = true
		close(s.ch)
	})
}

// Stopped is closed once the consumer unsubscribes.
func (s *ChanStream) Stopped() <-chan struct{} {
	return s.done
}

// Unsubscribe implements Stream.
func (s *ChanStream) Unsubscribe() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
}
