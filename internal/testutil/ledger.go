package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/availwatch/internal/ledger"
)

// Submitted is one SubmitOperation call seen by a ScriptedLedger.
type Submitted struct {
	Sender    string
	Operation ledger.Operation
}

// ScriptedLedger is a ledger whose streams are driven by the test.
//
// Every SubmitOperation call opens a new stream, or returns the next queued
// error. Tests push notifications with Send and close streams with End.
// Implements engine.Submitter.
//
// Thread-safety: safe for concurrent use.
type ScriptedLedger struct {
	mu        sync.Mutex
	streams   []*ledger.ChanStream
	submitted []Submitted
	errs      []error
	stopped   map[int]bool
	opened    chan int
}

// NewScriptedLedger creates a ledger with no scripted failures.
func NewScriptedLedger() *ScriptedLedger {
	return &ScriptedLedger{
		stopped: make(map[int]bool),
		opened:  make(chan int, 64),
	}
}

// FailNext makes the next SubmitOperation call return err.
func (l *ScriptedLedger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

// SubmitOperation implements engine.Submitter.
func (l *ScriptedLedger) SubmitOperation(_ context.Context, sender string, _ ledger.Signer, op ledger.Operation) (ledger.Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submitted = append(l.submitted, Submitted{Sender: sender, Operation: op})
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		return nil, err
	}

	i := len(l.streams)
	s := ledger.NewChanStream(16, func() {
		l.mu.Lock()
		l.stopped[i] = true
		l.mu.Unlock()
	})
	l.streams = append(l.streams, s)
	l.opened <- i
	return s, nil
}

// Opened delivers the index of every stream as it is opened.
func (l *ScriptedLedger) Opened() <-chan int {
	return l.opened
}

// Send pushes n onto stream i. It returns false if the engine has
// unsubscribed or the stream was ended.
func (l *ScriptedLedger) Send(i int, n ledger.Notification) bool {
	return l.stream(i).Send(n)
}

// End closes stream i.
func (l *ScriptedLedger) End(i int) {
	l.stream(i).End()
}

// Unsubscribed reports whether the consumer of stream i unsubscribed.
func (l *ScriptedLedger) Unsubscribed(i int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped[i]
}

// Submitted returns every SubmitOperation call, in order.
func (l *ScriptedLedger) Submitted() []Submitted {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Submitted(nil), l.submitted...)
}

// Streams returns the number of streams opened.
func (l *ScriptedLedger) Streams() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}

func (l *ScriptedLedger) stream(i int) *ledger.ChanStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.streams) {
		panic(fmt.Sprintf("ScriptedLedger: no stream %d", i))
	}
	return l.streams[i]
}
