package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/record"
	"github.com/roach88/availwatch/internal/store"
	"github.com/roach88/availwatch/internal/testutil"
)

const (
	alice        = "5Alice"
	bob          = "5Bob"
	explorerBase = "https://explorer.example/#/extrinsics/"
	waitTimeout  = 2 * time.Second
)

// traceLog collects trace events for assertions.
type traceLog struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (l *traceLog) record(ev TraceEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *traceLog) all() []TraceEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TraceEvent(nil), l.events...)
}

func (l *traceLog) find(match func(TraceEvent) bool) (TraceEvent, bool) {
	for _, ev := range l.all() {
		if match(ev) {
			return ev, true
		}
	}
	return TraceEvent{}, false
}

type testEngine struct {
	*Engine
	records *store.Records
	ledger  *testutil.ScriptedLedger
	inv     *testutil.RecordingInvalidator
	account *testutil.StaticAccount
	clock   *clock.Mock
	traces  *traceLog
	done    chan error
	cancel  context.CancelFunc
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AppID = 7
	return cfg
}

// newTestEngine starts an engine over a fresh store, a scripted ledger and a
// mock clock.
func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()

	kv, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	records, err := store.OpenRecords(context.Background(), kv, store.WithExplorerBase(explorerBase))
	require.NoError(t, err)

	te := &testEngine{
		records: records,
		ledger:  testutil.NewScriptedLedger(),
		inv:     &testutil.RecordingInvalidator{},
		account: testutil.NewStaticAccount(alice),
		clock:   clock.NewMock(),
		traces:  &traceLog{},
		done:    make(chan error, 1),
	}
	base := []Option{
		WithConfig(testConfig()),
		WithClock(te.clock),
		WithIDs(testutil.NewSequentialIDs("tx")),
		WithInvalidator(te.inv),
		WithTrace(te.traces.record),
	}
	te.Engine = New(records, te.ledger, te.account, append(base, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	te.cancel = cancel
	go func() { te.done <- te.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-te.done
	})
	return te
}

// waitTrace blocks until a trace event matching match has been emitted.
func (te *testEngine) waitTrace(t *testing.T, match func(TraceEvent) bool) TraceEvent {
	t.Helper()
	var found TraceEvent
	require.Eventually(t, func() bool {
		ev, ok := te.traces.find(match)
		found = ev
		return ok
	}, waitTimeout, time.Millisecond)
	return found
}

// waitStatus blocks until the record with id reaches f.
func (te *testEngine) waitStatus(t *testing.T, id string, f record.FineStatus) TraceEvent {
	t.Helper()
	return te.waitTrace(t, func(ev TraceEvent) bool {
		return ev.Kind == TraceTransition && ev.ID == id && ev.FineStatus == f
	})
}

func (te *testEngine) send(t *testing.T, stream int, n ledger.Notification) {
	t.Helper()
	require.True(t, te.ledger.Send(stream, n), "stream %d no longer consumed", stream)
}

func (te *testEngine) get(t *testing.T, id string) record.Record {
	t.Helper()
	rec, ok := te.records.Get(id)
	require.True(t, ok, "record %s not found", id)
	return rec
}

func waitDone(t *testing.T, s *Submission) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("submission %s not done", s.ID)
	}
}

func ctxTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// inject puts ev straight onto the event queue, as a stream pump would.
func (te *testEngine) inject(ev Event) bool {
	return te.queue.Enqueue(ev)
}
