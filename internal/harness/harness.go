package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/engine"
	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/record"
	"github.com/roach88/availwatch/internal/store"
	"github.com/roach88/availwatch/internal/testutil"
)

const (
	// ExplorerBase prefixes the explorer links of scenario records.
	ExplorerBase = "https://explorer.example/#/extrinsics/"

	// RecheckInterval is the sweep period used by scenarios. It is long
	// enough that advance steps never trigger a sweep on their own.
	RecheckInterval = 24 * time.Hour

	// IDPrefix prefixes record ids: the first submission is "tx-1".
	IDPrefix = "tx"

	defaultSettleTimeout = 2 * time.Second
)

// Option configures Run.
type Option func(*Harness)

// WithLogger sets the engine logger. Scenarios run silently by default.
func WithLogger(log *zap.Logger) Option {
	return func(h *Harness) {
		h.log = log
	}
}

// WithSettleTimeout bounds how long a step may take to settle.
func WithSettleTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.timeout = d
	}
}

// Harness executes one scenario against a real engine.
//
// The engine runs over an in-memory store, a scripted ledger, a mock clock and
// sequential ids, so every run of a scenario produces the same trace. Each
// step settles before the next starts: the harness waits for the trace event
// the step causes and for every finished watch to unsubscribe.
type Harness struct {
	scenario *Scenario
	log      *zap.Logger
	timeout  time.Duration

	engine  *engine.Engine
	records *store.Records
	ledger  *testutil.ScriptedLedger
	account *testutil.StaticAccount
	inv     *testutil.RecordingInvalidator
	clock   *clock.Mock
	trace   *traceBuffer
	start   time.Time

	streams   []string             // stream index -> record id
	closed    map[int]bool         // streams ended by the scenario
	abandoned map[string]bool      // record ids
	inBlockAt map[string]time.Time // record id -> when its fallback was armed

	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. An error
// is returned when a step cannot execute or does not settle; assertion
// failures are reported on the result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario:  scenario,
		log:       zap.NewNop(),
		timeout:   defaultSettleTimeout,
		closed:    make(map[int]bool),
		abandoned: make(map[string]bool),
		inBlockAt: make(map[string]time.Time),
		result:    NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}

	kv, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer kv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.records, err = store.OpenRecords(ctx, kv, store.WithExplorerBase(ExplorerBase), store.WithLogger(h.log))
	if err != nil {
		return nil, err
	}
	h.ledger = testutil.NewScriptedLedger()
	h.account = testutil.NewStaticAccount(scenario.Account)
	h.inv = &testutil.RecordingInvalidator{}
	h.clock = clock.NewMock()
	h.start = h.clock.Now()
	h.trace = &traceBuffer{}

	h.engine = engine.New(h.records, h.ledger, h.account,
		engine.WithConfig(h.config()),
		engine.WithClock(h.clock),
		engine.WithLogger(h.log),
		engine.WithIDs(testutil.NewSequentialIDs(IDPrefix)),
		engine.WithInvalidator(h.inv),
		engine.WithTrace(h.trace.record),
	)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, &step); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Action(), err)
		}
		if err := h.settle(); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Action(), err)
		}
	}

	h.result.Trace = h.trace.sorted()
	for _, rec := range h.records.List() {
		h.result.Records = append(h.result.Records, stateOf(rec))
	}
	h.result.Invalidations = h.inv.Keys()

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) config() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.RecheckInterval = RecheckInterval
	o := h.scenario.Config
	if o.FinalityTimeout > 0 {
		cfg.FinalityTimeout = o.FinalityTimeout
	}
	if o.StaleAfter > 0 {
		cfg.StaleAfter = o.StaleAfter
	}
	if o.Decimals > 0 {
		cfg.Decimals = o.Decimals
	}
	if o.AppID > 0 {
		cfg.AppID = o.AppID
	}
	return cfg
}

func (h *Harness) execute(ctx context.Context, s *Step) error {
	switch s.Action() {
	case "submit":
		return h.submit(ctx, s.Submit)
	case "notify":
		return h.notify(s.Notify)
	case "close":
		return h.closeStream(*s.Close)
	case "advance":
		return h.advance(s.Advance)
	case "wait":
		f, _ := record.ParseFineStatus(s.Wait.FineStatus)
		_, err := h.awaitTrace(0, fmt.Sprintf("%s to reach %s", s.Wait.ID, f), func(ev engine.TraceEvent) bool {
			return ev.Kind == engine.TraceTransition && ev.ID == s.Wait.ID && ev.FineStatus == f
		})
		return err
	case "abandon":
		return h.abandon(s.Abandon)
	case "select":
		h.account.Select(*s.Select)
		return nil
	case "sweep":
		return h.sweep()
	default:
		return fmt.Errorf("exactly one action is required")
	}
}

func (h *Harness) submit(ctx context.Context, s *SubmitStep) error {
	if s.Fail != nil {
		h.ledger.FailNext(ledgerError(s.Fail))
	}

	mark := h.trace.len()
	sub, err := h.engine.Submit(ctx, engine.Request{
		Kind:      record.Kind(s.Kind),
		Recipient: s.Recipient,
		Amount:    s.Amount,
		Data:      s.Data,
	})
	if s.ExpectError != "" {
		if err == nil {
			return fmt.Errorf("expected %s, got submission %s", s.ExpectError, sub.ID)
		}
		if code := faults.CodeOf(err); string(code) != s.ExpectError {
			return fmt.Errorf("expected %s, got %v", s.ExpectError, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	if s.Fail != nil {
		_, err := h.awaitTrace(mark, fmt.Sprintf("%s to fail", sub.ID), func(ev engine.TraceEvent) bool {
			return ev.ID == sub.ID && ev.Notification == "submit_failed"
		})
		return err
	}
	h.streams = append(h.streams, sub.ID)
	return nil
}

func (h *Harness) notify(s *NotifyStep) error {
	id, err := h.streamID(s.Stream)
	if err != nil {
		return err
	}
	kind, _ := ledger.ParseNotificationKind(s.Kind)
	n := ledger.Notification{
		Kind:      kind,
		TxHash:    s.TxHash,
		BlockHash: s.BlockHash,
		Detail:    s.Detail,
	}
	if s.Dispatch != nil {
		d := *s.Dispatch
		n.Dispatch = &d
	}

	mark := h.trace.len()
	if !h.ledger.Send(s.Stream, n) {
		h.result.Dropped = append(h.result.Dropped, fmt.Sprintf("%d/%s", s.Stream, s.Kind))
		return nil
	}
	ev, err := h.awaitTrace(mark, fmt.Sprintf("%s on %s", s.Kind, id), func(ev engine.TraceEvent) bool {
		return ev.ID == id && ev.Notification == s.Kind
	})
	if err != nil {
		return err
	}
	if ev.Kind == engine.TraceTransition && ev.FineStatus == record.InBlock {
		if _, armed := h.inBlockAt[id]; !armed {
			h.inBlockAt[id] = h.clock.Now()
		}
	}
	return nil
}

func (h *Harness) closeStream(i int) error {
	id, err := h.streamID(i)
	if err != nil {
		return err
	}
	if h.closed[i] {
		return nil
	}
	h.closed[i] = true
	if h.ledger.Unsubscribed(i) {
		h.ledger.End(i)
		return nil
	}

	mark := h.trace.len()
	h.ledger.End(i)
	_, err = h.awaitTrace(mark, fmt.Sprintf("stream %d to close", i), func(ev engine.TraceEvent) bool {
		return ev.ID == id && (ev.Kind == engine.TraceStreamClosed || ev.Notification == "stream_closed")
	})
	return err
}

// advance moves the clock and waits for every finality fallback that falls
// due.
func (h *Harness) advance(d time.Duration) error {
	h.clock.Add(d)
	return h.awaitFallbacks()
}

func (h *Harness) awaitFallbacks() error {
	cfg := h.config()
	now := h.clock.Now()

	due := make([]string, 0, len(h.inBlockAt))
	for id, at := range h.inBlockAt {
		if now.Sub(at) >= cfg.FinalityTimeout {
			due = append(due, id)
		}
	}
	sort.Strings(due)

	for _, id := range due {
		delete(h.inBlockAt, id)
		rec, ok := h.records.Get(id)
		if !ok || h.abandoned[id] || rec.FineStatus != record.InBlock {
			continue
		}
		_, err := h.awaitTrace(0, fmt.Sprintf("fallback for %s", id), func(ev engine.TraceEvent) bool {
			return ev.ID == id && ev.Notification == "fallback"
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// sweep advances the clock to the next recheck tick. Fallbacks due before
// the tick settle first so the sweep observes them.
func (h *Harness) sweep() error {
	elapsed := h.clock.Now().Sub(h.start)
	next := (elapsed/RecheckInterval + 1) * RecheckInterval
	if gap := next - elapsed; gap > time.Nanosecond {
		if err := h.advance(gap - time.Nanosecond); err != nil {
			return err
		}
	}

	mark := h.trace.len()
	h.clock.Add(time.Nanosecond)
	if _, err := h.awaitTrace(mark, "sweep", func(ev engine.TraceEvent) bool {
		return ev.Kind == engine.TraceSweep
	}); err != nil {
		return err
	}
	return h.awaitFallbacks()
}

func (h *Harness) abandon(id string) error {
	if !h.watched(id) {
		h.engine.Abandon(id)
		return nil
	}
	mark := h.trace.len()
	if !h.engine.Abandon(id) {
		return fmt.Errorf("engine stopped")
	}
	h.abandoned[id] = true
	_, err := h.awaitTrace(mark, fmt.Sprintf("%s to be abandoned", id), func(ev engine.TraceEvent) bool {
		return ev.Kind == engine.TraceAbandoned && ev.ID == id
	})
	return err
}

// watched reports whether the engine is still watching record id.
func (h *Harness) watched(id string) bool {
	if h.abandoned[id] {
		return false
	}
	for i, sid := range h.streams {
		if sid != id {
			continue
		}
		rec, ok := h.records.Get(id)
		return ok && !rec.FineStatus.Terminal() && !h.ledger.Unsubscribed(i)
	}
	return false
}

// settle waits until every stream whose record is finished has been
// unsubscribed by the engine.
func (h *Harness) settle() error {
	for i, id := range h.streams {
		rec, ok := h.records.Get(id)
		if !h.abandoned[id] && (!ok || !rec.FineStatus.Terminal()) {
			continue
		}
		if err := h.await(fmt.Sprintf("stream %d to be released", i), func() bool {
			return h.ledger.Unsubscribed(i)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) streamID(i int) (string, error) {
	if i < 0 || i >= len(h.streams) {
		return "", fmt.Errorf("no stream %d (%d open)", i, len(h.streams))
	}
	return h.streams[i], nil
}

// awaitTrace waits for a trace event at or after position mark that matches.
func (h *Harness) awaitTrace(mark int, desc string, match func(engine.TraceEvent) bool) (engine.TraceEvent, error) {
	var found engine.TraceEvent
	err := h.await(desc, func() bool {
		ev, ok := h.trace.find(mark, match)
		found = ev
		return ok
	})
	return found, err
}

func (h *Harness) await(desc string, cond func() bool) error {
	deadline := time.Now().Add(h.timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", desc)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// ledgerError builds the error a scripted ledger returns for a failed
// submission.
func ledgerError(f *FailSpec) error {
	switch faults.Code(f.Code) {
	case "":
		return errors.New(f.Message)
	case faults.CodeConnection:
		return faults.Connection(f.Message, nil)
	case faults.CodeTransport:
		return faults.Transport(f.Message, nil)
	case faults.CodeDispatch:
		return faults.DispatchFailed(&faults.Dispatch{Raw: f.Message})
	default:
		return &faults.Error{Code: faults.Code(f.Code), Message: f.Message}
	}
}

// traceBuffer collects trace events in emission order.
type traceBuffer struct {
	mu     sync.Mutex
	events []engine.TraceEvent
}

func (b *traceBuffer) record(ev engine.TraceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *traceBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *traceBuffer) find(mark int, match func(engine.TraceEvent) bool) (engine.TraceEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events[mark:] {
		if match(ev) {
			return ev, true
		}
	}
	return engine.TraceEvent{}, false
}

func (b *traceBuffer) sorted() []engine.TraceEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]engine.TraceEvent(nil), b.events...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
