package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/query"
	"github.com/roach88/availwatch/internal/record"
	"github.com/roach88/availwatch/internal/store"
	"github.com/roach88/availwatch/internal/units"
)

// IDGenerator generates record ids.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type IDGenerator interface {
	Generate() string
}

// Submitter is the ledger side of a submission. Implemented by *ledger.Client.
type Submitter interface {
	SubmitOperation(ctx context.Context, sender string, signer ledger.Signer, op ledger.Operation) (ledger.Stream, error)
}

// Accounts resolves the account submissions are made from.
// Implemented by *wallet.Manager.
type Accounts interface {
	Selected() (address string, signer ledger.Signer, ok bool)
}

// Invalidator receives cache invalidations. Implemented by *query.Layer.
type Invalidator interface {
	Invalidate(key string)
}

// Messages written to records.
const (
	msgInProgress     = "Transaction in progress..."
	msgBroadcast      = "Transaction broadcast to the network"
	msgNetworkPending = "Transaction pending in the network"
	msgStreamClosed   = "status stream closed before the transaction completed"
)

// Config holds the engine's policy knobs.
type Config struct {
	// FinalityTimeout is how long after in-block inclusion the engine waits
	// for a finality notification before assuming it.
	FinalityTimeout time.Duration

	// RecheckInterval is the period of the in-flight sweep.
	RecheckInterval time.Duration

	// StaleAfter is how long an in-flight submission may go without progress
	// before the sweep reports it.
	StaleAfter time.Duration

	// Decimals is the precision of the native asset.
	Decimals int

	// AppID is the data-availability application id used for data submissions.
	AppID uint32
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		FinalityTimeout: 15 * time.Second,
		RecheckInterval: 30 * time.Second,
		StaleAfter:      2 * time.Minute,
		Decimals:        units.DefaultDecimals,
		AppID:           0,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithClock sets the clock driving fallback timers and the sweep.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithIDs sets the record id generator. Default: UUIDv7Generator.
func WithIDs(ids IDGenerator) Option {
	return func(e *Engine) {
		e.ids = ids
	}
}

// WithInvalidator sets where balance invalidations are sent on finality.
func WithInvalidator(inv Invalidator) Option {
	return func(e *Engine) {
		e.invalidator = inv
	}
}

// WithMetrics enables engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTrace registers an observer of every lifecycle step. fn runs
// synchronously and must not block or call back into the engine.
func WithTrace(fn func(TraceEvent)) Option {
	return func(e *Engine) {
		e.trace = fn
	}
}

// Engine is the single-writer transaction lifecycle event loop.
//
// Submit creates the record and hands the ledger stream to the loop. Every
// notification, stream closure, fallback timer and abandon request is then
// an event processed in FIFO order by Run, so record transitions for one
// submission are applied strictly one at a time.
//
// Thread-safety model:
//   - Submit, SubmitTransfer, SubmitData, Abandon, InFlight: any goroutine
//   - Run: exactly one goroutine
//
// The watches map is owned by the Run goroutine.
type Engine struct {
	records     *store.Records
	ledger      Submitter
	accounts    Accounts
	ids         IDGenerator
	clock       clock.Clock
	log         *zap.Logger
	metrics     *Metrics
	invalidator Invalidator
	trace       func(TraceEvent)
	cfg         Config

	seq   *Sequence
	queue *eventQueue
	index *fingerprintIndex

	watches  map[string]*watch
	timerGen uint64
}

// watch is one open stream. Owned by the Run goroutine.
type watch struct {
	id          string
	sender      string
	fingerprint string
	stream      ledger.Stream
	stop        chan struct{}
	sub         *Submission

	fallback    *clock.Timer
	fallbackGen uint64
	streamEnded bool
}

// New creates an Engine writing to records and submitting through l.
func New(records *store.Records, l Submitter, accounts Accounts, opts ...Option) *Engine {
	e := &Engine{
		records:  records,
		ledger:   l,
		accounts: accounts,
		ids:      UUIDv7Generator{},
		clock:    clock.New(),
		log:      zap.NewNop(),
		cfg:      DefaultConfig(),
		seq:      NewSequence(),
		queue:    newEventQueue(),
		watches:  make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.index = newFingerprintIndex()
	return e
}

// Request is a user-initiated operation.
type Request struct {
	Kind record.Kind

	// Recipient and Amount are set for transfers. Amount is a decimal string
	// in display units, such as "10.5".
	Recipient string
	Amount    string

	// Data is set for data submissions.
	Data string
}

// SubmitTransfer submits a transfer of amount to recipient from the selected
// account.
func (e *Engine) SubmitTransfer(ctx context.Context, recipient, amount string) (*Submission, error) {
	return e.Submit(ctx, Request{Kind: record.KindTransfer, Recipient: recipient, Amount: amount})
}

// SubmitData submits a data blob from the selected account.
func (e *Engine) SubmitData(ctx context.Context, data string) (*Submission, error) {
	return e.Submit(ctx, Request{Kind: record.KindData, Data: data})
}

// Submit validates req, creates its record and submits it to the ledger.
//
// An error is returned only when no record could be created: no selected
// account, an invalid amount, or a store failure. Every failure after the
// record exists is recorded on it and reported through the Submission.
// Submit blocks until the ledger acknowledges the submission or rejects it.
func (e *Engine) Submit(ctx context.Context, req Request) (*Submission, error) {
	sender, signer, ok := e.accounts.Selected()
	if !ok {
		return nil, faults.NoAccountSelected()
	}

	op, payload, err := e.operation(req)
	if err != nil {
		return nil, err
	}

	id := e.ids.Generate()
	fp := record.Fingerprint(req.Kind, sender, payload)
	rec := record.New(id, req.Kind, sender, payload, e.clock.Now(), msgInProgress)
	if err := e.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	e.metrics.submitted(req.Kind)
	e.index.add(fp, id, rec.CreatedAt)
	e.emit(TraceEvent{Kind: TraceCreated, ID: id, FineStatus: rec.FineStatus, Status: rec.Status, Message: rec.Message})
	e.log.Debug("submission created", zap.String("id", id), zap.String("kind", string(req.Kind)), zap.String("sender", sender))

	sub := newSubmission(e, id, fp, rec)

	stream, err := e.ledger.SubmitOperation(ctx, sender, signer, op)
	if err != nil {
		if !e.queue.Enqueue(Event{Type: EventSubmitFailed, ID: id, Err: err, sub: sub, sender: sender}) {
			sub.finish(rec, ErrStopped)
		}
		return sub, nil
	}
	if !e.queue.Enqueue(Event{Type: EventWatch, ID: id, Stream: stream, sub: sub, sender: sender}) {
		stream.Unsubscribe()
		sub.finish(rec, ErrStopped)
	}
	return sub, nil
}

func (e *Engine) operation(req Request) (ledger.Operation, record.Payload, error) {
	switch req.Kind {
	case record.KindTransfer:
		base, err := units.ToBaseUnits(req.Amount, e.cfg.Decimals)
		if err != nil {
			return ledger.Operation{}, record.Payload{}, err
		}
		op := ledger.Operation{Kind: record.KindTransfer, Recipient: req.Recipient, Amount: base}
		return op, record.Payload{Recipient: req.Recipient, Amount: req.Amount}, nil
	case record.KindData:
		op := ledger.Operation{Kind: record.KindData, Data: []byte(req.Data), AppID: e.cfg.AppID}
		return op, record.Payload{Data: req.Data}, nil
	default:
		return ledger.Operation{}, record.Payload{}, fmt.Errorf("submit: unknown kind %q", req.Kind)
	}
}

// Abandon stops watching the submission with the given id. The record keeps
// its last known state; the operation may still complete on the ledger.
// Returns false if the engine has been stopped.
func (e *Engine) Abandon(id string) bool {
	return e.queue.Enqueue(Event{Type: EventAbandon, ID: id})
}

// InFlight returns the ids of submissions with the given fingerprint that
// have not reached a terminal state, oldest first. The result is advisory.
func (e *Engine) InFlight(fingerprint string) []string {
	return e.index.inFlight(fingerprint)
}

// Run starts the single-writer event loop.
// Blocks until ctx is cancelled or Stop is called. On return every open
// stream is unsubscribed and records keep their last known state.
//
// Event processing failures are logged and processing continues.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting")
	defer e.shutdown()

	recheck := e.clock.Ticker(e.recheckInterval())
	defer recheck.Stop()

	for {
		if event, ok := e.queue.TryDequeue(); ok {
			if err := e.processEvent(ctx, event); err != nil {
				e.log.Error("event processing failed",
					zap.String("event", event.Type.String()),
					zap.String("id", event.ID),
					zap.Error(err))
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-recheck.C:
			e.sweep()

		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.log.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the event queue; Run returns once queued events are processed.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) recheckInterval() time.Duration {
	if e.cfg.RecheckInterval <= 0 {
		return DefaultConfig().RecheckInterval
	}
	return e.cfg.RecheckInterval
}

// processEvent routes an event to its handler. Called only from Run.
func (e *Engine) processEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventWatch:
		return e.startWatch(ctx, ev)
	case EventNotification:
		return e.handleNotification(ctx, ev)
	case EventStreamClosed:
		return e.handleStreamClosed(ctx, ev.ID)
	case EventSubmitFailed:
		return e.handleSubmitFailed(ctx, ev)
	case EventFallback:
		return e.handleFallback(ctx, ev)
	case EventAbandon:
		e.handleAbandon(ev.ID)
		return nil
	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

func (e *Engine) startWatch(ctx context.Context, ev Event) error {
	if ev.Stream == nil || ev.sub == nil {
		return fmt.Errorf("watch event missing stream")
	}
	rec, ok := e.records.Get(ev.ID)
	if !ok {
		ev.Stream.Unsubscribe()
		ev.sub.finish(record.Record{ID: ev.ID}, ErrStopped)
		return fmt.Errorf("watch %s: record not found", ev.ID)
	}
	w := &watch{
		id:          ev.ID,
		sender:      ev.sender,
		fingerprint: ev.sub.Fingerprint,
		stream:      ev.Stream,
		stop:        make(chan struct{}),
		sub:         ev.sub,
	}
	e.watches[w.id] = w
	go e.pump(w.id, w.stream, w.stop)
	e.log.Debug("watching submission", zap.String("id", w.id), zap.Stringer("fine_status", rec.FineStatus))
	return nil
}

// pump forwards one stream into the event queue until the stream closes,
// the watch is stopped or the engine shuts down.
func (e *Engine) pump(id string, s ledger.Stream, stop <-chan struct{}) {
	ch := s.Notifications()
	for {
		select {
		case <-stop:
			return
		case n, ok := <-ch:
			if !ok {
				e.queue.Enqueue(Event{Type: EventStreamClosed, ID: id})
				return
			}
			if !e.queue.Enqueue(Event{Type: EventNotification, ID: id, Notification: n}) {
				return
			}
		}
	}
}

func (e *Engine) handleNotification(ctx context.Context, ev Event) error {
	w, ok := e.watches[ev.ID]
	if !ok {
		e.emit(TraceEvent{Kind: TraceIgnored, ID: ev.ID, Notification: ev.Notification.Kind.String(), Message: "not watched"})
		return nil
	}
	n := ev.Notification
	u, err := updateFor(n)
	if err != nil {
		return err
	}

	if n.Kind == ledger.IncludedInBlock && w.fallback == nil {
		e.armFallback(w)
	}

	rec, changed, err := e.records.UpdateStatus(ctx, w.id, u)
	if w.fallback != nil && rec.FineStatus != record.InBlock {
		w.fallback.Stop()
		w.fallback = nil
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", n.Kind, err)
	}
	if !changed {
		e.log.Debug("notification ignored",
			zap.String("id", w.id),
			zap.Stringer("notification", n.Kind),
			zap.Stringer("fine_status", rec.FineStatus))
		e.emit(TraceEvent{Kind: TraceIgnored, ID: w.id, Notification: n.Kind.String(), FineStatus: rec.FineStatus, Status: rec.Status})
		return nil
	}
	if rec.FineStatus != u.FineStatus {
		e.log.Debug("learned tx hash", zap.String("id", w.id), zap.String("tx_hash", rec.TxHash))
		e.emit(TraceEvent{Kind: TraceTxHash, ID: w.id, Notification: n.Kind.String(), FineStatus: rec.FineStatus, Status: rec.Status, TxHash: rec.TxHash})
		return nil
	}

	e.transitioned(w, rec, n.Kind.String())
	return nil
}

// transitioned runs the side effects of rec having moved to its current state.
func (e *Engine) transitioned(w *watch, rec record.Record, cause string) {
	e.index.touch(w.fingerprint, w.id, e.clock.Now())
	e.metrics.transitioned(rec.FineStatus)
	e.emit(TraceEvent{
		Kind:         TraceTransition,
		ID:           w.id,
		Notification: cause,
		FineStatus:   rec.FineStatus,
		Status:       rec.Status,
		BlockHash:    rec.BlockHash,
		TxHash:       rec.TxHash,
		Message:      rec.Message,
	})

	switch rec.FineStatus {
	case record.Failed:
		code := faults.Code("")
		if rec.Error != nil {
			code = rec.Error.Code
		}
		e.metrics.failed(code)
		e.log.Warn("transaction failed", zap.String("id", w.id), zap.String("code", string(code)), zap.String("message", rec.Message))
		w.sub.accept(rec, failureErr(rec))
		e.finish(w, rec, failureErr(rec))
	case record.Finalized:
		e.log.Debug("transaction finalized", zap.String("id", w.id), zap.String("block_hash", rec.BlockHash))
		e.invalidateBalance(w)
		w.sub.accept(rec, nil)
		e.finish(w, rec, nil)
	case record.NetworkPending, record.InBlock:
		e.log.Debug("transaction accepted", zap.String("id", w.id), zap.Stringer("fine_status", rec.FineStatus))
		w.sub.accept(rec, nil)
		w.sub.update(rec)
	default:
		e.log.Debug("transaction progressed", zap.String("id", w.id), zap.Stringer("fine_status", rec.FineStatus))
		w.sub.update(rec)
	}
}

func (e *Engine) handleStreamClosed(ctx context.Context, id string) error {
	w, ok := e.watches[id]
	if !ok {
		return nil
	}
	w.streamEnded = true

	rec, ok := e.records.Get(id)
	if !ok {
		e.finish(w, record.Record{ID: id}, ErrStopped)
		return fmt.Errorf("stream closed: record %s not found", id)
	}
	if record.Derive(rec.FineStatus) != record.StatusPending {
		e.log.Debug("stream closed after inclusion, awaiting fallback", zap.String("id", id))
		e.emit(TraceEvent{Kind: TraceStreamClosed, ID: id, FineStatus: rec.FineStatus, Status: rec.Status})
		return nil
	}

	err := faults.Transport(msgStreamClosed, nil)
	rec, changed, uerr := e.records.UpdateStatus(ctx, id, record.Update{
		FineStatus: record.Failed,
		Message:    err.Message,
		Error:      &record.ErrorDetail{Code: faults.CodeTransport, Formatted: err.Message},
	})
	if uerr != nil {
		e.finish(w, rec, uerr)
		return fmt.Errorf("stream closed: %w", uerr)
	}
	if changed {
		e.transitioned(w, rec, "stream_closed")
	}
	return nil
}

func (e *Engine) handleSubmitFailed(ctx context.Context, ev Event) error {
	detail := errorDetail(ev.Err)
	rec, changed, err := e.records.UpdateStatus(ctx, ev.ID, record.Update{
		FineStatus: record.Failed,
		Message:    detail.Formatted,
		Error:      detail,
	})
	w := &watch{id: ev.ID, sender: ev.sender, fingerprint: ev.sub.Fingerprint, sub: ev.sub}
	if err != nil {
		ev.sub.finish(rec, err)
		e.index.remove(w.fingerprint, w.id)
		return fmt.Errorf("submit failed: %w", err)
	}
	if !changed {
		ev.sub.finish(rec, failureErr(rec))
		e.index.remove(w.fingerprint, w.id)
		return nil
	}
	e.transitioned(w, rec, "submit_failed")
	return nil
}

func (e *Engine) armFallback(w *watch) {
	e.timerGen++
	id, gen := w.id, e.timerGen
	w.fallbackGen = gen
	w.fallback = e.clock.AfterFunc(e.cfg.FinalityTimeout, func() {
		e.queue.Enqueue(Event{Type: EventFallback, ID: id, gen: gen})
	})
}

func (e *Engine) handleFallback(ctx context.Context, ev Event) error {
	w, ok := e.watches[ev.ID]
	if !ok || w.fallback == nil || w.fallbackGen != ev.gen {
		return nil
	}
	w.fallback = nil

	cur, ok := e.records.Get(w.id)
	if !ok || cur.FineStatus != record.InBlock {
		return nil
	}

	rec, changed, err := e.records.UpdateStatus(ctx, w.id, record.Update{
		FineStatus: record.Finalized,
		BlockHash:  cur.BlockHash,
		Message:    fmt.Sprintf("Transaction finalized in block %s (assumed: no finality notification within %s)", cur.BlockHash, e.cfg.FinalityTimeout),
	})
	if err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	if !changed {
		return nil
	}
	e.metrics.fellBack()
	e.log.Info("finality assumed after timeout",
		zap.String("id", w.id),
		zap.String("block_hash", rec.BlockHash),
		zap.Bool("stream_ended", w.streamEnded))
	e.transitioned(w, rec, "fallback")
	return nil
}

func (e *Engine) handleAbandon(id string) {
	w, ok := e.watches[id]
	if !ok {
		return
	}
	rec, _ := e.records.Get(id)
	e.log.Info("submission abandoned", zap.String("id", id), zap.Stringer("fine_status", rec.FineStatus))
	e.emit(TraceEvent{Kind: TraceAbandoned, ID: id, FineStatus: rec.FineStatus, Status: rec.Status})
	e.finish(w, rec, ErrAbandoned)
}

func (e *Engine) invalidateBalance(w *watch) {
	key := query.BalanceKey(w.sender)
	e.emit(TraceEvent{Kind: TraceInvalidate, ID: w.id, Key: key})
	if e.invalidator != nil {
		e.invalidator.Invalidate(key)
	}
}

// finish stops watching w and settles its submission.
func (e *Engine) finish(w *watch, rec record.Record, err error) {
	if w.fallback != nil {
		w.fallback.Stop()
		w.fallback = nil
	}
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	if w.stream != nil {
		w.stream.Unsubscribe()
	}
	delete(e.watches, w.id)
	e.index.remove(w.fingerprint, w.id)
	w.sub.finish(rec, err)
}

func (e *Engine) shutdown() {
	for _, w := range e.watches {
		rec, _ := e.records.Get(w.id)
		e.finish(w, rec, ErrStopped)
	}
	e.log.Info("engine stopped")
}

func (e *Engine) emit(ev TraceEvent) {
	if e.trace == nil {
		return
	}
	ev.Seq = e.seq.Next()
	e.trace(ev)
}
