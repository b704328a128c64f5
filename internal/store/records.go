package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/record"
)

// HistoryKey is the document key holding the transaction history.
const HistoryKey = "transaction-storage"

// TopicRecordUpdated is published with the new record.Record after every
// successful Create or UpdateStatus.
const TopicRecordUpdated = "record:updated"

// RecordsOption configures Records.
type RecordsOption func(*Records)

// WithExplorerBase sets the prefix used to derive explorer links from tx hashes.
func WithExplorerBase(base string) RecordsOption {
	return func(r *Records) {
		r.explorerBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) RecordsOption {
	return func(r *Records) {
		r.log = log
	}
}

// WithBus sets the bus mutations are published on.
func WithBus(bus evbus.Bus) RecordsOption {
	return func(r *Records) {
		r.bus = bus
	}
}

// Records is the durable, newest-first collection of transaction records.
//
// Thread-safety: all methods are safe for concurrent use. Each mutation is
// atomic: it is persisted and then made visible under one lock.
type Records struct {
	kv           *Store
	explorerBase string
	log          *zap.Logger
	bus          evbus.Bus

	mu   sync.RWMutex
	list []record.Record // newest first

	// subs holds the Subscribe callbacks by token. The bus sees a single
	// dispatch handler, registered on the first Subscribe. subMu is never
	// held across a bus call; the bus runs dispatch under its own lock.
	busMu      sync.Mutex
	dispatchOn bool
	subMu      sync.Mutex
	subs       map[uint64]func(record.Record)
	nextSub    uint64
}

// OpenRecords loads the persisted history from kv.
func OpenRecords(ctx context.Context, kv *Store, opts ...RecordsOption) (*Records, error) {
	r := &Records{
		kv:  kv,
		log: zap.NewNop(),
		bus: evbus.New(),
	}
	for _, opt := range opts {
		opt(r)
	}

	var list []record.Record
	if _, err := kv.Load(ctx, HistoryKey, &list); err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	r.list = list

	r.log.Debug("transaction history loaded", zap.Int("records", len(list)))
	return r, nil
}

// Create inserts rec at the head of the collection.
// Returns a DUPLICATE_ID fault if rec.ID is already present.
func (r *Records) Create(ctx context.Context, rec record.Record) error {
	r.mu.Lock()
	if r.indexOf(rec.ID) >= 0 {
		r.mu.Unlock()
		return faults.DuplicateID(rec.ID)
	}

	next := make([]record.Record, 0, len(r.list)+1)
	next = append(next, rec.Clone())
	next = append(next, r.list...)

	if err := r.kv.Save(ctx, HistoryKey, next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("create record %s: %w", rec.ID, err)
	}
	r.list = next
	r.mu.Unlock()

	r.publish(rec)
	return nil
}

// UpdateStatus applies u to the record with the given id under the
// monotonicity rules of record.Apply.
//
// Returns the resulting record and whether anything changed. An unknown id is
// silently ignored (zero record, false, nil): the engine may race with a reset.
func (r *Records) UpdateStatus(ctx context.Context, id string, u record.Update) (record.Record, bool, error) {
	r.mu.Lock()
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		r.log.Debug("update for unknown record ignored", zap.String("id", id))
		return record.Record{}, false, nil
	}

	updated, changed := r.list[i].Apply(u, r.explorerBase)
	if !changed {
		cur := r.list[i].Clone()
		r.mu.Unlock()
		return cur, false, nil
	}

	next := make([]record.Record, len(r.list))
	copy(next, r.list)
	next[i] = updated

	if err := r.kv.Save(ctx, HistoryKey, next); err != nil {
		cur := r.list[i].Clone()
		r.mu.Unlock()
		return cur, false, fmt.Errorf("update record %s: %w", id, err)
	}
	r.list = next
	r.mu.Unlock()

	r.publish(updated)
	return updated.Clone(), true, nil
}

// Get returns a snapshot of the record with the given id.
func (r *Records) Get(id string) (record.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(id)
	if i < 0 {
		return record.Record{}, false
	}
	return r.list[i].Clone(), true
}

// List returns a snapshot of every record, newest first.
func (r *Records) List() []record.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]record.Record, len(r.list))
	for i, rec := range r.list {
		out[i] = rec.Clone()
	}
	return out
}

// Len returns the number of records.
func (r *Records) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// Subscribe registers fn to receive every created or updated record.
// fn runs synchronously on the mutating goroutine and must not block.
// unsubscribe removes exactly this registration, even when fn is shared with
// another subscriber; calling it again has no effect.
func (r *Records) Subscribe(fn func(record.Record)) (unsubscribe func(), err error) {
	if err := r.attachDispatch(); err != nil {
		return nil, err
	}

	r.subMu.Lock()
	if r.subs == nil {
		r.subs = make(map[uint64]func(record.Record))
	}
	r.nextSub++
	token := r.nextSub
	r.subs[token] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, token)
	}, nil
}

func (r *Records) attachDispatch() error {
	r.busMu.Lock()
	defer r.busMu.Unlock()
	if r.dispatchOn {
		return nil
	}
	if err := r.bus.Subscribe(TopicRecordUpdated, r.dispatch); err != nil {
		return err
	}
	r.dispatchOn = true
	return nil
}

// dispatch fans a published record out to the current subscribers in
// registration order.
func (r *Records) dispatch(rec record.Record) {
	r.subMu.Lock()
	tokens := make([]uint64, 0, len(r.subs))
	for token := range r.subs {
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)
	fns := make([]func(record.Record), 0, len(tokens))
	for _, token := range tokens {
		fns = append(fns, r.subs[token])
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(rec)
	}
}

func (r *Records) publish(rec record.Record) {
	if r.bus.HasCallback(TopicRecordUpdated) {
		r.bus.Publish(TopicRecordUpdated, rec.Clone())
	}
}

// indexOf must be called with mu held.
func (r *Records) indexOf(id string) int {
	for i := range r.list {
		if r.list[i].ID == id {
			return i
		}
	}
	return -1
}
