package engine

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/record"
)

// fingerprintIndex tracks in-flight submissions by content fingerprint.
//
// The index is advisory: it never merges or deduplicates records. It backs
// InFlight and the periodic sweep that reports submissions without progress.
//
// Thread-safety: safe for concurrent use.
type fingerprintIndex struct {
	mu      sync.Mutex
	entries map[string]map[string]indexEntry // fingerprint -> id -> entry
}

type indexEntry struct {
	created  time.Time
	progress time.Time
}

func newFingerprintIndex() *fingerprintIndex {
	return &fingerprintIndex{entries: make(map[string]map[string]indexEntry)}
}

func (x *fingerprintIndex) add(fp, id string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids, ok := x.entries[fp]
	if !ok {
		ids = make(map[string]indexEntry)
		x.entries[fp] = ids
	}
	ids[id] = indexEntry{created: now, progress: now}
}

func (x *fingerprintIndex) touch(fp, id string, now time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.entries[fp][id]; ok {
		e.progress = now
		x.entries[fp][id] = e
	}
}

func (x *fingerprintIndex) remove(fp, id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids, ok := x.entries[fp]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(x.entries, fp)
	}
}

func (x *fingerprintIndex) inFlight(fp string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := x.entries[fp]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b string) int {
		if c := ids[a].created.Compare(ids[b].created); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return out
}

type indexedID struct {
	fingerprint string
	id          string
	entry       indexEntry
}

func (x *fingerprintIndex) snapshot() []indexedID {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []indexedID
	for fp, ids := range x.entries {
		for id, e := range ids {
			out = append(out, indexedID{fingerprint: fp, id: id, entry: e})
		}
	}
	return out
}

// sweep prunes index entries whose record is terminal or gone and reports
// in-flight submissions that made no progress for StaleAfter. Called only
// from Run.
func (e *Engine) sweep() {
	now := e.clock.Now()
	stale := 0
	for _, it := range e.index.snapshot() {
		rec, ok := e.records.Get(it.id)
		if !ok || rec.FineStatus.Terminal() {
			e.index.remove(it.fingerprint, it.id)
			continue
		}
		if _, watched := e.watches[it.id]; !watched && rec.FineStatus == record.Created {
			// Still between record creation and the ledger acknowledging it.
			continue
		}
		if idle := now.Sub(it.entry.progress); idle >= e.cfg.StaleAfter {
			stale++
			e.log.Warn("in-flight submission without progress",
				zap.String("id", it.id),
				zap.Stringer("fine_status", rec.FineStatus),
				zap.Duration("idle", idle))
		}
	}
	e.metrics.setStale(stale)
	e.emit(TraceEvent{Kind: TraceSweep, Stale: stale})
}
