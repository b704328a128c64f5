package query

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Health is the reachability of the layer's two sources.
type Health struct {
	Ledger  error
	Indexer error

	// IndexedHeight is the last block height processed by the indexer.
	IndexedHeight uint64
}

// OK reports whether both sources answered.
func (h Health) OK() bool {
	return h.Ledger == nil && h.Indexer == nil
}

// Health probes the ledger connection and the indexer. Probes run
// concurrently and never fail the call; each outcome is reported separately.
func (l *Layer) Health(ctx context.Context) Health {
	var h Health
	var g errgroup.Group
	g.Go(func() error {
		h.Ledger = l.ledger.Connect(ctx)
		return nil
	})
	g.Go(func() error {
		h.IndexedHeight, h.Indexer = l.indexer.Probe(ctx)
		return nil
	})
	_ = g.Wait()
	return h
}
