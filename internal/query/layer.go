// Package query is the read side of the explorer: cached, retried and
// polled reads of balances, chain statistics and the latest transactions.
//
// Every read has a Policy. Data younger than Stale is served from cache.
// Older data is refetched with bounded exponential retry; if the refetch
// fails, cached data is still served while younger than Lifetime, and a
// STALE_READ fault is returned beyond that. Invalidate forces the next read
// of a key to refetch.
package query

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/indexer"
	"github.com/roach88/availwatch/internal/ledger"
)

// Ledger is the ledger side of the reads.
type Ledger interface {
	Connect(ctx context.Context) error
	QueryAccountState(ctx context.Context, address string) (ledger.AccountState, error)
	QueryChainStats(ctx context.Context) (ledger.ChainStats, error)
}

// Indexer is the query service side of the reads.
type Indexer interface {
	LatestTransactions(ctx context.Context, limit int) (indexer.Page, error)
	BlobSize24h(ctx context.Context, now time.Time) (indexer.BlobStats, error)
	Probe(ctx context.Context) (uint64, error)
}

// Cache keys.
const (
	keyChainStats   = "chainStats"
	prefixBalance   = "balance:"
	prefixLatestTxs = "latestTransactions:"
)

// BalanceKey is the cache key of an account balance.
func BalanceKey(address string) string {
	return prefixBalance + address
}

// TransactionsKey is the cache key of the latest transactions page.
func TransactionsKey(limit int) string {
	return prefixLatestTxs + strconv.Itoa(limit)
}

// ChainStatsKey is the cache key of the chain statistics.
func ChainStatsKey() string {
	return keyChainStats
}

// Result is a read's value and the time it was fetched.
type Result[T any] struct {
	Value     T
	FetchedAt time.Time

	// Stale is set when the refetch failed and cached data was served.
	Stale bool
}

// ChainStats combines ledger statistics with indexer aggregates.
type ChainStats struct {
	ledger.ChainStats
	BlobSize24h indexer.BlobStats `json:"blobSize24h"`
}

// entryCapacity bounds the number of cached reads. Lifetime is enforced
// against the layer's clock on read, not by eviction.
const entryCapacity = 256

type entry struct {
	value     any
	fetchedAt time.Time
	invalid   bool
}

// Option configures a Layer.
type Option func(*Layer)

// WithClock sets the clock used for ages and polling.
func WithClock(c clock.Clock) Option {
	return func(l *Layer) {
		l.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Layer) {
		l.log = log
	}
}

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(l *Layer) {
		l.cfg = cfg
	}
}

// WithMetrics enables cache metrics.
func WithMetrics(m *Metrics) Option {
	return func(l *Layer) {
		l.metrics = m
	}
}

// Layer serves cached reads.
//
// Thread-safety: safe for concurrent use. Concurrent refetches of one key
// share a single fetch.
type Layer struct {
	ledger  Ledger
	indexer Indexer
	clock   clock.Clock
	log     *zap.Logger
	cfg     Config
	metrics *Metrics

	entries *cache.Cache[string, entry]
	group   singleflight.Group

	// mu orders entry writes against Invalidate. gens counts the
	// invalidations of each key; a fetch that saw an older count is not
	// stored.
	mu   sync.Mutex
	gens map[string]uint64

	poller poller
}

// New creates a Layer reading from l and idx.
func New(l Ledger, idx Indexer, opts ...Option) *Layer {
	q := &Layer{
		ledger:  l,
		indexer: idx,
		clock:   clock.New(),
		log:     zap.NewNop(),
		cfg:     DefaultConfig(),
		entries: cache.New(cache.AsLRU[string, entry](lru.WithCapacity(entryCapacity))),
		gens:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.poller.layer = q
	return q
}

// Invalidate forces the next read of key to refetch. A fetch of key already
// in progress is neither joined by later reads nor cached.
func (l *Layer) Invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.gens[key]++
	l.group.Forget(key)
	if e, ok := l.entries.Get(key); ok {
		e.invalid = true
		l.entries.Set(key, e)
	}
	l.log.Debug("cache invalidated", zap.String("key", key))
}

func (l *Layer) generation(key string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gens[key]
}

// store caches e unless key was invalidated after gen was read.
func (l *Layer) store(key string, gen uint64, e entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gens[key] != gen {
		l.log.Debug("discarding fetch superseded by invalidation", zap.String("key", key))
		return
	}
	l.entries.Set(key, e)
}

// AccountBalance reads the balance breakdown of address.
func (l *Layer) AccountBalance(ctx context.Context, address string) (Result[ledger.AccountState], error) {
	return read(ctx, l, BalanceKey(address), l.cfg.Balance, func(ctx context.Context) (ledger.AccountState, error) {
		return l.ledger.QueryAccountState(ctx, address)
	})
}

// ChainStats reads the chain statistics together with the 24h blob size.
func (l *Layer) ChainStats(ctx context.Context) (Result[ChainStats], error) {
	return read(ctx, l, keyChainStats, l.cfg.ChainStats, func(ctx context.Context) (ChainStats, error) {
		var out ChainStats
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			s, err := l.ledger.QueryChainStats(gctx)
			out.ChainStats = s
			return err
		})
		g.Go(func() error {
			b, err := l.indexer.BlobSize24h(gctx, l.clock.Now())
			out.BlobSize24h = b
			return err
		})
		if err := g.Wait(); err != nil {
			return ChainStats{}, err
		}
		return out, nil
	})
}

// LatestTransactions reads the limit most recent transactions.
func (l *Layer) LatestTransactions(ctx context.Context, limit int) (Result[indexer.Page], error) {
	return read(ctx, l, TransactionsKey(limit), l.cfg.Transactions, func(ctx context.Context) (indexer.Page, error) {
		return l.indexer.LatestTransactions(ctx, limit)
	})
}

func read[T any](ctx context.Context, l *Layer, key string, policy Policy, fetch func(context.Context) (T, error)) (Result[T], error) {
	name := readName(key)

	if e, ok := l.entries.Get(key); ok && !e.invalid && l.clock.Since(e.fetchedAt) < policy.Stale {
		l.metrics.hit(name)
		return Result[T]{Value: e.value.(T), FetchedAt: e.fetchedAt}, nil
	}
	l.metrics.miss(name)

	gen := l.generation(key)
	v, err, _ := l.group.Do(key, func() (any, error) {
		val, err := l.retry(ctx, key, func() (any, error) { return fetch(ctx) })
		if err != nil {
			return nil, err
		}
		e := entry{value: val, fetchedAt: l.clock.Now()}
		l.store(key, gen, e)
		return e, nil
	})
	if err == nil {
		e := v.(entry)
		return Result[T]{Value: e.value.(T), FetchedAt: e.fetchedAt}, nil
	}

	l.metrics.fetchError(name)
	e, ok := l.entries.Get(key)
	if !ok {
		return Result[T]{}, fmt.Errorf("%s: %w", name, err)
	}
	if l.clock.Since(e.fetchedAt) >= policy.Lifetime {
		l.log.Warn("cached data expired and refetch failed", zap.String("key", key), zap.Error(err))
		return Result[T]{}, faults.StaleRead(key, err)
	}
	l.metrics.stale(name)
	l.log.Debug("serving cached data after failed refetch", zap.String("key", key), zap.Error(err))
	return Result[T]{Value: e.value.(T), FetchedAt: e.fetchedAt, Stale: true}, nil
}

func (l *Layer) retry(ctx context.Context, key string, op func() (any, error)) (any, error) {
	rp := l.cfg.Retry
	if rp.Attempts <= 1 {
		return op()
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rp.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         rp.Max,
	}
	return backoff.Retry(ctx, func() (any, error) {
		v, err := op()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(rp.Attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.log.Debug("refetch failed, retrying", zap.String("key", key), zap.Duration("in", next), zap.Error(err))
		}),
	)
}

// readName is the metrics label of key.
func readName(key string) string {
	switch {
	case strings.HasPrefix(key, prefixBalance):
		return "balance"
	case strings.HasPrefix(key, prefixLatestTxs):
		return "latest_transactions"
	default:
		return "chain_stats"
	}
}
