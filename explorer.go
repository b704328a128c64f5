// Package availwatch is the embedding surface of the data-availability
// explorer.
//
// An Explorer wires the ledger connection, the indexer client, the cached
// reads, the wallet session and the transaction lifecycle engine over one
// local database. A UI host opens it, runs it, and reads records and cached
// data from it:
//
//	ex, err := availwatch.Open(ctx, "availwatch.yaml", provider)
//	if err != nil {
//		return err
//	}
//	defer ex.Close()
//	go ex.Run(ctx)
//
//	sub, err := ex.SubmitTransfer(ctx, recipient, "1.5")
package availwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/config"
	"github.com/roach88/availwatch/internal/engine"
	"github.com/roach88/availwatch/internal/indexer"
	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/ledger/substrate"
	"github.com/roach88/availwatch/internal/logging"
	"github.com/roach88/availwatch/internal/query"
	"github.com/roach88/availwatch/internal/record"
	"github.com/roach88/availwatch/internal/store"
	"github.com/roach88/availwatch/internal/wallet"
)

// Option configures an Explorer.
type Option func(*options)

type options struct {
	log      *zap.Logger
	registry *prometheus.Registry
	dial     ledger.Dialer
	indexer  query.Indexer
	clock    clock.Clock
	ids      engine.IDGenerator
}

// WithLogger replaces the logger built from the log configuration.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithRegistry registers metrics on registry instead of a private one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithDialer replaces the WebSocket node dialer.
func WithDialer(dial ledger.Dialer) Option {
	return func(o *options) {
		o.dial = dial
	}
}

// WithIndexer replaces the GraphQL indexer client.
func WithIndexer(idx query.Indexer) Option {
	return func(o *options) {
		o.indexer = idx
	}
}

// WithClock sets the clock of the engine and the read layer.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithIDs sets the record id generator.
func WithIDs(ids engine.IDGenerator) Option {
	return func(o *options) {
		o.ids = ids
	}
}

// Explorer is the assembled explorer.
//
// Thread-safety: safe for concurrent use. Run may be called once.
type Explorer struct {
	cfg      config.Config
	log      *zap.Logger
	logs     *logging.Logger // nil when the logger was supplied
	registry *prometheus.Registry

	kv      *store.Store
	records *store.Records
	ledger  *ledger.Client
	reads   *query.Layer
	wallet  *wallet.Manager
	engine  *engine.Engine

	running   atomic.Bool
	stopped   chan struct{} // closed when Run returns
	closeOnce sync.Once
	closeErr  error
}

// Open loads the configuration at path and builds an Explorer from it. An
// empty path uses the defaults.
func Open(ctx context.Context, path string, provider wallet.Provider, opts ...Option) (*Explorer, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, provider, opts...)
}

// New builds an Explorer from cfg. The ledger is dialed lazily on first use.
func New(ctx context.Context, cfg config.Config, provider wallet.Provider, opts ...Option) (ex *Explorer, err error) {
	if provider == nil {
		return nil, errors.New("availwatch: nil wallet provider")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{registry: prometheus.NewRegistry(), clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	ex = &Explorer{cfg: cfg, log: o.log, registry: o.registry, stopped: make(chan struct{})}
	defer func() {
		if err != nil {
			ex.Close()
		}
	}()

	if ex.log == nil {
		ex.logs, err = logging.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		ex.log = ex.logs.Logger
	}

	ex.kv, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	ex.records, err = store.OpenRecords(ctx, ex.kv,
		store.WithExplorerBase(cfg.ExplorerBase),
		store.WithLogger(ex.log.Named("store")))
	if err != nil {
		return nil, err
	}

	dial := o.dial
	if dial == nil {
		dial = substrate.Dialer(cfg.SubstrateConfig(),
			substrate.WithLogger(ex.log.Named("substrate")),
			substrate.WithBlockTime(cfg.Ledger.BlockTime))
	}
	ex.ledger = ledger.NewClient(dial, ledger.WithLogger(ex.log.Named("ledger")))

	idx := o.indexer
	if idx == nil {
		idx = indexer.New(cfg.IndexerConfig(), indexer.WithLogger(ex.log.Named("indexer")))
	}
	ex.reads = query.New(ex.ledger, idx,
		query.WithConfig(cfg.QueryConfig()),
		query.WithClock(o.clock),
		query.WithLogger(ex.log.Named("query")),
		query.WithMetrics(query.NewMetrics(ex.registry)))

	ex.wallet, err = wallet.Open(ctx, ex.kv, provider,
		wallet.WithAppName(cfg.Wallet.AppName),
		wallet.WithPreferred(cfg.Wallet.Preferred),
		wallet.WithMetadata(ex.ledger.QueryMetadata),
		wallet.WithLogger(ex.log.Named("wallet")))
	if err != nil {
		return nil, err
	}

	engineOpts := []engine.Option{
		engine.WithConfig(cfg.EngineConfig()),
		engine.WithClock(o.clock),
		engine.WithLogger(ex.log.Named("engine")),
		engine.WithInvalidator(ex.reads),
		engine.WithMetrics(engine.NewMetrics(ex.registry)),
	}
	if o.ids != nil {
		engineOpts = append(engineOpts, engine.WithIDs(o.ids))
	}
	ex.engine = engine.New(ex.records, ex.ledger, ex.wallet, engineOpts...)

	ex.log.Info("explorer ready",
		zap.String("ledger", cfg.Ledger.URL),
		zap.String("indexer", cfg.Indexer.Endpoint),
		zap.String("store", cfg.Store.Path),
		zap.Int("records", ex.records.Len()))
	return ex, nil
}

// Run processes transaction lifecycle events until ctx is cancelled or
// Close is called.
func (ex *Explorer) Run(ctx context.Context) error {
	if !ex.running.CompareAndSwap(false, true) {
		return errors.New("availwatch: already running")
	}
	defer close(ex.stopped)
	return ex.engine.Run(ctx)
}

// Close stops the engine and the pollers and releases the connection, the
// database and the log file. Records keep their last known state.
func (ex *Explorer) Close() error {
	ex.closeOnce.Do(func() {
		var errs []error
		if ex.engine != nil {
			ex.engine.Stop()
			if ex.running.Load() {
				<-ex.stopped
			}
		}
		if ex.reads != nil {
			ex.reads.Close()
		}
		if ex.ledger != nil {
			errs = append(errs, ex.ledger.Close())
		}
		if ex.kv != nil {
			errs = append(errs, ex.kv.Close())
		}
		if ex.logs != nil {
			errs = append(errs, ex.logs.Close())
		}
		ex.closeErr = errors.Join(errs...)
	})
	return ex.closeErr
}

// Config returns the configuration the explorer was built from.
func (ex *Explorer) Config() config.Config {
	return ex.cfg
}

// Registry returns the registry holding the explorer metrics.
func (ex *Explorer) Registry() *prometheus.Registry {
	return ex.registry
}

// Wallet returns the wallet session manager.
func (ex *Explorer) Wallet() *wallet.Manager {
	return ex.wallet
}

// Reads returns the cached read layer.
func (ex *Explorer) Reads() *query.Layer {
	return ex.reads
}

// SubmitTransfer submits a transfer of amount, in display units, from the
// selected account.
func (ex *Explorer) SubmitTransfer(ctx context.Context, recipient, amount string) (*engine.Submission, error) {
	return ex.engine.SubmitTransfer(ctx, recipient, amount)
}

// SubmitData submits a data blob from the selected account.
func (ex *Explorer) SubmitData(ctx context.Context, data string) (*engine.Submission, error) {
	return ex.engine.SubmitData(ctx, data)
}

// Abandon stops tracking the submission id. The record keeps its last
// known state.
func (ex *Explorer) Abandon(id string) bool {
	return ex.engine.Abandon(id)
}

// InFlightTransfer lists the in-flight submissions identical to a transfer
// of amount to recipient from the selected account, oldest first. A UI
// uses it to warn about a repeated submission.
func (ex *Explorer) InFlightTransfer(recipient, amount string) []string {
	return ex.inFlight(record.KindTransfer, record.Payload{Recipient: recipient, Amount: amount})
}

// InFlightData is InFlightTransfer for a data submission.
func (ex *Explorer) InFlightData(data string) []string {
	return ex.inFlight(record.KindData, record.Payload{Data: data})
}

func (ex *Explorer) inFlight(kind record.Kind, p record.Payload) []string {
	sender, _, ok := ex.wallet.Selected()
	if !ok {
		return nil
	}
	return ex.engine.InFlight(record.Fingerprint(kind, sender, p))
}

// Transactions returns the transaction history, newest first.
func (ex *Explorer) Transactions() []record.Record {
	return ex.records.List()
}

// Transaction returns one record.
func (ex *Explorer) Transaction(id string) (record.Record, bool) {
	return ex.records.Get(id)
}

// Subscribe registers fn for every record change. unsubscribe removes only
// this registration.
func (ex *Explorer) Subscribe(fn func(record.Record)) (unsubscribe func(), err error) {
	return ex.records.Subscribe(fn)
}

// Health probes the ledger and the indexer.
func (ex *Explorer) Health(ctx context.Context) query.Health {
	return ex.reads.Health(ctx)
}
