// Package config loads the explorer configuration.
//
// A configuration starts from Default, is overlaid with a YAML file, then
// with the AVAIL_RPC_URL and AVAIL_INDEXER_ENDPOINT environment variables,
// and is finally validated against the embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/availwatch/internal/engine"
	"github.com/roach88/availwatch/internal/indexer"
	"github.com/roach88/availwatch/internal/ledger/substrate"
	"github.com/roach88/availwatch/internal/logging"
	"github.com/roach88/availwatch/internal/query"
	"github.com/roach88/availwatch/internal/units"
	"github.com/roach88/availwatch/internal/wallet"
)

// Environment variables that override the network endpoints.
const (
	EnvRPCURL          = "AVAIL_RPC_URL"
	EnvIndexerEndpoint = "AVAIL_INDEXER_ENDPOINT"
)

// Default endpoints of the Turing test network.
const (
	DefaultRPCURL          = "wss://turing-rpc.avail.so/ws"
	DefaultIndexerEndpoint = "https://turing-indexer.avail.so/graphql"
	DefaultExplorerBase    = "https://avail-turing.subscan.io/extrinsic/"
	DefaultStorePath       = "availwatch.db"
	DefaultAppName         = "Avail Explorer"
)

//go:embed schema.cue
var schemaSource []byte

// Config is the complete explorer configuration.
type Config struct {
	Ledger       Ledger          `yaml:"ledger" json:"ledger"`
	Indexer      Indexer         `yaml:"indexer" json:"indexer"`
	ExplorerBase string          `yaml:"explorer_base" json:"explorer_base"`
	Store        Store           `yaml:"store" json:"store"`
	Wallet       Wallet          `yaml:"wallet" json:"wallet"`
	Engine       Engine          `yaml:"engine" json:"engine"`
	Query        Query           `yaml:"query" json:"query"`
	Log          logging.Options `yaml:"log" json:"log"`
}

// Ledger configures the node connection.
type Ledger struct {
	URL            string        `yaml:"url" json:"url"`
	DialTimeout    time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	Decimals       int           `yaml:"decimals" json:"decimals"`
	AppID          uint32        `yaml:"app_id" json:"app_id"`
	BlockTime      time.Duration `yaml:"block_time" json:"block_time"`
}

// Indexer configures the GraphQL indexer.
type Indexer struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// Store configures the local database.
type Store struct {
	// Path is the SQLite file. ":memory:" keeps everything in memory.
	Path string `yaml:"path" json:"path"`
}

// Wallet configures the wallet session.
type Wallet struct {
	AppName   string `yaml:"app_name" json:"app_name"`
	Preferred string `yaml:"preferred" json:"preferred"`
}

// Engine configures transaction tracking.
type Engine struct {
	FinalityTimeout time.Duration `yaml:"finality_timeout" json:"finality_timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval" json:"recheck_interval"`
	StaleAfter      time.Duration `yaml:"stale_after" json:"stale_after"`
}

// Read is the cache policy of one read.
type Read struct {
	Stale    time.Duration `yaml:"stale" json:"stale"`
	Lifetime time.Duration `yaml:"lifetime" json:"lifetime"`
	Poll     time.Duration `yaml:"poll" json:"poll"`
}

// Retry bounds refetch attempts.
type Retry struct {
	Attempts int           `yaml:"attempts" json:"attempts"`
	Base     time.Duration `yaml:"base" json:"base"`
	Max      time.Duration `yaml:"max" json:"max"`
}

// Query configures the read layer.
type Query struct {
	Balance            Read  `yaml:"balance" json:"balance"`
	ChainStats         Read  `yaml:"chain_stats" json:"chain_stats"`
	LatestTransactions Read  `yaml:"latest_transactions" json:"latest_transactions"`
	Retry              Retry `yaml:"retry" json:"retry"`
	TransactionsLimit  int   `yaml:"transactions_limit" json:"transactions_limit"`
}

// Default returns the built-in configuration.
func Default() Config {
	ec := engine.DefaultConfig()
	qc := query.DefaultConfig()
	return Config{
		Ledger: Ledger{
			URL:            DefaultRPCURL,
			DialTimeout:    10 * time.Second,
			RequestTimeout: 30 * time.Second,
			Decimals:       units.DefaultDecimals,
			AppID:          ec.AppID,
			BlockTime:      substrate.DefaultBlockTime,
		},
		Indexer: Indexer{
			Endpoint: DefaultIndexerEndpoint,
			Timeout:  15 * time.Second,
		},
		ExplorerBase: DefaultExplorerBase,
		Store:        Store{Path: DefaultStorePath},
		Wallet: Wallet{
			AppName:   DefaultAppName,
			Preferred: wallet.DefaultPreferred,
		},
		Engine: Engine{
			FinalityTimeout: ec.FinalityTimeout,
			RecheckInterval: ec.RecheckInterval,
			StaleAfter:      ec.StaleAfter,
		},
		Query: Query{
			Balance:            fromPolicy(qc.Balance),
			ChainStats:         fromPolicy(qc.ChainStats),
			LatestTransactions: fromPolicy(qc.Transactions),
			Retry:              Retry{Attempts: qc.Retry.Attempts, Base: qc.Retry.Base, Max: qc.Retry.Max},
			TransactionsLimit:  qc.TransactionsLimit,
		},
		Log: logging.Defaults(),
	}
}

// Load reads the file at path over the defaults, applies the environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. The
// environment is not consulted.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides the endpoints from the environment. Empty values are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRPCURL); ok && v != "" {
		c.Ledger.URL = v
	}
	if v, ok := lookup(EnvIndexerEndpoint); ok && v != "" {
		c.Indexer.Endpoint = v
	}
}

// ValidationError is a schema violation.
type ValidationError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid config: %s: %s", e.Path, e.Message)
	}
	return "invalid config: " + e.Message
}

// Validate checks c against the schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(c))
	return formatCUEError(v.Validate(cue.Concrete(true)))
}

// formatCUEError reports the first schema violation with its field path.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	format, args := first.Msg()
	ve := &ValidationError{
		Path:    cue.MakePath(pathSelectors(first.Path())...).String(),
		Message: fmt.Sprintf(format, args...),
	}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}

func pathSelectors(path []string) []cue.Selector {
	sels := make([]cue.Selector, 0, len(path))
	for _, p := range path {
		sels = append(sels, cue.Str(p))
	}
	return sels
}

// EngineConfig returns the tracking policy.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		FinalityTimeout: c.Engine.FinalityTimeout,
		RecheckInterval: c.Engine.RecheckInterval,
		StaleAfter:      c.Engine.StaleAfter,
		Decimals:        c.Ledger.Decimals,
		AppID:           c.Ledger.AppID,
	}
}

// QueryConfig returns the read policies.
func (c Config) QueryConfig() query.Config {
	q := c.Query
	return query.Config{
		Balance:      q.Balance.policy(),
		ChainStats:   q.ChainStats.policy(),
		Transactions: q.LatestTransactions.policy(),
		Retry: query.RetryPolicy{
			Attempts: q.Retry.Attempts,
			Base:     q.Retry.Base,
			Max:      q.Retry.Max,
		},
		TransactionsLimit: q.TransactionsLimit,
	}
}

// SubstrateConfig returns the node connection settings.
func (c Config) SubstrateConfig() substrate.Config {
	return substrate.Config{
		URL:            c.Ledger.URL,
		DialTimeout:    c.Ledger.DialTimeout,
		RequestTimeout: c.Ledger.RequestTimeout,
	}
}

// IndexerConfig returns the indexer client settings.
func (c Config) IndexerConfig() indexer.Config {
	return indexer.Config{
		Endpoint: c.Indexer.Endpoint,
		Timeout:  c.Indexer.Timeout,
	}
}

func fromPolicy(p query.Policy) Read {
	return Read{Stale: p.Stale, Lifetime: p.Lifetime, Poll: p.Poll}
}

func (r Read) policy() query.Policy {
	return query.Policy{Stale: r.Stale, Lifetime: r.Lifetime, Poll: r.Poll}
}
