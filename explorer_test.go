package availwatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/config"
	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/indexer"
	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/record"
	"github.com/roach88/availwatch/internal/testutil"
	"github.com/roach88/availwatch/internal/wallet"
)

type fakeNode struct {
	opened chan *ledger.ChanStream

	mu     sync.Mutex
	closed bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{opened: make(chan *ledger.ChanStream, 8)}
}

func (n *fakeNode) SubmitAndWatch(ctx context.Context, sender string, signer ledger.Signer, op ledger.Operation) (ledger.Stream, error) {
	s := ledger.NewChanStream(8, nil)
	n.opened <- s
	return s, nil
}

func (n *fakeNode) AccountState(ctx context.Context, address string) (ledger.AccountState, error) {
	return ledger.AccountState{Free: "1000000000000000000", Reserved: "0", Frozen: "0"}, nil
}

func (n *fakeNode) ChainStats(ctx context.Context) (ledger.ChainStats, error) {
	return ledger.ChainStats{
		Chain:          "Avail Turing",
		BestBlock:      1234567,
		FinalizedBlock: 1234565,
		TotalIssuance:  "10000000000000000000000000000",
		Validators:     120,
	}, nil
}

func (n *fakeNode) Metadata(ctx context.Context) (ledger.ChainMetadata, error) {
	return ledger.ChainMetadata{Chain: "Avail Turing", TokenSymbol: "AVAIL", TokenDecimals: 18}, nil
}

func (n *fakeNode) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *fakeNode) dialer() ledger.Dialer {
	return func(ctx context.Context) (ledger.Node, error) { return n, nil }
}

type fakeIndexer struct {
	height uint64
	page   indexer.Page
	blobs  indexer.BlobStats
	err    error
}

func (f *fakeIndexer) LatestTransactions(ctx context.Context, limit int) (indexer.Page, error) {
	return f.page, f.err
}

func (f *fakeIndexer) BlobSize24h(ctx context.Context, now time.Time) (indexer.BlobStats, error) {
	return f.blobs, f.err
}

func (f *fakeIndexer) Probe(ctx context.Context) (uint64, error) {
	return f.height, f.err
}

type fakeExtension struct{}

func (fakeExtension) Name() string { return "subwallet-js" }

func (fakeExtension) Signer() ledger.Signer { return testutil.EchoSigner() }

func (fakeExtension) ProvideMetadata(ctx context.Context, md ledger.ChainMetadata) error {
	return nil
}

type fakeProvider struct{}

func (fakeProvider) Available(ctx context.Context) ([]string, error) {
	return []string{"subwallet-js"}, nil
}

func (fakeProvider) Enable(ctx context.Context, appName, name string) ([]wallet.Extension, error) {
	return []wallet.Extension{fakeExtension{}}, nil
}

func (fakeProvider) Accounts(ctx context.Context) ([]wallet.Account, error) {
	return []wallet.Account{{Address: "5Alice", Name: "alice", Source: "subwallet-js"}}, nil
}

func (fakeProvider) FromSource(ctx context.Context, source string) (wallet.Extension, error) {
	if source != "subwallet-js" {
		return nil, errors.New("unknown source")
	}
	return fakeExtension{}, nil
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "explorer.db")
	cfg.Log.Console = false
	return cfg
}

func newExplorer(t *testing.T, cfg config.Config, node *fakeNode) *Explorer {
	t.Helper()
	return newExplorerWithIndexer(t, cfg, node, &fakeIndexer{height: 42})
}

func newExplorerWithIndexer(t *testing.T, cfg config.Config, node *fakeNode, idx *fakeIndexer) *Explorer {
	t.Helper()
	ex, err := New(context.Background(), cfg, fakeProvider{},
		WithLogger(zap.NewNop()),
		WithDialer(node.dialer()),
		WithIndexer(idx),
		WithIDs(testutil.NewSequentialIDs("tx")))
	require.NoError(t, err)
	t.Cleanup(func() { ex.Close() })
	return ex
}

func runExplorer(t *testing.T, ex *Explorer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ex.Run(ctx)
}

func TestNew_RejectsNilProvider(t *testing.T) {
	_, err := New(context.Background(), testConfig(t), nil)
	assert.Error(t, err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.URL = "http://node"
	_, err := New(context.Background(), cfg, fakeProvider{}, WithLogger(zap.NewNop()))

	var ve *config.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestExplorer_SubmitWithoutWallet(t *testing.T) {
	ex := newExplorer(t, testConfig(t), newFakeNode())
	runExplorer(t, ex)

	_, err := ex.SubmitTransfer(context.Background(), "5Bob", "1")
	assert.True(t, faults.IsCode(err, faults.CodeNoAccountSelected))
	assert.Empty(t, ex.Transactions())
}

func TestExplorer_TransferLifecycle(t *testing.T) {
	cfg := testConfig(t)
	node := newFakeNode()
	ex := newExplorer(t, cfg, node)
	runExplorer(t, ex)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ex.Wallet().Connect(ctx))

	var mu sync.Mutex
	var seen []record.FineStatus
	unsubscribe, err := ex.Subscribe(func(r record.Record) {
		mu.Lock()
		seen = append(seen, r.FineStatus)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	sub, err := ex.SubmitTransfer(ctx, "5Bob", "1.5")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", sub.ID)
	assert.Equal(t, []string{"tx-1"}, ex.InFlightTransfer("5Bob", "1.5"))
	assert.Empty(t, ex.InFlightTransfer("5Bob", "2"))

	stream := <-node.opened
	require.True(t, stream.Send(ledger.Notification{Kind: ledger.IncludedInBlock, TxHash: "0xfeed", BlockHash: "0xb1"}))

	rec, err := sub.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.InBlock, rec.FineStatus)
	assert.Equal(t, record.StatusSuccess, rec.Status)

	require.True(t, stream.Send(ledger.Notification{Kind: ledger.Finalized, TxHash: "0xfeed", BlockHash: "0xb1"}))
	select {
	case <-sub.Done():
	case <-ctx.Done():
		t.Fatal("submission never completed")
	}

	rec, err = sub.Result()
	require.NoError(t, err)
	assert.Equal(t, record.Finalized, rec.FineStatus)
	assert.Equal(t, "Transaction finalized in block 0xb1", rec.Message)
	assert.Equal(t, cfg.ExplorerBase+"0xfeed", rec.ExplorerURL)

	stored, ok := ex.Transaction("tx-1")
	require.True(t, ok)
	assert.Equal(t, rec.FineStatus, stored.FineStatus)

	mu.Lock()
	assert.Equal(t, []record.FineStatus{record.Created, record.InBlock, record.Finalized}, seen)
	mu.Unlock()

	families, err := ex.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["engine_submissions_total"])
	assert.True(t, names["engine_transitions_total"])
}

func TestExplorer_HistorySurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	node := newFakeNode()
	ex := newExplorer(t, cfg, node)
	runExplorer(t, ex)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ex.Wallet().Connect(ctx))

	sub, err := ex.SubmitData(ctx, "hello")
	require.NoError(t, err)
	stream := <-node.opened
	require.True(t, stream.Send(ledger.Notification{Kind: ledger.Broadcasted, TxHash: "0xda7a"}))
	require.Eventually(t, func() bool {
		rec, _ := ex.Transaction(sub.ID)
		return rec.FineStatus == record.Broadcast
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ex.Close())

	reopened := newExplorer(t, cfg, newFakeNode())
	history := reopened.Transactions()
	require.Len(t, history, 1)
	assert.Equal(t, sub.ID, history[0].ID)
	assert.Equal(t, record.Broadcast, history[0].FineStatus)
	assert.Equal(t, record.Payload{Data: "hello"}, history[0].Payload)
	assert.Equal(t, "subwallet-js", reopened.Wallet().Session().LastConnectedWalletID)
}

func TestExplorer_Health(t *testing.T) {
	ex := newExplorer(t, testConfig(t), newFakeNode())

	h := ex.Health(context.Background())
	assert.True(t, h.OK())
	assert.Equal(t, uint64(42), h.IndexedHeight)
}

func TestExplorer_CloseIdempotent(t *testing.T) {
	node := newFakeNode()
	ex := newExplorer(t, testConfig(t), node)
	runExplorer(t, ex)

	require.NoError(t, ex.Wallet().Connect(context.Background()))
	_, err := ex.Reads().ChainStats(context.Background())
	require.NoError(t, err)

	require.NoError(t, ex.Close())
	require.NoError(t, ex.Close())

	node.mu.Lock()
	assert.True(t, node.closed)
	node.mu.Unlock()
}

func TestExplorer_RunTwice(t *testing.T) {
	ex := newExplorer(t, testConfig(t), newFakeNode())
	runExplorer(t, ex)

	require.Eventually(t, func() bool { return ex.running.Load() }, time.Second, time.Millisecond)
	assert.Error(t, ex.Run(context.Background()))
}

func TestOpen_FromFile(t *testing.T) {
	t.Setenv(config.EnvRPCURL, "")
	t.Setenv(config.EnvIndexerEndpoint, "")

	dir := t.TempDir()
	path := filepath.Join(dir, "availwatch.yaml")
	content := "store:\n  path: " + filepath.Join(dir, "explorer.db") + "\nlog:\n  console: false\nengine:\n  finality_timeout: 3s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	ex, err := Open(context.Background(), path, fakeProvider{},
		WithDialer(newFakeNode().dialer()),
		WithIndexer(&fakeIndexer{}))
	require.NoError(t, err)
	defer ex.Close()

	assert.Equal(t, 3*time.Second, ex.Config().Engine.FinalityTimeout)
	assert.Equal(t, config.DefaultRPCURL, ex.Config().Ledger.URL)
}
