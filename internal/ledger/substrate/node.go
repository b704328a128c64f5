package substrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/record"
)

// DefaultBlockTime is the target block interval reported in chain stats.
const DefaultBlockTime = 6 * time.Second

// CallIndices locate the two calls the explorer submits.
type CallIndices struct {
	Transfer   [2]byte // balances.transfer_keep_alive
	SubmitData [2]byte // dataAvailability.submit_data
}

// DefaultCallIndices match the Avail runtime.
var DefaultCallIndices = CallIndices{
	Transfer:   [2]byte{6, 3},
	SubmitData: [2]byte{29, 1},
}

// Config holds the connection settings.
type Config struct {
	URL            string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(n *Node) {
		n.log = log
	}
}

// WithCallIndices overrides the pallet/call indices used to encode calls.
func WithCallIndices(ci CallIndices) Option {
	return func(n *Node) {
		n.calls = ci
	}
}

// WithBlockTime overrides the reported block time.
func WithBlockTime(d time.Duration) Option {
	return func(n *Node) {
		n.blockTime = d
	}
}

// streamBuffer bounds undelivered notifications per submission.
const streamBuffer = 16

const (
	methodSubmitAndWatch = "author_submitAndWatchExtrinsic"
	methodUnwatch        = "author_unwatchExtrinsic"
)

// Node is a ledger.Node speaking Substrate JSON-RPC over WebSocket.
type Node struct {
	rpc       *rpcConn
	log       *zap.Logger
	calls     CallIndices
	blockTime time.Duration

	mu      sync.Mutex
	runtime *runtimeInfo
}

type runtimeInfo struct {
	genesisHash string
	specName    string
	specVersion uint32
	txVersion   uint32
}

// Dial connects to the node at cfg.URL.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Node, error) {
	n := &Node{
		log:       zap.NewNop(),
		calls:     DefaultCallIndices,
		blockTime: DefaultBlockTime,
	}
	for _, opt := range opts {
		opt(n)
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rpc, err := dialRPC(dctx, cfg.URL, timeout, n.log)
	if err != nil {
		return nil, err
	}
	n.rpc = rpc
	n.log.Info("connected to ledger node", zap.String("url", cfg.URL))
	return n, nil
}

// Dialer returns a ledger.Dialer for cfg.
func Dialer(cfg Config, opts ...Option) ledger.Dialer {
	return func(ctx context.Context) (ledger.Node, error) {
		return Dial(ctx, cfg, opts...)
	}
}

// Close implements ledger.Node.
func (n *Node) Close() error {
	return n.rpc.Close()
}

// SubmitAndWatch implements ledger.Node.
//
// A transaction pool rejection is reported on the stream as DispatchFailed;
// only connection problems and signing errors are returned as errors.
func (n *Node) SubmitAndWatch(ctx context.Context, sender string, signer ledger.Signer, op ledger.Operation) (ledger.Stream, error) {
	method, err := n.encodeCall(op)
	if err != nil {
		return nil, err
	}

	var nonce uint64
	if err := n.rpc.Call(ctx, &nonce, "system_accountNextIndex", sender); err != nil {
		return nil, fmt.Errorf("account nonce: %w", err)
	}
	rt, err := n.runtimeInfo(ctx)
	if err != nil {
		return nil, err
	}

	signed, err := signer.Sign(ctx, ledger.SignRequest{
		Address:            sender,
		Method:             method,
		Nonce:              nonce,
		AppID:              op.AppID,
		GenesisHash:        rt.genesisHash,
		BlockHash:          rt.genesisHash,
		SpecVersion:        rt.specVersion,
		TransactionVersion: rt.txVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	txHash := extrinsicHash(signed)

	sub := &subscription{}
	stream := ledger.NewChanStream(streamBuffer, func() {
		go n.rpc.Unsubscribe(methodUnwatch, sub.id)
	})
	sub.notify = func(raw json.RawMessage) {
		note, ok, err := mapStatus(raw)
		if err != nil {
			n.log.Warn("unreadable extrinsic status", zap.String("tx_hash", txHash), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		note.TxHash = txHash
		if !stream.Send(note) {
			return
		}
		if note.Kind.EndsStream() || note.Kind == ledger.Finalized {
			stream.End()
			// Unsubscribe round-trips through the read loop we are running on.
			go n.rpc.Unsubscribe(methodUnwatch, sub.id)
		}
	}
	sub.closed = func(err error) {
		stream.Send(ledger.Notification{Kind: ledger.TransportFailed, TxHash: txHash, Detail: err.Error()})
		stream.End()
	}

	_, err = n.rpc.Subscribe(ctx, methodSubmitAndWatch, []any{"0x" + hexString(signed)}, sub)
	if err != nil {
		var rerr *rpcError
		if errors.As(err, &rerr) {
			if d, ok := rejection(rerr); ok {
				n.log.Info("transaction rejected by pool", zap.String("tx_hash", txHash), zap.String("error", d.Format()))
				rejected := ledger.NewChanStream(1, nil)
				rejected.Send(ledger.Notification{Kind: ledger.DispatchFailed, TxHash: txHash, Dispatch: d})
				rejected.End()
				return rejected, nil
			}
			return nil, fmt.Errorf("submit: %w", err)
		}
		return nil, err
	}
	n.log.Debug("extrinsic submitted", zap.String("tx_hash", txHash), zap.String("kind", string(op.Kind)))
	return stream, nil
}

func (n *Node) encodeCall(op ledger.Operation) ([]byte, error) {
	switch op.Kind {
	case record.KindTransfer:
		dest, _, err := DecodeAddress(op.Recipient)
		if err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		amount, ok := new(big.Int).SetString(op.Amount, 10)
		if !ok || amount.Sign() < 0 {
			return nil, faults.InvalidAmount(op.Amount, "not a base-unit integer")
		}
		call := append([]byte(nil), n.calls.Transfer[:]...)
		call = append(call, 0x00) // MultiAddress::Id
		call = append(call, dest...)
		return appendCompact(call, amount), nil
	case record.KindData:
		call := append([]byte(nil), n.calls.SubmitData[:]...)
		call = appendCompact(call, big.NewInt(int64(len(op.Data))))
		return append(call, op.Data...), nil
	default:
		return nil, fmt.Errorf("unsupported operation kind %q", op.Kind)
	}
}

// AccountState implements ledger.Node.
func (n *Node) AccountState(ctx context.Context, address string) (ledger.AccountState, error) {
	id, _, err := DecodeAddress(address)
	if err != nil {
		return ledger.AccountState{}, err
	}
	raw, err := n.storage(ctx, storageKey("System", "Account", id))
	if err != nil {
		return ledger.AccountState{}, fmt.Errorf("account state: %w", err)
	}
	if raw == nil {
		return ledger.AccountState{Free: "0", Reserved: "0", Frozen: "0"}, nil
	}

	// AccountInfo: nonce, consumers, providers, sufficients (u32 each),
	// then free, reserved, frozen (u128 each).
	var out [3]string
	for i := range out {
		v, err := decodeU128(raw, 16+16*i)
		if err != nil {
			return ledger.AccountState{}, fmt.Errorf("account state: %w", err)
		}
		out[i] = v.String()
	}
	return ledger.AccountState{Free: out[0], Reserved: out[1], Frozen: out[2]}, nil
}

type header struct {
	Number string `json:"number"`
}

func (h header) number() (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(h.Number, "0x"), 16, 64)
}

// ChainStats implements ledger.Node.
func (n *Node) ChainStats(ctx context.Context) (ledger.ChainStats, error) {
	stats := ledger.ChainStats{BlockTime: n.blockTime}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.rpc.Call(gctx, &stats.Chain, "system_chain")
	})
	g.Go(func() error {
		return n.rpc.Call(gctx, &stats.NodeName, "system_name")
	})
	g.Go(func() error {
		return n.rpc.Call(gctx, &stats.NodeVersion, "system_version")
	})
	g.Go(func() error {
		var h header
		if err := n.rpc.Call(gctx, &h, "chain_getHeader"); err != nil {
			return err
		}
		num, err := h.number()
		if err != nil {
			return fmt.Errorf("best block number: %w", err)
		}
		stats.BestBlock = num
		return nil
	})
	g.Go(func() error {
		var hash string
		if err := n.rpc.Call(gctx, &hash, "chain_getFinalizedHead"); err != nil {
			return err
		}
		var h header
		if err := n.rpc.Call(gctx, &h, "chain_getHeader", hash); err != nil {
			return err
		}
		num, err := h.number()
		if err != nil {
			return fmt.Errorf("finalized block number: %w", err)
		}
		stats.FinalizedBlock = num
		return nil
	})
	g.Go(func() error {
		raw, err := n.storage(gctx, storageKey("Balances", "TotalIssuance", nil))
		if err != nil || raw == nil {
			stats.TotalIssuance = "0"
			return err
		}
		v, err := decodeU128(raw, 0)
		if err != nil {
			return fmt.Errorf("total issuance: %w", err)
		}
		stats.TotalIssuance = v.String()
		return nil
	})
	g.Go(func() error {
		raw, err := n.storage(gctx, storageKey("Session", "Validators", nil))
		if err != nil || raw == nil {
			return err
		}
		count, _, err := decodeCompact(raw)
		if err != nil {
			return fmt.Errorf("validators: %w", err)
		}
		stats.Validators = int(count.Int64())
		return nil
	})

	if err := g.Wait(); err != nil {
		return ledger.ChainStats{}, fmt.Errorf("chain stats: %w", err)
	}
	return stats, nil
}

// Metadata implements ledger.Node.
func (n *Node) Metadata(ctx context.Context) (ledger.ChainMetadata, error) {
	rt, err := n.runtimeInfo(ctx)
	if err != nil {
		return ledger.ChainMetadata{}, err
	}

	var (
		chain string
		props struct {
			SS58Format    *uint16         `json:"ss58Format"`
			TokenDecimals json.RawMessage `json:"tokenDecimals"`
			TokenSymbol   json.RawMessage `json:"tokenSymbol"`
		}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.rpc.Call(gctx, &chain, "system_chain")
	})
	g.Go(func() error {
		return n.rpc.Call(gctx, &props, "system_properties")
	})
	if err := g.Wait(); err != nil {
		return ledger.ChainMetadata{}, fmt.Errorf("metadata: %w", err)
	}

	md := ledger.ChainMetadata{
		Chain:       chain,
		GenesisHash: rt.genesisHash,
		SpecName:    rt.specName,
		SpecVersion: rt.specVersion,
		TxVersion:   rt.txVersion,
		SS58Format:  42,
	}
	if props.SS58Format != nil {
		md.SS58Format = *props.SS58Format
	}
	var decimals []int
	if firstOf(props.TokenDecimals, &decimals) && len(decimals) > 0 {
		md.TokenDecimals = decimals[0]
	}
	var symbols []string
	if firstOf(props.TokenSymbol, &symbols) && len(symbols) > 0 {
		md.TokenSymbol = symbols[0]
	}
	return md, nil
}

func (n *Node) runtimeInfo(ctx context.Context) (runtimeInfo, error) {
	n.mu.Lock()
	if n.runtime != nil {
		rt := *n.runtime
		n.mu.Unlock()
		return rt, nil
	}
	n.mu.Unlock()

	var (
		genesis string
		version struct {
			SpecName           string `json:"specName"`
			SpecVersion        uint32 `json:"specVersion"`
			TransactionVersion uint32 `json:"transactionVersion"`
		}
	)
	if err := n.rpc.Call(ctx, &genesis, "chain_getBlockHash", 0); err != nil {
		return runtimeInfo{}, fmt.Errorf("genesis hash: %w", err)
	}
	if err := n.rpc.Call(ctx, &version, "state_getRuntimeVersion"); err != nil {
		return runtimeInfo{}, fmt.Errorf("runtime version: %w", err)
	}

	rt := runtimeInfo{
		genesisHash: genesis,
		specName:    version.SpecName,
		specVersion: version.SpecVersion,
		txVersion:   version.TransactionVersion,
	}
	n.mu.Lock()
	n.runtime = &rt
	n.mu.Unlock()
	return rt, nil
}

// storage reads a storage item. A missing item yields nil, nil.
func (n *Node) storage(ctx context.Context, key string) ([]byte, error) {
	var value *string
	if err := n.rpc.Call(ctx, &value, "state_getStorage", key); err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	return decodeHex(*value)
}

// firstOf decodes raw into a slice, accepting a bare scalar as a
// one-element slice.
func firstOf[T any](raw json.RawMessage, out *[]T) bool {
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, out); err == nil {
		return true
	}
	var one T
	if err := json.Unmarshal(raw, &one); err != nil {
		return false
	}
	*out = []T{one}
	return true
}
