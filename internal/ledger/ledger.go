// Package ledger is the boundary between the explorer and the remote ledger.
//
// A Node speaks the ledger's wire protocol. Client owns the single shared Node
// connection, establishes it lazily and re-establishes it once for queries
// that fail with a connection error. Submissions are never retried.
//
// # Notifications
//
// SubmitOperation returns a Stream of Notification values. The stream is not
// guaranteed to terminate: a node may stop emitting without closing it. A
// DispatchFailed or TransportFailed notification is always the last one.
// Finalized is normally the last one as well. Any notification may carry the
// ledger-assigned TxHash; the first one that does is not necessarily the
// first notification.
package ledger

import (
	"context"
	"time"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/record"
)

// NotificationKind enumerates the raw status notifications.
type NotificationKind int

const (
	Broadcasted NotificationKind = iota + 1
	PendingInNetwork
	IncludedInBlock
	Finalized
	DispatchFailed
	TransportFailed
)

var kindNames = map[NotificationKind]string{
	Broadcasted:      "broadcasted",
	PendingInNetwork: "pending_in_network",
	IncludedInBlock:  "included_in_block",
	Finalized:        "finalized",
	DispatchFailed:   "dispatch_failed",
	TransportFailed:  "transport_failed",
}

func (k NotificationKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseNotificationKind is the inverse of String.
func ParseNotificationKind(s string) (NotificationKind, bool) {
	for k, v := range kindNames {
		if v == s {
			return k, true
		}
	}
	return 0, false
}

// EndsStream reports whether no notification follows one of this kind.
func (k NotificationKind) EndsStream() bool {
	return k == DispatchFailed || k == TransportFailed
}

// Notification is one raw status event from the ledger.
type Notification struct {
	Kind      NotificationKind
	TxHash    string
	BlockHash string

	// Dispatch is set for DispatchFailed.
	Dispatch *faults.Dispatch

	// Detail describes a TransportFailed cause.
	Detail string
}

// Stream delivers the notifications of one submission.
//
// The channel is closed when the node will send nothing more. After
// Unsubscribe it may stay open, so consumers stop reading once they
// unsubscribe. Unsubscribe is idempotent and does not cancel the operation on
// the ledger.
type Stream interface {
	Notifications() <-chan Notification
	Unsubscribe()
}

// Operation is the ledger-side call of a submission.
type Operation struct {
	Kind record.Kind

	// Recipient and Amount are set for transfers. Amount is in base units.
	Recipient string
	Amount    string

	// Data is set for data submissions.
	Data []byte

	// AppID selects the data-availability application lane.
	AppID uint32
}

// SignRequest is what a Signer is asked to authorize.
type SignRequest struct {
	Address            string
	Method             []byte
	Nonce              uint64
	AppID              uint32
	GenesisHash        string
	BlockHash          string
	SpecVersion        uint32
	TransactionVersion uint32
}

// Signer produces a signed, encoded extrinsic for a SignRequest.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) ([]byte, error)
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, req SignRequest) ([]byte, error)

// Sign implements Signer.
func (f SignerFunc) Sign(ctx context.Context, req SignRequest) ([]byte, error) {
	return f(ctx, req)
}

// AccountState is the balance breakdown of one account, in base units.
type AccountState struct {
	Free     string `json:"free"`
	Reserved string `json:"reserved"`
	Frozen   string `json:"frozen"`
}

// ChainStats is a point-in-time summary of the network.
type ChainStats struct {
	Chain          string        `json:"chain"`
	NodeName       string        `json:"nodeName"`
	NodeVersion    string        `json:"nodeVersion"`
	BestBlock      uint64        `json:"bestBlock"`
	FinalizedBlock uint64        `json:"finalizedBlock"`
	TotalIssuance  string        `json:"totalIssuance"`
	Validators     int           `json:"validators"`
	BlockTime      time.Duration `json:"blockTime"`
}

// ChainMetadata is what a wallet extension needs to decode signing requests.
type ChainMetadata struct {
	Chain         string `json:"chain"`
	GenesisHash   string `json:"genesisHash"`
	SpecName      string `json:"specName"`
	SpecVersion   uint32 `json:"specVersion"`
	TxVersion     uint32 `json:"txVersion"`
	SS58Format    uint16 `json:"ss58Format"`
	TokenSymbol   string `json:"tokenSymbol"`
	TokenDecimals int    `json:"tokenDecimals"`
}

// Node is one established connection to the ledger.
//
// Methods return a CONNECTION_ERROR fault when the connection is unusable.
type Node interface {
	SubmitAndWatch(ctx context.Context, sender string, signer Signer, op Operation) (Stream, error)
	AccountState(ctx context.Context, address string) (AccountState, error)
	ChainStats(ctx context.Context) (ChainStats, error)
	Metadata(ctx context.Context) (ChainMetadata, error)
	Close() error
}

// Dialer establishes a Node connection.
type Dialer func(ctx context.Context) (Node, error)
