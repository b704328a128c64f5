package engine

import "github.com/roach88/availwatch/internal/record"

// TraceKind names a lifecycle step.
type TraceKind string

const (
	TraceCreated      TraceKind = "created"
	TraceTransition   TraceKind = "transition"
	TraceTxHash       TraceKind = "tx_hash"
	TraceIgnored      TraceKind = "ignored"
	TraceStreamClosed TraceKind = "stream_closed"
	TraceInvalidate   TraceKind = "invalidate"
	TraceAbandoned    TraceKind = "abandoned"
	TraceSweep        TraceKind = "sweep"
)

// TraceEvent is one observable step of the engine, in Seq order.
type TraceEvent struct {
	Seq  int64     `json:"seq"`
	Kind TraceKind `json:"kind"`
	ID   string    `json:"id,omitempty"`

	// Notification is the raw notification kind, or the engine-side cause
	// of a transition (fallback, stream_closed, submit_failed).
	Notification string `json:"notification,omitempty"`

	FineStatus record.FineStatus `json:"fineStatus,omitempty"`
	Status     record.Status     `json:"status,omitempty"`
	BlockHash  string            `json:"blockHash,omitempty"`
	TxHash     string            `json:"txHash,omitempty"`
	Message    string            `json:"message,omitempty"`

	// Key is the invalidated cache key.
	Key string `json:"key,omitempty"`

	// Stale is the number of in-flight submissions without progress.
	Stale int `json:"stale,omitempty"`
}
