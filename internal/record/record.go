// Package record defines the transaction record tracked by the lifecycle engine
// and the status rules every mutation must respect.
//
// # Status Model
//
// FineStatus drives transitions; Status is derived from it and is what the UI
// shows:
//
//	Created, Broadcast, NetworkPending -> Pending
//	InBlock, Finalized                 -> Success
//	Failed                             -> Error
//
// FineStatus only moves forward (Created < Broadcast < NetworkPending < InBlock
// < Finalized). Failed absorbs from any state whose derived Status is still
// Pending. Finalized and Failed are terminal.
package record

import (
	"fmt"
	"time"

	"github.com/roach88/availwatch/internal/faults"
)

// Kind distinguishes the operation a record tracks.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindData     Kind = "data"
)

// Status is the coarse, user-visible status.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FineStatus is the internal lifecycle state.
type FineStatus int

const (
	Created FineStatus = iota + 1
	Broadcast
	NetworkPending
	InBlock
	Finalized
	Failed
)

var fineNames = map[FineStatus]string{
	Created:        "created",
	Broadcast:      "broadcast",
	NetworkPending: "network_pending",
	InBlock:        "in_block",
	Finalized:      "finalized",
	Failed:         "failed",
}

// String returns the snake_case name used in logs and persisted JSON.
func (f FineStatus) String() string {
	if s, ok := fineNames[f]; ok {
		return s
	}
	return "unknown"
}

// ParseFineStatus is the inverse of String.
func ParseFineStatus(s string) (FineStatus, bool) {
	for k, v := range fineNames {
		if v == s {
			return k, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (f FineStatus) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *FineStatus) UnmarshalText(b []byte) error {
	v, ok := ParseFineStatus(string(b))
	if !ok {
		return fmt.Errorf("unknown fine status %q", string(b))
	}
	*f = v
	return nil
}

// Terminal reports whether no further transition is accepted.
func (f FineStatus) Terminal() bool {
	return f == Finalized || f == Failed
}

// Derive maps a fine status to the user-visible status.
func Derive(f FineStatus) Status {
	switch f {
	case InBlock, Finalized:
		return StatusSuccess
	case Failed:
		return StatusError
	default:
		return StatusPending
	}
}

// Advances reports whether moving from -> to is a forward transition.
// Re-applying the current state, moving backwards, leaving a terminal state
// and failing a record that already shows Success are all rejected.
func Advances(from, to FineStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return Derive(from) == StatusPending
	}
	return to > from
}

// Payload holds the kind-specific fields.
type Payload struct {
	Recipient string `json:"recipient,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ErrorDetail keeps a failure in both structured and formatted form.
type ErrorDetail struct {
	Code      faults.Code      `json:"code"`
	Dispatch  *faults.Dispatch `json:"dispatch,omitempty"`
	Formatted string           `json:"formatted"`
}

// Record is one user-initiated submission.
type Record struct {
	ID            string       `json:"id"`
	Kind          Kind         `json:"type"`
	CreatedAt     time.Time    `json:"timestamp"`
	Status        Status       `json:"status"`
	FineStatus    FineStatus   `json:"fineStatus"`
	SenderAddress string       `json:"senderAddress"`
	Payload       Payload      `json:"details"`
	TxHash        string       `json:"txHash,omitempty"`
	BlockHash     string       `json:"blockHash,omitempty"`
	Message       string       `json:"message"`
	ExplorerURL   string       `json:"explorerUrl,omitempty"`
	Error         *ErrorDetail `json:"error,omitempty"`
}

// New creates a record in the Created state.
func New(id string, kind Kind, sender string, payload Payload, createdAt time.Time, message string) Record {
	return Record{
		ID:            id,
		Kind:          kind,
		CreatedAt:     createdAt,
		Status:        StatusPending,
		FineStatus:    Created,
		SenderAddress: sender,
		Payload:       payload,
		Message:       message,
	}
}

// Update is a requested status change.
type Update struct {
	FineStatus FineStatus
	Message    string
	BlockHash  string
	TxHash     string
	Error      *ErrorDetail
}

// Apply returns r with u applied and true, or r unchanged and false when u
// changes nothing. A non-advancing update on a live record may still teach it
// its TxHash. A TxHash is only ever set once; the explorer link is derived
// from it using explorerBase.
func (r Record) Apply(u Update, explorerBase string) (Record, bool) {
	if !Advances(r.FineStatus, u.FineStatus) {
		if r.FineStatus.Terminal() || r.TxHash != "" || u.TxHash == "" {
			return r, false
		}
		r.TxHash = u.TxHash
		r.ExplorerURL = explorerBase + u.TxHash
		return r, true
	}

	r.FineStatus = u.FineStatus
	r.Status = Derive(u.FineStatus)
	if u.Message != "" {
		r.Message = u.Message
	}
	if u.BlockHash != "" {
		r.BlockHash = u.BlockHash
	}
	if r.TxHash == "" && u.TxHash != "" {
		r.TxHash = u.TxHash
		r.ExplorerURL = explorerBase + u.TxHash
	}
	if u.Error != nil {
		r.Error = u.Error
	}
	return r, true
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r.Error != nil {
		e := *r.Error
		if e.Dispatch != nil {
			d := *e.Dispatch
			d.Docs = append([]string(nil), d.Docs...)
			e.Dispatch = &d
		}
		r.Error = &e
	}
	return r
}
