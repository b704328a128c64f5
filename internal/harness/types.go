package harness

import (
	"github.com/roach88/availwatch/internal/engine"
	"github.com/roach88/availwatch/internal/record"
)

// RecordState is the part of a record a scenario observes.
type RecordState struct {
	ID          string            `json:"id"`
	Kind        record.Kind       `json:"type"`
	Status      record.Status     `json:"status"`
	FineStatus  record.FineStatus `json:"fineStatus"`
	TxHash      string            `json:"txHash,omitempty"`
	BlockHash   string            `json:"blockHash,omitempty"`
	Message     string            `json:"message"`
	ExplorerURL string            `json:"explorerUrl,omitempty"`
	ErrorCode   string            `json:"errorCode,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every assertion held.
	Pass bool `json:"pass"`

	// Trace contains every engine trace event in Seq order.
	Trace []engine.TraceEvent `json:"trace"`

	// Records is the final record collection, newest first.
	Records []RecordState `json:"records"`

	// Invalidations lists every invalidated cache key in order.
	Invalidations []string `json:"invalidations,omitempty"`

	// Dropped lists notifications the ledger could not deliver because the
	// engine had stopped watching, as "stream/kind".
	Dropped []string `json:"dropped,omitempty"`

	// Errors contains assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []engine.TraceEvent{},
		Records: []RecordState{},
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Record returns the final state of the record with the given id.
func (r *Result) Record(id string) (RecordState, bool) {
	for _, rec := range r.Records {
		if rec.ID == id {
			return rec, true
		}
	}
	return RecordState{}, false
}

func stateOf(rec record.Record) RecordState {
	s := RecordState{
		ID:          rec.ID,
		Kind:        rec.Kind,
		Status:      rec.Status,
		FineStatus:  rec.FineStatus,
		TxHash:      rec.TxHash,
		BlockHash:   rec.BlockHash,
		Message:     rec.Message,
		ExplorerURL: rec.ExplorerURL,
	}
	if rec.Error != nil {
		s.ErrorCode = string(rec.Error.Code)
	}
	return s
}

// recordFields maps final_state field names to accessors.
var recordFields = map[string]func(RecordState) string{
	"type":         func(s RecordState) string { return string(s.Kind) },
	"status":       func(s RecordState) string { return string(s.Status) },
	"fine_status":  func(s RecordState) string { return s.FineStatus.String() },
	"tx_hash":      func(s RecordState) string { return s.TxHash },
	"block_hash":   func(s RecordState) string { return s.BlockHash },
	"message":      func(s RecordState) string { return s.Message },
	"explorer_url": func(s RecordState) string { return s.ExplorerURL },
	"error_code":   func(s RecordState) string { return s.ErrorCode },
}

// Label names a trace event for assertions.
func Label(ev engine.TraceEvent) string {
	switch ev.Kind {
	case engine.TraceTransition:
		return string(ev.Kind) + ":" + ev.FineStatus.String()
	case engine.TraceIgnored, engine.TraceTxHash:
		return string(ev.Kind) + ":" + ev.Notification
	default:
		return string(ev.Kind)
	}
}
