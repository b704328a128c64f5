package indexer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/roach88/availwatch/internal/record"
)

// Extrinsic is an extrinsic as the query service returns it.
type Extrinsic struct {
	ID             string `json:"id"`
	Module         string `json:"module"`
	Timestamp      string `json:"timestamp"`
	TxHash         string `json:"txHash"`
	ArgsName       string `json:"argsName"`
	ArgsValue      string `json:"argsValue"`
	ExtrinsicIndex int    `json:"extrinsicIndex"`
	Hash           string `json:"hash"`
	Success        bool   `json:"success"`
	Signer         string `json:"signer"`
	FeesRounded    any    `json:"feesRounded"`
}

// Transaction is an indexed extrinsic in the shape of a history row.
type Transaction struct {
	ID            string         `json:"id"`
	Kind          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        record.Status  `json:"status"`
	Message       string         `json:"message"`
	SenderAddress string         `json:"senderAddress"`
	Details       record.Payload `json:"details"`
	TxHash        string         `json:"txHash,omitempty"`
	Module        string         `json:"module"`
	Method        string         `json:"method"`
}

// KindUnknown marks extrinsics that are neither transfers nor data submissions.
const KindUnknown = "unknown"

// Transaction maps the raw extrinsic to a history row.
func (e Extrinsic) Transaction() Transaction {
	id := e.ID
	if id == "" {
		id = e.Hash
	}
	status := record.StatusError
	if e.Success {
		status = record.StatusSuccess
	}
	kind := e.kind()
	details := e.details()

	return Transaction{
		ID:            id,
		Kind:          kind,
		Timestamp:     parseTimestamp(e.Timestamp),
		Status:        status,
		Message:       message(kind, e.Success, details),
		SenderAddress: e.Signer,
		Details:       details,
		TxHash:        e.TxHash,
		Module:        e.Module,
		Method:        e.ArgsName,
	}
}

func (e Extrinsic) kind() string {
	module := strings.ToLower(e.Module)
	method := strings.ToLower(e.ArgsName)
	switch {
	case module == "balances" && (strings.Contains(method, "transfer") || strings.Contains(method, "send")):
		return string(record.KindTransfer)
	case module == "dataavailability" && strings.Contains(method, "submitdata"):
		return string(record.KindData)
	default:
		return KindUnknown
	}
}

type accountRef struct {
	ID string `json:"id"`
}

func (e Extrinsic) details() record.Payload {
	if e.ArgsValue == "" {
		return record.Payload{}
	}
	var args struct {
		Dest        *accountRef     `json:"dest"`
		Destination *accountRef     `json:"destination"`
		Value       json.RawMessage `json:"value"`
		Data        string          `json:"data"`
	}
	if err := json.Unmarshal([]byte(e.ArgsValue), &args); err != nil {
		return record.Payload{}
	}

	var p record.Payload
	switch {
	case args.Dest != nil:
		p.Recipient = args.Dest.ID
	case args.Destination != nil:
		p.Recipient = args.Destination.ID
	}
	if len(args.Value) > 0 {
		var n json.Number
		if err := json.Unmarshal(args.Value, &n); err == nil {
			p.Amount = n.String()
		} else {
			var s string
			if err := json.Unmarshal(args.Value, &s); err == nil {
				p.Amount = s
			}
		}
	}
	p.Data = args.Data
	return p
}

func message(kind string, success bool, p record.Payload) string {
	outcome := "failed"
	if success {
		outcome = "successful"
	}
	switch kind {
	case string(record.KindTransfer):
		to := p.Recipient
		if to == "" {
			to = "unknown recipient"
		}
		return outcome + " transfer to " + to
	case string(record.KindData):
		return outcome + " data submission"
	default:
		return outcome + " transaction"
	}
}

// parseTimestamp accepts RFC 3339 and the zone-less form the indexer emits.
// An unreadable timestamp yields the zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
