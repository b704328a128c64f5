package substrate

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/ledger"
)

// mapStatus translates one author_extrinsicUpdate payload.
// ok is false for statuses that have no notification (retracted).
//
// The payload is either a bare string ("future", "ready", "dropped",
// "invalid") or a single-key object ({"inBlock": "0x..."}).
func mapStatus(raw json.RawMessage) (n ledger.Notification, ok bool, err error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return mapBareStatus(name)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return n, false, fmt.Errorf("decode extrinsic status: %w", err)
	}
	if len(obj) != 1 {
		return n, false, fmt.Errorf("decode extrinsic status: %d keys", len(obj))
	}
	for key, val := range obj {
		var hash string
		_ = json.Unmarshal(val, &hash)

		switch key {
		case "broadcast":
			return ledger.Notification{Kind: ledger.Broadcasted}, true, nil
		case "inBlock":
			return ledger.Notification{Kind: ledger.IncludedInBlock, BlockHash: hash}, true, nil
		case "finalized":
			return ledger.Notification{Kind: ledger.Finalized, BlockHash: hash}, true, nil
		case "retracted":
			return n, false, nil
		case "finalityTimeout":
			return transportFailed("finality timeout in block " + hash), true, nil
		case "usurped":
			return transportFailed("usurped by " + hash), true, nil
		default:
			return n, false, fmt.Errorf("unknown extrinsic status %q", key)
		}
	}
	return n, false, nil
}

func mapBareStatus(name string) (ledger.Notification, bool, error) {
	switch name {
	case "future", "ready":
		return ledger.Notification{Kind: ledger.PendingInNetwork}, true, nil
	case "broadcast":
		return ledger.Notification{Kind: ledger.Broadcasted}, true, nil
	case "dropped":
		return transportFailed("dropped from the transaction pool"), true, nil
	case "invalid":
		return ledger.Notification{
			Kind: ledger.DispatchFailed,
			Dispatch: &faults.Dispatch{
				Section: "system",
				Name:    "InvalidTransaction",
				Docs:    []string{"transaction became invalid in the pool"},
			},
		}, true, nil
	default:
		return ledger.Notification{}, false, fmt.Errorf("unknown extrinsic status %q", name)
	}
}

func transportFailed(detail string) ledger.Notification {
	return ledger.Notification{Kind: ledger.TransportFailed, Detail: detail}
}

// poolErrorNames are the transaction pool JSON-RPC error codes.
var poolErrorNames = map[int]string{
	1010: "InvalidTransaction",
	1011: "UnknownTransaction",
	1012: "TemporarilyBanned",
	1013: "AlreadyImported",
	1014: "TooLowPriority",
	1015: "CycleDetected",
	1016: "ImmediatelyDropped",
}

// rejection converts a pool rejection into dispatch detail. ok is false for
// errors that are not pool rejections.
func rejection(e *rpcError) (*faults.Dispatch, bool) {
	name, ok := poolErrorNames[e.Code]
	if !ok {
		return nil, false
	}
	d := &faults.Dispatch{
		Section: "author",
		Name:    name,
		Raw:     e.Message,
	}
	if detail := e.detail(); detail != "" {
		d.Docs = []string{detail}
	} else if e.Message != "" {
		d.Docs = []string{e.Message}
	}
	return d, true
}
