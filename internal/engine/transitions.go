package engine

import (
	"fmt"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/record"
)

// updateFor maps a raw notification to the record update it requests.
// Whether the update applies is decided by record.Apply.
//
//	Broadcasted      -> Broadcast
//	PendingInNetwork -> NetworkPending
//	IncludedInBlock  -> InBlock    (blockHash)
//	Finalized        -> Finalized  (blockHash)
//	DispatchFailed   -> Failed     (structured dispatch error)
//	TransportFailed  -> Failed     (transport failure)
func updateFor(n ledger.Notification) (record.Update, error) {
	u := record.Update{TxHash: n.TxHash, BlockHash: n.BlockHash}

	switch n.Kind {
	case ledger.Broadcasted:
		u.FineStatus = record.Broadcast
		u.Message = msgBroadcast
	case ledger.PendingInNetwork:
		u.FineStatus = record.NetworkPending
		u.Message = msgNetworkPending
	case ledger.IncludedInBlock:
		u.FineStatus = record.InBlock
		u.Message = fmt.Sprintf("Transaction included in block %s", n.BlockHash)
	case ledger.Finalized:
		u.FineStatus = record.Finalized
		u.Message = fmt.Sprintf("Transaction finalized in block %s", n.BlockHash)
	case ledger.DispatchFailed:
		d := n.Dispatch
		if d == nil {
			d = &faults.Dispatch{Raw: "dispatch failed"}
		}
		u.FineStatus = record.Failed
		u.Message = d.Format()
		u.Error = &record.ErrorDetail{Code: faults.CodeDispatch, Dispatch: d, Formatted: d.Format()}
	case ledger.TransportFailed:
		msg := "transport failure"
		if n.Detail != "" {
			msg += ": " + n.Detail
		}
		u.FineStatus = record.Failed
		u.Message = msg
		u.Error = &record.ErrorDetail{Code: faults.CodeTransport, Formatted: msg}
	default:
		return record.Update{}, fmt.Errorf("unknown notification kind: %d", n.Kind)
	}
	return u, nil
}
