// Package engine implements the transaction lifecycle engine.
//
// The engine submits operations to the ledger, consumes each submission's
// notification stream and drives its record through the status state
// machine of package record.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Everything that changes a record after creation is an Event processed by
// Engine.Run in FIFO order:
//   - one pump goroutine per open stream forwards notifications and the
//     stream's closure
//   - the finality fallback timer enqueues a fallback event
//   - Abandon enqueues an abandon event
//
// Submit runs on the caller's goroutine: it validates the request, creates
// the record (Created), calls the ledger and hands the stream to the loop.
//
// Transitions:
//
//	Broadcasted      -> Broadcast
//	PendingInNetwork -> NetworkPending   (Submission.Wait returns)
//	IncludedInBlock  -> InBlock          (status Success, fallback armed)
//	Finalized        -> Finalized        (balance invalidated once)
//	DispatchFailed   -> Failed           (status Error)
//	TransportFailed  -> Failed           (status Error)
//
// Out-of-order and duplicate notifications are absorbed by the monotonicity
// guard in record.Apply. A failure after InBlock is ignored; the record
// already shows Success and the fallback timer still finalizes it.
//
// Fallback:
// If no Finalized arrives within Config.FinalityTimeout of InBlock, the
// engine applies Finalized with the known block hash, invalidates the
// sender's balance and stops watching. The timer is cancelled by any
// terminal transition or abandon.
//
// Streams:
// A stream that closes while the record is still Pending fails the record
// with TRANSPORT_FAILURE. Submission errors are never retried.
//
// Fingerprints:
// In-flight submissions are indexed by content fingerprint. The index is
// advisory; identical submissions always get separate records.
package engine
