// Package substrate implements ledger.Node over Substrate JSON-RPC on a
// WebSocket.
//
// Submissions use author_submitAndWatchExtrinsic. Each author_extrinsicUpdate
// maps to one ledger.Notification:
//
//	future, ready       -> PendingInNetwork
//	broadcast           -> Broadcasted
//	inBlock             -> IncludedInBlock
//	finalized           -> Finalized
//	invalid             -> DispatchFailed (system.InvalidTransaction)
//	dropped, usurped,
//	finalityTimeout     -> TransportFailed
//	retracted           -> (none)
//
// A pool rejection of the submit call itself (codes 1010-1016) is delivered
// as a single DispatchFailed notification. A lost connection ends every open
// stream with TransportFailed.
//
// Every notification carries the extrinsic hash (blake2b-256 of the signed
// bytes). Account balances come from System.Account storage and are decoded
// without runtime metadata.
package substrate
