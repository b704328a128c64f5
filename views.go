package availwatch

import (
	"context"
	"math/big"
	"time"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/indexer"
	"github.com/roach88/availwatch/internal/query"
	"github.com/roach88/availwatch/internal/record"
	"github.com/roach88/availwatch/internal/units"
)

// Short hash display keeps this many leading and trailing characters.
const (
	hashHead = 6
	hashTail = 4
)

// Balance is an account balance in display units.
type Balance struct {
	Address   string
	Free      string
	Reserved  string
	Frozen    string
	FetchedAt time.Time
	Stale     bool
}

// ChainOverview is the chain statistics formatted for display.
type ChainOverview struct {
	Chain          string
	BestBlock      string
	FinalizedBlock string
	TotalIssuance  string
	Validators     int
	BlobSize24h    string
	Submissions24h string
	FetchedAt      time.Time
	Stale          bool
}

// TransactionRow is one indexed transaction with shortened identifiers.
type TransactionRow struct {
	indexer.Transaction
	ShortSender string
	ShortHash   string
}

// ShortHash shortens a hash or address for display.
func ShortHash(s string) string {
	return units.TruncateHash(s, hashHead, hashTail)
}

// Balance reads the balance of address and formats it with the configured
// precision.
func (ex *Explorer) Balance(ctx context.Context, address string) (Balance, error) {
	res, err := ex.reads.AccountBalance(ctx, address)
	if err != nil {
		return Balance{}, err
	}
	b := Balance{Address: address, FetchedAt: res.FetchedAt, Stale: res.Stale}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&b.Free, res.Value.Free},
		{&b.Reserved, res.Value.Reserved},
		{&b.Frozen, res.Value.Frozen},
	} {
		*f.dst, err = units.FromBaseUnits(f.src, ex.cfg.Ledger.Decimals, units.DefaultDisplayDecimals)
		if err != nil {
			return Balance{}, err
		}
	}
	return b, nil
}

// CanAfford reports whether the selected account's free balance covers a
// transfer of amount, in display units, plus the fee reserve.
func (ex *Explorer) CanAfford(ctx context.Context, amount string) (bool, error) {
	decimals := ex.cfg.Ledger.Decimals
	if _, err := units.ToBaseUnits(amount, decimals); err != nil {
		return false, err
	}
	sender, _, ok := ex.wallet.Selected()
	if !ok {
		return false, faults.NoAccountSelected()
	}
	res, err := ex.reads.AccountBalance(ctx, sender)
	if err != nil {
		return false, err
	}
	free, err := units.FromBaseUnits(res.Value.Free, decimals, decimals)
	if err != nil {
		return false, err
	}
	return units.Sufficient(free, amount, units.DefaultReserve), nil
}

// ChainOverview reads the chain statistics and formats them for display.
func (ex *Explorer) ChainOverview(ctx context.Context) (ChainOverview, error) {
	res, err := ex.reads.ChainStats(ctx)
	if err != nil {
		return ChainOverview{}, err
	}
	s := res.Value
	issuance, ok := new(big.Int).SetString(s.TotalIssuance, 10)
	if !ok {
		issuance = nil
	}
	return ChainOverview{
		Chain:          s.Chain,
		BestBlock:      units.FormatNumber(int64(s.BestBlock)),
		FinalizedBlock: units.FormatNumber(int64(s.FinalizedBlock)),
		TotalIssuance:  units.FormatBase(issuance, ex.cfg.Ledger.Decimals, 0),
		Validators:     s.Validators,
		BlobSize24h:    units.FormatBytes(s.BlobSize24h.Bytes),
		Submissions24h: units.FormatNumber(int64(s.BlobSize24h.Submissions)),
		FetchedAt:      res.FetchedAt,
		Stale:          res.Stale,
	}, nil
}

// History returns page (1-based) of the transaction history, newest first,
// and the number of pages.
func (ex *Explorer) History(page, size int) ([]record.Record, int) {
	return query.Paginate(ex.records.List(), page, size)
}

// LatestTransactions returns page (1-based) of the most recent indexed
// transactions and the number of pages.
func (ex *Explorer) LatestTransactions(ctx context.Context, page, size int) (query.Result[[]TransactionRow], int, error) {
	res, err := ex.reads.LatestTransactions(ctx, ex.cfg.Query.TransactionsLimit)
	if err != nil {
		return query.Result[[]TransactionRow]{}, 0, err
	}
	txs, pages := query.Paginate(res.Value.Transactions, page, size)
	rows := make([]TransactionRow, 0, len(txs))
	for _, tx := range txs {
		rows = append(rows, TransactionRow{
			Transaction: tx,
			ShortSender: ShortHash(tx.SenderAddress),
			ShortHash:   ShortHash(tx.TxHash),
		})
	}
	return query.Result[[]TransactionRow]{Value: rows, FetchedAt: res.FetchedAt, Stale: res.Stale}, pages, nil
}
