package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/availwatch/internal/faults"
	"github.com/roach88/availwatch/internal/ledger"
	"github.com/roach88/availwatch/internal/record"
)

func TestEngine_SuccessfulTransfer(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "10.0")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", sub.ID)

	rec := te.get(t, sub.ID)
	assert.Equal(t, record.Created, rec.FineStatus)
	assert.Equal(t, record.StatusPending, rec.Status)
	assert.Equal(t, record.Payload{Recipient: bob, Amount: "10.0"}, rec.Payload)

	submitted := te.ledger.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, alice, submitted[0].Sender)
	assert.Equal(t, "10000000000000000000", submitted[0].Operation.Amount)
	assert.Equal(t, bob, submitted[0].Operation.Recipient)

	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted, TxHash: "0xtx1"})
	te.send(t, 0, ledger.Notification{Kind: ledger.PendingInNetwork, TxHash: "0xtx1"})

	got, err := sub.Wait(ctxTimeout(t))
	require.NoError(t, err)
	assert.Equal(t, record.NetworkPending, got.FineStatus)
	assert.Equal(t, "0xtx1", got.TxHash)
	assert.Equal(t, explorerBase+"0xtx1", got.ExplorerURL)

	te.send(t, 0, ledger.Notification{Kind: ledger.IncludedInBlock, TxHash: "0xtx1", BlockHash: "0xbh1"})
	te.waitStatus(t, sub.ID, record.InBlock)
	assert.Equal(t, record.StatusSuccess, te.get(t, sub.ID).Status)
	assert.Empty(t, te.inv.Keys(), "in-block must not invalidate the balance")

	te.send(t, 0, ledger.Notification{Kind: ledger.Finalized, TxHash: "0xtx1", BlockHash: "0xbh1"})
	waitDone(t, sub)

	rec = te.get(t, sub.ID)
	assert.Equal(t, record.Finalized, rec.FineStatus)
	assert.Equal(t, record.StatusSuccess, rec.Status)
	assert.Equal(t, "0xbh1", rec.BlockHash)
	assert.Equal(t, []string{"balance:" + alice}, te.inv.Keys())
	assert.True(t, te.ledger.Unsubscribed(0))

	final, err := sub.Result()
	require.NoError(t, err)
	assert.Equal(t, record.Finalized, final.FineStatus)
}

func TestEngine_InsufficientBalance(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "1000000")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted})
	te.send(t, 0, ledger.Notification{Kind: ledger.DispatchFailed, TxHash: "0xtx1", Dispatch: &faults.Dispatch{
		Section: "balances",
		Name:    "InsufficientBalance",
		Docs:    []string{"balance too low"},
	}})

	rec, err := sub.Wait(ctxTimeout(t))
	require.Error(t, err)
	assert.True(t, faults.IsCode(err, faults.CodeDispatch))
	assert.Equal(t, record.Failed, rec.FineStatus)

	waitDone(t, sub)
	rec = te.get(t, sub.ID)
	assert.Equal(t, record.StatusError, rec.Status)
	assert.Equal(t, "balances.InsufficientBalance: balance too low", rec.Message)
	require.NotNil(t, rec.Error)
	assert.Equal(t, faults.CodeDispatch, rec.Error.Code)
	assert.Equal(t, "InsufficientBalance", rec.Error.Dispatch.Name)
	assert.Equal(t, explorerBase+"0xtx1", rec.ExplorerURL, "explorer link survives failure")
	assert.Empty(t, te.inv.Keys())
}

func TestEngine_OutOfOrderNotificationsAreIgnored(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitData(ctxTimeout(t), "hello")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.PendingInNetwork})
	te.waitStatus(t, sub.ID, record.NetworkPending)

	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted})
	te.waitTrace(t, func(ev TraceEvent) bool {
		return ev.Kind == TraceIgnored && ev.Notification == "broadcasted"
	})
	assert.Equal(t, record.NetworkPending, te.get(t, sub.ID).FineStatus)
}

func TestEngine_FinalizedThenInBlockStaysFinalized(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitData(ctxTimeout(t), "hello")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.Finalized, BlockHash: "0xbh1"})
	te.ledger.Send(0, ledger.Notification{Kind: ledger.IncludedInBlock, BlockHash: "0xbh2"})
	waitDone(t, sub)

	rec := te.get(t, sub.ID)
	assert.Equal(t, record.Finalized, rec.FineStatus)
	assert.Equal(t, "0xbh1", rec.BlockHash)
	assert.Equal(t, 1, te.inv.Count("balance:"+alice))
}

func TestEngine_TerminalRecordIgnoresLateNotifications(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitData(ctxTimeout(t), "hello")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.TransportFailed, Detail: "dropped"})
	waitDone(t, sub)
	before := te.get(t, sub.ID)

	// The engine has stopped watching; a late event for the id is ignored.
	te.inject(Event{Type: EventNotification, ID: sub.ID, Notification: ledger.Notification{Kind: ledger.Finalized, BlockHash: "0xlate"}})
	te.waitTrace(t, func(ev TraceEvent) bool { return ev.Kind == TraceIgnored && ev.ID == sub.ID })

	after := te.get(t, sub.ID)
	assert.Equal(t, before, after)
	assert.Equal(t, "transport failure: dropped", after.Message)
	assert.Empty(t, te.inv.Keys())
}

func TestEngine_FallbackFinalizesAfterTimeout(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "1")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.IncludedInBlock, BlockHash: "0xAB"})
	te.waitStatus(t, sub.ID, record.InBlock)

	te.clock.Add(14 * time.Second)
	require.Never(t, func() bool {
		rec, _ := te.records.Get(sub.ID)
		return rec.FineStatus == record.Finalized
	}, 50*time.Millisecond, 5*time.Millisecond)

	te.clock.Add(time.Second)
	waitDone(t, sub)

	rec := te.get(t, sub.ID)
	assert.Equal(t, record.Finalized, rec.FineStatus)
	assert.Equal(t, record.StatusSuccess, rec.Status)
	assert.Equal(t, "0xAB", rec.BlockHash)
	assert.Contains(t, rec.Message, "assumed")
	assert.Equal(t, 1, te.inv.Count("balance:"+alice))
	assert.True(t, te.ledger.Unsubscribed(0))

	ev := te.waitStatus(t, sub.ID, record.Finalized)
	assert.Equal(t, "fallback", ev.Notification)
}

func TestEngine_FinalityCancelsFallback(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "1")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.IncludedInBlock, BlockHash: "0xbh1"})
	te.waitStatus(t, sub.ID, record.InBlock)
	te.send(t, 0, ledger.Notification{Kind: ledger.Finalized, BlockHash: "0xbh1"})
	waitDone(t, sub)

	te.clock.Add(time.Minute)
	ev := te.waitStatus(t, sub.ID, record.Finalized)
	assert.Equal(t, "finalized", ev.Notification)
	assert.Equal(t, 1, te.inv.Count("balance:"+alice))
}

func TestEngine_FailureAfterInBlockIsIgnored(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "1")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.IncludedInBlock, BlockHash: "0xbh1"})
	te.waitStatus(t, sub.ID, record.InBlock)

	te.send(t, 0, ledger.Notification{Kind: ledger.TransportFailed, Detail: "finality timeout"})
	te.ledger.End(0)
	te.waitTrace(t, func(ev TraceEvent) bool { return ev.Kind == TraceStreamClosed && ev.ID == sub.ID })

	rec := te.get(t, sub.ID)
	assert.Equal(t, record.InBlock, rec.FineStatus)
	assert.Equal(t, record.StatusSuccess, rec.Status)

	te.clock.Add(15 * time.Second)
	waitDone(t, sub)
	assert.Equal(t, record.Finalized, te.get(t, sub.ID).FineStatus)
}

func TestEngine_StreamClosedWhilePendingFails(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitData(ctxTimeout(t), "blob")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted})
	te.ledger.End(0)
	waitDone(t, sub)

	rec := te.get(t, sub.ID)
	assert.Equal(t, record.Failed, rec.FineStatus)
	require.NotNil(t, rec.Error)
	assert.Equal(t, faults.CodeTransport, rec.Error.Code)

	_, err = sub.Result()
	assert.True(t, faults.IsCode(err, faults.CodeTransport))
}

func TestEngine_SubmitErrorFailsRecord(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.FailNext(faults.Connection("ledger unreachable", errors.New("connection refused")))

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "1")
	require.NoError(t, err)

	_, err = sub.Wait(ctxTimeout(t))
	require.Error(t, err)
	assert.True(t, faults.IsCode(err, faults.CodeConnection))

	waitDone(t, sub)
	rec := te.get(t, sub.ID)
	assert.Equal(t, record.Failed, rec.FineStatus)
	assert.Equal(t, "ledger unreachable: connection refused", rec.Message)
	assert.Equal(t, 0, te.ledger.Streams())
	assert.Empty(t, te.InFlight(sub.Fingerprint))
}

func TestEngine_SubmitErrorOutsideTaxonomyIsTransportFailure(t *testing.T) {
	te := newTestEngine(t)
	te.ledger.FailNext(errors.New("signer refused"))

	sub, err := te.SubmitData(ctxTimeout(t), "blob")
	require.NoError(t, err)
	waitDone(t, sub)

	rec := te.get(t, sub.ID)
	require.NotNil(t, rec.Error)
	assert.Equal(t, faults.CodeTransport, rec.Error.Code)
	assert.Contains(t, rec.Message, "signer refused")
}

func TestEngine_NoAccountSelected(t *testing.T) {
	te := newTestEngine(t)
	te.account.Select("")

	_, err := te.SubmitTransfer(ctxTimeout(t), bob, "1")
	require.Error(t, err)
	assert.True(t, faults.IsCode(err, faults.CodeNoAccountSelected))
	assert.Equal(t, 0, te.records.Len())
	assert.Empty(t, te.ledger.Submitted())
}

func TestEngine_InvalidAmount(t *testing.T) {
	te := newTestEngine(t)

	for _, amount := range []string{"", "abc", "-1", "1.x"} {
		_, err := te.SubmitTransfer(ctxTimeout(t), bob, amount)
		require.Error(t, err, amount)
		assert.True(t, faults.IsCode(err, faults.CodeInvalidAmount), amount)
	}
	assert.Equal(t, 0, te.records.Len())
	assert.Empty(t, te.ledger.Submitted())
}

func TestEngine_DataSubmission(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitData(ctxTimeout(t), "hello avail")
	require.NoError(t, err)

	op := te.ledger.Submitted()[0].Operation
	assert.Equal(t, record.KindData, op.Kind)
	assert.Equal(t, []byte("hello avail"), op.Data)
	assert.Equal(t, uint32(7), op.AppID)
	assert.Equal(t, record.Payload{Data: "hello avail"}, te.get(t, sub.ID).Payload)
}

func TestEngine_Abandon(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "1")
	require.NoError(t, err)
	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted})
	te.waitStatus(t, sub.ID, record.Broadcast)

	require.True(t, sub.Abandon())
	waitDone(t, sub)

	_, err = sub.Wait(ctxTimeout(t))
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, record.Broadcast, te.get(t, sub.ID).FineStatus, "abandon keeps the last known state")
	assert.True(t, te.ledger.Unsubscribed(0))
	assert.Empty(t, te.InFlight(sub.Fingerprint))
}

func TestEngine_TxHashLearnedFromNonAdvancingNotification(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitData(ctxTimeout(t), "blob")
	require.NoError(t, err)

	te.send(t, 0, ledger.Notification{Kind: ledger.PendingInNetwork})
	te.waitStatus(t, sub.ID, record.NetworkPending)
	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted, TxHash: "0xlate"})
	te.waitTrace(t, func(ev TraceEvent) bool { return ev.Kind == TraceTxHash })

	rec := te.get(t, sub.ID)
	assert.Equal(t, record.NetworkPending, rec.FineStatus)
	assert.Equal(t, "0xlate", rec.TxHash)
	assert.Equal(t, explorerBase+"0xlate", rec.ExplorerURL)
}

func TestEngine_IdenticalSubmissionsAreSeparateRecords(t *testing.T) {
	te := newTestEngine(t)
	ctx := ctxTimeout(t)

	first, err := te.SubmitTransfer(ctx, bob, "10.0")
	require.NoError(t, err)
	second, err := te.SubmitTransfer(ctx, bob, "10.0")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 2, te.records.Len())
	assert.Equal(t, []string{first.ID, second.ID}, te.InFlight(first.Fingerprint))

	te.send(t, 0, ledger.Notification{Kind: ledger.Finalized, BlockHash: "0xbh1"})
	waitDone(t, first)
	assert.Equal(t, []string{second.ID}, te.InFlight(first.Fingerprint))
	assert.Equal(t, record.Created, te.get(t, second.ID).FineStatus)
}

func TestEngine_SweepReportsStaleSubmissions(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.RecheckInterval = 30 * time.Second
	cfg.StaleAfter = time.Minute
	te := newTestEngine(t, WithConfig(cfg), WithMetrics(NewMetrics(reg)))

	sub, err := te.SubmitData(ctxTimeout(t), "blob")
	require.NoError(t, err)
	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted})
	te.waitStatus(t, sub.ID, record.Broadcast)

	te.clock.Add(30 * time.Second)
	te.waitTrace(t, func(ev TraceEvent) bool { return ev.Kind == TraceSweep })

	te.clock.Add(30 * time.Second)
	te.waitTrace(t, func(ev TraceEvent) bool { return ev.Kind == TraceSweep && ev.Stale == 1 })
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.staleFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.submissions.WithLabelValues("data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.transitions.WithLabelValues("broadcast")))
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	te := newTestEngine(t, WithMetrics(NewMetrics(reg)))

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "1")
	require.NoError(t, err)
	te.send(t, 0, ledger.Notification{Kind: ledger.IncludedInBlock, BlockHash: "0xbh"})
	te.waitStatus(t, sub.ID, record.InBlock)
	te.clock.Add(15 * time.Second)
	waitDone(t, sub)

	failed, err := te.SubmitData(ctxTimeout(t), "blob")
	require.NoError(t, err)
	te.send(t, 1, ledger.Notification{Kind: ledger.DispatchFailed, Dispatch: &faults.Dispatch{Section: "system", Name: "InvalidTransaction"}})
	waitDone(t, failed)

	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.fallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.failures.WithLabelValues("DISPATCH_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.transitions.WithLabelValues("finalized")))
}

func TestEngine_StopSettlesOpenSubmissions(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitData(ctxTimeout(t), "blob")
	require.NoError(t, err)
	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted})
	te.waitStatus(t, sub.ID, record.Broadcast)

	te.Stop()
	waitDone(t, sub)

	_, err = sub.Result()
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, record.Broadcast, te.get(t, sub.ID).FineStatus)
	assert.True(t, te.ledger.Unsubscribed(0))
	assert.False(t, te.Abandon(sub.ID), "enqueue after stop should fail")
}

func TestEngine_SubmitAfterStop(t *testing.T) {
	te := newTestEngine(t)
	te.Stop()

	sub, err := te.SubmitData(ctxTimeout(t), "blob")
	require.NoError(t, err)
	waitDone(t, sub)

	_, err = sub.Result()
	assert.ErrorIs(t, err, ErrStopped)
	assert.True(t, te.ledger.Unsubscribed(0))
}

func TestEngine_WaitHonoursContext(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitData(ctxTimeout(t), "blob")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := sub.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, sub.ID, rec.ID)
}

func TestEngine_TraceOrder(t *testing.T) {
	te := newTestEngine(t)

	sub, err := te.SubmitTransfer(ctxTimeout(t), bob, "10.0")
	require.NoError(t, err)
	te.send(t, 0, ledger.Notification{Kind: ledger.Broadcasted})
	te.send(t, 0, ledger.Notification{Kind: ledger.Finalized, BlockHash: "0xbh1"})
	waitDone(t, sub)

	var kinds []TraceKind
	var last int64
	for _, ev := range te.traces.all() {
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []TraceKind{TraceCreated, TraceTransition, TraceTransition, TraceInvalidate}, kinds)
}
