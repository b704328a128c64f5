package record

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/availwatch/internal/faults"
)

const explorerBase = "https://explorer.example/#/extrinsics/"

func newTestRecord() Record {
	return New("rec-1", KindTransfer, "5Alice", Payload{Recipient: "5Bob", Amount: "10.0"},
		time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), "Transaction in progress...")
}

func TestDerive(t *testing.T) {
	assert.Equal(t, StatusPending, Derive(Created))
	assert.Equal(t, StatusPending, Derive(Broadcast))
	assert.Equal(t, StatusPending, Derive(NetworkPending))
	assert.Equal(t, StatusSuccess, Derive(InBlock))
	assert.Equal(t, StatusSuccess, Derive(Finalized))
	assert.Equal(t, StatusError, Derive(Failed))
}

func TestAdvances(t *testing.T) {
	tests := []struct {
		from, to FineStatus
		want     bool
	}{
		{Created, Broadcast, true},
		{Created, NetworkPending, true},
		{Broadcast, NetworkPending, true},
		{NetworkPending, Broadcast, false},
		{NetworkPending, InBlock, true},
		{InBlock, Finalized, true},
		{Created, Finalized, true},
		{Finalized, InBlock, false},
		{Finalized, Failed, false},
		{Failed, Finalized, false},
		{Created, Failed, true},
		{NetworkPending, Failed, true},
		{InBlock, Failed, false},
		{InBlock, InBlock, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Advances(tt.from, tt.to))
		})
	}
}

func TestApply_Monotonic(t *testing.T) {
	r := newTestRecord()

	r, ok := r.Apply(Update{FineStatus: Finalized, BlockHash: "0xbh1"}, explorerBase)
	require.True(t, ok)

	r2, ok := r.Apply(Update{FineStatus: InBlock, BlockHash: "0xother"}, explorerBase)
	assert.False(t, ok)
	assert.Equal(t, Finalized, r2.FineStatus)
	assert.Equal(t, "0xbh1", r2.BlockHash)
}

func TestApply_TerminalIgnoresEverything(t *testing.T) {
	r := newTestRecord()
	r, _ = r.Apply(Update{
		FineStatus: Failed,
		Message:    "balances.InsufficientBalance: balance too low",
		Error:      &ErrorDetail{Code: faults.CodeDispatch, Formatted: "balances.InsufficientBalance: balance too low"},
	}, explorerBase)

	for _, f := range []FineStatus{Broadcast, NetworkPending, InBlock, Finalized, Failed} {
		next, ok := r.Apply(Update{FineStatus: f, Message: "late", BlockHash: "0xlate", TxHash: "0xtx"}, explorerBase)
		assert.False(t, ok)
		assert.Equal(t, r, next)
	}
}

func TestApply_TxHashSetOnce(t *testing.T) {
	r := newTestRecord()

	r, ok := r.Apply(Update{FineStatus: Broadcast, TxHash: "0xaaa"}, explorerBase)
	require.True(t, ok)
	assert.Equal(t, "0xaaa", r.TxHash)
	assert.Equal(t, explorerBase+"0xaaa", r.ExplorerURL)

	r, ok = r.Apply(Update{FineStatus: InBlock, TxHash: "0xbbb", BlockHash: "0xbh"}, explorerBase)
	require.True(t, ok)
	assert.Equal(t, "0xaaa", r.TxHash)
	assert.Equal(t, explorerBase+"0xaaa", r.ExplorerURL)
}

func TestApply_LearnsTxHashOnDuplicate(t *testing.T) {
	r := newTestRecord()
	r, _ = r.Apply(Update{FineStatus: NetworkPending}, explorerBase)

	r, ok := r.Apply(Update{FineStatus: Broadcast, TxHash: "0xlate"}, explorerBase)
	require.True(t, ok)
	assert.Equal(t, NetworkPending, r.FineStatus)
	assert.Equal(t, "0xlate", r.TxHash)
}

func TestFineStatus_JSON(t *testing.T) {
	r := newTestRecord()
	r.FineStatus = InBlock

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fineStatus":"in_block"`)

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, InBlock, back.FineStatus)

	assert.Error(t, json.Unmarshal([]byte(`{"fineStatus":"sideways"}`), &back))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(KindTransfer, "5Alice", Payload{Recipient: "5Bob", Amount: "10"})
	b := Fingerprint(KindTransfer, "5Alice", Payload{Recipient: "5Bob", Amount: "10"})
	c := Fingerprint(KindTransfer, "5Alice", Payload{Recipient: "5Bob", Amount: "11"})
	d := Fingerprint(KindData, "5Alice", Payload{Data: "hello"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "transfer:5Alice:"))
	assert.True(t, strings.HasPrefix(d, "data:5Alice:"))

	// NFC and NFD spellings of the same text share a fingerprint.
	nfc := Fingerprint(KindData, "5Alice", Payload{Data: "caf\u00e9"})
	nfd := Fingerprint(KindData, "5Alice", Payload{Data: "cafe\u0301"})
	assert.Equal(t, nfc, nfd)
}

func TestClone_Independent(t *testing.T) {
	r := newTestRecord()
	r.Error = &ErrorDetail{Dispatch: &faults.Dispatch{Docs: []string{"a"}}}

	c := r.Clone()
	c.Error.Dispatch.Docs[0] = "b"
	assert.Equal(t, "a", r.Error.Dispatch.Docs[0])
}
