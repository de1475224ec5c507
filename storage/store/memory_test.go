package store

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daezy/drug-dispensing-system-sub000/internal/errs"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
)

func newMemory(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(log.New(io.Discard, "", 0))
}

func seedBatch(t *testing.T, st *MemoryStore, qty uint64) *models.Batch {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertBatchByNumber(ctx, &models.Batch{
		BatchID:      "batch-1",
		ChainBatchID: 1,
		BatchNumber:  "AMX-001",
		InitialQty:   qty,
		RemainingQty: qty,
		Confirmed:    true,
	}))
	b, err := st.GetBatchByID(ctx, "batch-1")
	require.NoError(t, err)
	return b
}

func TestDecrementRemainingGuardsShortfall(t *testing.T) {
	st := newMemory(t)
	ctx := context.Background()
	seedBatch(t, st, 100)

	remaining, err := st.DecrementRemaining(ctx, "batch-1", 30)
	require.NoError(t, err)
	assert.Equal(t, uint64(70), remaining)

	_, err = st.DecrementRemaining(ctx, "batch-1", 80)
	assert.ErrorIs(t, err, errs.ErrInsufficientQuantity)

	b, err := st.GetBatchByID(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(70), b.RemainingQty, "a rejected decrement must leave the value untouched")

	_, err = st.DecrementRemaining(ctx, "missing", 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDecrementToZeroDeactivates(t *testing.T) {
	st := newMemory(t)
	ctx := context.Background()
	seedBatch(t, st, 50)

	remaining, err := st.DecrementRemaining(ctx, "batch-1", 50)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	b, err := st.GetBatchByID(ctx, "batch-1")
	require.NoError(t, err)
	assert.False(t, b.Active, "a fully consumed batch is deactivated")
}

func TestBatchUpsertPreservesQuantitiesOnMerge(t *testing.T) {
	st := newMemory(t)
	ctx := context.Background()
	seedBatch(t, st, 100)
	_, err := st.DecrementRemaining(ctx, "batch-1", 40)
	require.NoError(t, err)

	// Re-confirmation carries the creation-time quantity again.
	require.NoError(t, st.UpsertBatchByNumber(ctx, &models.Batch{
		BatchID:      "other-id",
		ChainBatchID: 1,
		BatchNumber:  "AMX-001",
		InitialQty:   100,
		RemainingQty: 100,
		TxHash:       "0xabc",
		BlockNumber:  12,
		Confirmed:    true,
	}))

	b, err := st.GetBatchByNumber(ctx, "AMX-001")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", b.BatchID, "merge must not mint a new off-chain id")
	assert.Equal(t, uint64(60), b.RemainingQty, "merge must not reset consumption")
	assert.Equal(t, "0xabc", b.TxHash)
}

func TestDispensingUpsertClaimsProvisionalByTxHash(t *testing.T) {
	st := newMemory(t)
	ctx := context.Background()

	inserted, err := st.UpsertDispensingByChainID(ctx, &models.DispensingRecord{
		DispensingID:      "disp-1",
		ChainDispensingID: 1 << 63, // provisional placeholder id
		BatchID:           "batch-1",
		PrescriptionID:    "RX-100",
		Quantity:          30,
		VerificationHash:  "pending:0xfeed",
		TxHash:            "0xfeed",
		Confirmed:         false,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.UpsertDispensingByChainID(ctx, &models.DispensingRecord{
		DispensingID:      "different-id",
		ChainDispensingID: 7,
		BatchID:           "batch-1",
		PrescriptionID:    "RX-100",
		Quantity:          30,
		VerificationHash:  "0xrealhash",
		TxHash:            "0xfeed",
		Confirmed:         true,
	})
	require.NoError(t, err)
	assert.False(t, inserted, "confirmation must claim the provisional row")

	d, err := st.GetDispensingByHash(ctx, "0xrealhash")
	require.NoError(t, err)
	assert.Equal(t, "disp-1", d.DispensingID)
	assert.Equal(t, uint64(7), d.ChainDispensingID)
	assert.True(t, d.Confirmed)
}

func TestMarkQtyAppliedFlipsOnce(t *testing.T) {
	st := newMemory(t)
	ctx := context.Background()
	_, err := st.UpsertDispensingByChainID(ctx, &models.DispensingRecord{
		DispensingID:      "disp-1",
		ChainDispensingID: 1,
		VerificationHash:  "0xhash",
	})
	require.NoError(t, err)

	first, err := st.MarkQtyApplied(ctx, 1)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := st.MarkQtyApplied(ctx, 1)
	require.NoError(t, err)
	assert.False(t, again)

	missing, err := st.MarkQtyApplied(ctx, 99)
	require.NoError(t, err)
	assert.False(t, missing)
}

func TestMarkDispensingVerifiedKeepsFirstStamp(t *testing.T) {
	st := newMemory(t)
	ctx := context.Background()
	_, err := st.UpsertDispensingByChainID(ctx, &models.DispensingRecord{
		DispensingID:      "disp-1",
		ChainDispensingID: 1,
		VerificationHash:  "0xhash",
	})
	require.NoError(t, err)

	first := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	flipped, err := st.MarkDispensingVerified(ctx, "0xhash", first)
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = st.MarkDispensingVerified(ctx, "0xhash", first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, flipped)

	d, err := st.GetDispensingByHash(ctx, "0xhash")
	require.NoError(t, err)
	require.NotNil(t, d.FirstVerifiedAt)
	assert.True(t, d.FirstVerifiedAt.Equal(first))
}

func TestUnconfirmFromClearsChainLinkage(t *testing.T) {
	st := newMemory(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertBatchByNumber(ctx, &models.Batch{
		BatchID: "b1", ChainBatchID: 1, BatchNumber: "AMX-001",
		InitialQty: 100, RemainingQty: 100,
		TxHash: "0x1", BlockNumber: 9, Confirmed: true,
	}))
	require.NoError(t, st.UpsertBatchByNumber(ctx, &models.Batch{
		BatchID: "b2", ChainBatchID: 2, BatchNumber: "AMX-002",
		InitialQty: 100, RemainingQty: 100,
		TxHash: "0x2", BlockNumber: 12, Confirmed: true,
	}))

	n, err := st.UnconfirmFrom(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	kept, err := st.GetBatchByNumber(ctx, "AMX-001")
	require.NoError(t, err)
	assert.True(t, kept.Confirmed)

	dropped, err := st.GetBatchByNumber(ctx, "AMX-002")
	require.NoError(t, err)
	assert.False(t, dropped.Confirmed)
	assert.Empty(t, dropped.TxHash)
	assert.Zero(t, dropped.BlockNumber)
	assert.Equal(t, uint64(2), dropped.ChainBatchID)
}

func TestWatermarkRoundTrip(t *testing.T) {
	st := newMemory(t)
	ctx := context.Background()

	_, ok, err := st.GetWatermark(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.SetWatermark(ctx, 42))
	wm, ok, err := st.GetWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), wm)
}
