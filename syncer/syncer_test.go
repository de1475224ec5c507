package syncer

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/contract"
	"github.com/daezy/drug-dispensing-system-sub000/internal/messaging/producer"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
	"github.com/daezy/drug-dispensing-system-sub000/storage/store"
)

func newTestSyncer(t *testing.T) (*Synchronizer, *store.MemoryStore, *producer.MockProducer) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	st := store.NewMemoryStore(logger)
	prod := producer.NewMockProducer(logger)
	return New(config.SyncerConfig{MaxEventRetries: 2}, logger, st, prod), st, prod
}

func batchEvent(chainBatchID uint64, batchNumber string, qty uint64, block uint64) contract.Event {
	return contract.Event{
		Name:        contract.EventBatchCreated,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{0xb0, byte(block)}).Hex(),
		LogIndex:    0,
		Payload: contract.BatchCreated{
			ChainBatchID: chainBatchID,
			DrugName:     "Amoxicillin 500mg",
			BatchNumber:  batchNumber,
			Manufacturer: "0x1111111111111111111111111111111111111111",
			Manufactured: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Expiry:       time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
			Quantity:     qty,
			Timestamp:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func movementEvent(chainMovementID, chainBatchID, qty, block uint64) contract.Event {
	return contract.Event{
		Name:        contract.EventMovementRecorded,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{0xc0, byte(chainMovementID)}).Hex(),
		LogIndex:    1,
		Payload: contract.MovementRecordedEvent{
			ChainMovementID: chainMovementID,
			ChainBatchID:    chainBatchID,
			Type:            models.MovementReceivedByPharmacist,
			ToAddress:       "0x2222222222222222222222222222222222222222",
			Quantity:        qty,
			Timestamp:       time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func dispensedEvent(chainDispensingID, chainBatchID, qty, block uint64) contract.Event {
	return contract.Event{
		Name:        contract.EventDrugDispensed,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{0xd0, byte(chainDispensingID)}).Hex(),
		LogIndex:    2,
		Payload: contract.DrugDispensedEvent{
			ChainDispensingID: chainDispensingID,
			ChainBatchID:      chainBatchID,
			PrescriptionID:    "RX-100",
			PatientAddress:    "0x4444444444444444444444444444444444444444",
			PharmacistAddress: "0x5555555555555555555555555555555555555555",
			Quantity:          qty,
			Timestamp:         time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestApplyBatchCreated(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []contract.Event{batchEvent(1, "AMX-001", 100, 10)}))

	b, err := st.GetBatchByChainID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "AMX-001", b.BatchNumber)
	assert.Equal(t, uint64(100), b.InitialQty)
	assert.Equal(t, uint64(100), b.RemainingQty)
	assert.True(t, b.Confirmed)
	assert.True(t, b.Active)
	assert.NotEmpty(t, b.BatchID)

	// Custody begins with a synthesized from-less manufacturing movement.
	movements, err := st.ListMovementsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, models.MovementManufactured, movements[0].Type)
	assert.Empty(t, movements[0].FromAddress)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", movements[0].ToAddress)
	assert.Equal(t, uint64(100), movements[0].Quantity)
	assert.True(t, movements[0].Confirmed)
}

func TestDestroyMovementDeactivatesBatch(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	destroy := movementEvent(2, 1, 100, 12)
	payload := destroy.Payload.(contract.MovementRecordedEvent)
	payload.Type = models.MovementDestroyed
	destroy.Payload = payload

	events := []contract.Event{
		batchEvent(1, "AMX-001", 100, 10),
		movementEvent(1, 1, 100, 11),
		destroy,
	}
	require.NoError(t, s.Apply(ctx, events))

	b, err := st.GetBatchByChainID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, b.Active)
	assert.Equal(t, uint64(100), b.RemainingQty)

	movements, err := st.ListMovementsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Len(t, movements, 3) // manufacture, receipt, destroy
}

func TestApplyIsIdempotent(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	events := []contract.Event{
		batchEvent(1, "AMX-001", 100, 10),
		movementEvent(1, 1, 100, 11),
		dispensedEvent(1, 1, 30, 12),
	}
	require.NoError(t, s.Apply(ctx, events))
	require.NoError(t, s.Apply(ctx, events)) // replay after a crash or reorg walk

	batches, err := st.ListBatches(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, uint64(70), batches[0].RemainingQty, "decrement must apply exactly once")

	movements, err := st.ListMovementsByBatch(ctx, batches[0].BatchID)
	require.NoError(t, err)
	assert.Len(t, movements, 2) // manufacture plus the explicit movement

	dispensings, err := st.ListDispensingsByBatch(ctx, batches[0].BatchID)
	require.NoError(t, err)
	require.Len(t, dispensings, 1)
	assert.True(t, dispensings[0].QtyApplied)
}

func TestMovementHeldUntilBatchMirrored(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	// Movement sorted ahead of its batch within the same range still lands.
	events := []contract.Event{
		movementEvent(1, 1, 50, 9),
		batchEvent(1, "AMX-001", 100, 10),
	}
	require.NoError(t, s.Apply(ctx, events))
	assert.Zero(t, s.PendingCount())

	b, err := st.GetBatchByChainID(ctx, 1)
	require.NoError(t, err)
	movements, err := st.ListMovementsByBatch(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Len(t, movements, 2) // manufacture plus the held movement
}

func TestHeldEventExhaustsRetriesIntoAlert(t *testing.T) {
	s, st, prod := newTestSyncer(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []contract.Event{movementEvent(1, 99, 50, 9)}))
	assert.Equal(t, 1, s.PendingCount())

	require.NoError(t, s.Apply(ctx, nil))
	require.NoError(t, s.Apply(ctx, nil))
	assert.Zero(t, s.PendingCount(), "event must be dropped after max retries")

	alerts := st.FraudAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.ReasonOrphanEvent, alerts[0].Reason)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Len(t, prod.Published(), 1)
}

func TestShortfallRaisesConservationAlert(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	events := []contract.Event{
		batchEvent(1, "AMX-001", 10, 10),
		dispensedEvent(1, 1, 30, 11), // more than the batch ever held
	}
	require.NoError(t, s.Apply(ctx, events), "a violation must not fail the range")

	b, err := st.GetBatchByChainID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), b.RemainingQty, "shortfall must never clamp or go negative")

	alerts := st.FraudAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, models.ReasonQuantityConservation, alerts[0].Reason)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
}

func TestVerifiedFlipIsIdempotent(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	disp := dispensedEvent(1, 1, 30, 11)
	require.NoError(t, s.Apply(ctx, []contract.Event{batchEvent(1, "AMX-001", 100, 10), disp}))

	hash := contract.VerificationHash(common.HexToHash(disp.TxHash), 1)
	first := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	verify := contract.Event{
		Name:        contract.EventDrugVerified,
		BlockNumber: 12,
		TxHash:      common.BytesToHash([]byte{0xe0}).Hex(),
		Payload:     contract.DrugVerifiedEvent{VerificationHash: hash, Timestamp: first},
	}
	require.NoError(t, s.Apply(ctx, []contract.Event{verify}))

	// A later verification never moves the first stamp.
	verify.Payload = contract.DrugVerifiedEvent{VerificationHash: hash, Timestamp: first.Add(time.Hour)}
	require.NoError(t, s.Apply(ctx, []contract.Event{verify}))

	d, err := st.GetDispensingByHash(ctx, hash)
	require.NoError(t, err)
	assert.True(t, d.Verified)
	require.NotNil(t, d.FirstVerifiedAt)
	assert.True(t, d.FirstVerifiedAt.Equal(first))
}

func TestVerifiedForUnknownHashIsHeld(t *testing.T) {
	s, _, _ := newTestSyncer(t)
	ctx := context.Background()

	verify := contract.Event{
		Name:        contract.EventDrugVerified,
		BlockNumber: 12,
		TxHash:      common.BytesToHash([]byte{0xe1}).Hex(),
		Payload:     contract.DrugVerifiedEvent{VerificationHash: "0xffff", Timestamp: time.Now().UTC()},
	}
	require.NoError(t, s.Apply(ctx, []contract.Event{verify}))
	assert.Equal(t, 1, s.PendingCount())
}

func TestRewindUnconfirmsMirroredState(t *testing.T) {
	s, st, _ := newTestSyncer(t)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, []contract.Event{batchEvent(1, "AMX-001", 100, 10)}))
	require.NoError(t, st.SaveBlockHash(ctx, 10, "0xaaaa"))

	require.NoError(t, s.Rewind(ctx, 10))

	b, err := st.GetBatchByNumber(ctx, "AMX-001")
	require.NoError(t, err)
	assert.False(t, b.Confirmed)
	assert.Empty(t, b.TxHash)
	assert.Equal(t, uint64(1), b.ChainBatchID, "chain linkage survives a rewind")

	_, ok, err := st.GetBlockHash(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}
