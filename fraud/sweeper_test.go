package fraud

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/internal/messaging/producer"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
	"github.com/daezy/drug-dispensing-system-sub000/storage/store"
)

const (
	patientA = "0x4444444444444444444444444444444444444444"
	doctorA  = "0x6666666666666666666666666666666666666666"
)

func newTestSweeper(t *testing.T) (*Sweeper, *store.MemoryStore) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	st := store.NewMemoryStore(logger)
	sw, err := NewSweeper(config.FraudConfig{
		SweepInterval:     "1h",
		RefillWindow:      "720h",
		RefillThreshold:   3,
		NormalSupplyMax:   90,
		ProvisionalMaxAge: "1ms",
	}, logger, st, producer.NewMockProducer(logger))
	require.NoError(t, err)
	return sw, st
}

func seedBatch(t *testing.T, st *store.MemoryStore, number string, initial, remaining uint64, expiry time.Time) *models.Batch {
	t.Helper()
	ctx := context.Background()
	b := &models.Batch{
		BatchID:      uuid.NewString(),
		ChainBatchID: uint64(len(number)), // arbitrary, unique enough per test
		DrugName:     "Amoxicillin 500mg",
		BatchNumber:  number,
		Manufactured: expiry.AddDate(-2, 0, 0),
		Expiry:       expiry,
		InitialQty:   initial,
		RemainingQty: initial,
		Confirmed:    true,
	}
	require.NoError(t, st.UpsertBatchByNumber(ctx, b))
	if remaining < initial {
		_, err := st.DecrementRemaining(ctx, b.BatchID, initial-remaining)
		require.NoError(t, err)
	}
	got, err := st.GetBatchByNumber(ctx, number)
	require.NoError(t, err)
	return got
}

func seedDispensing(t *testing.T, st *store.MemoryStore, batch *models.Batch, chainID uint64, prescriptionID string, qty uint64, applied bool) {
	t.Helper()
	ctx := context.Background()
	_, err := st.UpsertDispensingByChainID(ctx, &models.DispensingRecord{
		DispensingID:      uuid.NewString(),
		ChainDispensingID: chainID,
		BatchID:           batch.BatchID,
		ChainBatchID:      batch.ChainBatchID,
		PrescriptionID:    prescriptionID,
		PatientAddress:    patientA,
		Quantity:          qty,
		VerificationHash:  uuid.NewString(),
		Confirmed:         true,
	})
	require.NoError(t, err)
	if applied {
		_, err := st.MarkQtyApplied(ctx, chainID)
		require.NoError(t, err)
	}
}

func prescription(id string, qty uint64) *models.Prescription {
	return &models.Prescription{
		PrescriptionID: id,
		PatientAddress: patientA,
		DoctorAddress:  doctorA,
		DrugName:       "Amoxicillin 500mg",
		Quantity:       qty,
		Active:         true,
		IssuedAt:       time.Now().UTC().Add(-time.Hour),
	}
}

func alertsByReason(st *store.MemoryStore) map[models.FraudReason][]models.FraudAlert {
	out := make(map[models.FraudReason][]models.FraudAlert)
	for _, a := range st.FraudAlerts() {
		out[a.Reason] = append(out[a.Reason], a)
	}
	return out
}

func TestDuplicatePrescriptionsFlagged(t *testing.T) {
	sw, st := newTestSweeper(t)
	st.SeedPrescription(prescription("RX-1", 30))
	st.SeedPrescription(prescription("RX-2", 30))

	require.NoError(t, sw.RunSweep(context.Background()))

	alerts := alertsByReason(st)[models.ReasonDuplicatePrescription]
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, patientA, alerts[0].Subject)
}

func TestExcessivePrescribedQuantityFlagged(t *testing.T) {
	sw, st := newTestSweeper(t)
	st.SeedPrescription(prescription("RX-1", 500))

	require.NoError(t, sw.RunSweep(context.Background()))

	alerts := alertsByReason(st)[models.ReasonExcessiveQuantity]
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityLow, alerts[0].Severity)
	assert.Equal(t, "RX-1", alerts[0].Subject)
}

func TestOverdispenseFlagged(t *testing.T) {
	sw, st := newTestSweeper(t)
	st.SeedPrescription(prescription("RX-1", 10))
	batch := seedBatch(t, st, "AMX-001", 100, 100, time.Now().UTC().AddDate(1, 0, 0))
	seedDispensing(t, st, batch, 1, "RX-1", 20, true)
	seedDispensing(t, st, batch, 2, "RX-1", 10, true)

	require.NoError(t, sw.RunSweep(context.Background()))

	alerts := alertsByReason(st)[models.ReasonOverdispense]
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
}

func TestDispenseAfterExpiryFlagged(t *testing.T) {
	sw, st := newTestSweeper(t)
	st.SeedPrescription(prescription("RX-1", 100))
	expired := seedBatch(t, st, "AMX-OLD", 100, 100, time.Now().UTC().AddDate(-1, 0, 0))
	seedDispensing(t, st, expired, 1, "RX-1", 10, true)

	require.NoError(t, sw.RunSweep(context.Background()))

	alerts := alertsByReason(st)[models.ReasonExpiredDispense]
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, expired.BatchID, alerts[0].BatchID)
}

func TestFrequentRefillsFlagged(t *testing.T) {
	sw, st := newTestSweeper(t)
	st.SeedPrescription(prescription("RX-1", 1000))
	batch := seedBatch(t, st, "AMX-001", 1000, 1000, time.Now().UTC().AddDate(1, 0, 0))
	for i := uint64(1); i <= 3; i++ {
		seedDispensing(t, st, batch, i, "RX-1", 10, true)
	}

	require.NoError(t, sw.RunSweep(context.Background()))

	alerts := alertsByReason(st)[models.ReasonFrequentRefill]
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityMedium, alerts[0].Severity)
}

func TestRefillsAcrossPrescriptionsCounted(t *testing.T) {
	sw, st := newTestSweeper(t)
	st.SeedPrescription(prescription("RX-1", 1000))
	st.SeedPrescription(prescription("RX-2", 1000))
	batch := seedBatch(t, st, "AMX-001", 1000, 1000, time.Now().UTC().AddDate(1, 0, 0))

	// Four refills of one drug to one patient, split across prescriptions.
	seedDispensing(t, st, batch, 1, "RX-1", 10, true)
	seedDispensing(t, st, batch, 2, "RX-1", 10, true)
	seedDispensing(t, st, batch, 3, "RX-2", 10, true)
	seedDispensing(t, st, batch, 4, "RX-2", 10, true)

	require.NoError(t, sw.RunSweep(context.Background()))

	alerts := alertsByReason(st)[models.ReasonFrequentRefill]
	require.Len(t, alerts, 1, "splitting refills across prescriptions must not reset the count")
	assert.Equal(t, patientA+"|Amoxicillin 500mg", alerts[0].Subject)
}

func TestMovementTimestampRegressionFlagged(t *testing.T) {
	sw, st := newTestSweeper(t)
	ctx := context.Background()
	batch := seedBatch(t, st, "AMX-001", 100, 100, time.Now().UTC().AddDate(1, 0, 0))

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := st.UpsertMovementByChainID(ctx, &models.MovementRecord{
		MovementID:      uuid.NewString(),
		ChainMovementID: 1,
		BatchID:         batch.BatchID,
		ChainBatchID:    batch.ChainBatchID,
		Type:            models.MovementManufactured,
		Quantity:        100,
		Timestamp:       base,
		BlockNumber:     10,
		Confirmed:       true,
	})
	require.NoError(t, err)
	// A later block carrying an earlier timestamp.
	_, err = st.UpsertMovementByChainID(ctx, &models.MovementRecord{
		MovementID:      uuid.NewString(),
		ChainMovementID: 2,
		BatchID:         batch.BatchID,
		ChainBatchID:    batch.ChainBatchID,
		Type:            models.MovementReceivedByPharmacist,
		Quantity:        100,
		Timestamp:       base.Add(-time.Hour),
		BlockNumber:     11,
		Confirmed:       true,
	})
	require.NoError(t, err)

	require.NoError(t, sw.RunSweep(ctx))

	alerts := alertsByReason(st)[models.ReasonTimestampRegression]
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityMedium, alerts[0].Severity)
	assert.Equal(t, batch.BatchID, alerts[0].BatchID)
}

func TestQuantityConservationBreachFlagged(t *testing.T) {
	sw, st := newTestSweeper(t)
	st.SeedPrescription(prescription("RX-1", 100))
	// Remaining never decremented despite an applied dispensing.
	batch := seedBatch(t, st, "AMX-001", 100, 100, time.Now().UTC().AddDate(1, 0, 0))
	seedDispensing(t, st, batch, 1, "RX-1", 20, true)

	require.NoError(t, sw.RunSweep(context.Background()))

	alerts := alertsByReason(st)[models.ReasonQuantityConservation]
	require.Len(t, alerts, 1)
	assert.Equal(t, batch.BatchID, alerts[0].BatchID)
}

func TestStaleProvisionalsFlagged(t *testing.T) {
	sw, st := newTestSweeper(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertBatchByNumber(ctx, &models.Batch{
		BatchID:     uuid.NewString(),
		BatchNumber: "AMX-PENDING",
		InitialQty:  100,
		Confirmed:   false,
	}))
	time.Sleep(5 * time.Millisecond) // exceeds the 1ms provisional age

	require.NoError(t, sw.RunSweep(ctx))

	alerts := alertsByReason(st)[models.ReasonStaleProvisional]
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityLow, alerts[0].Severity)
}

func TestRepeatFindingsSuppressed(t *testing.T) {
	sw, st := newTestSweeper(t)
	st.SeedPrescription(prescription("RX-1", 500))

	ctx := context.Background()
	require.NoError(t, sw.RunSweep(ctx))
	require.NoError(t, sw.RunSweep(ctx))

	assert.Len(t, st.FraudAlerts(), 1, "identical findings must not re-alert every sweep")
}
