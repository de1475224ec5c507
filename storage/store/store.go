// Package store defines the mirror-store contract the traceability core is
// written against. The core only relies on upsert-by-business-key,
// conditional updates and filter queries, so any keyed document store can
// implement it; the MongoStore is the production implementation and
// MemoryStore backs tests and broker-less deployments.
package store

import (
	"context"
	"time"

	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
)

// Store is the persistence interface for the off-chain mirror.
type Store interface {
	// --- Batches ---

	// UpsertBatchByNumber upserts a batch keyed by its business key
	// (batch number). Quantity and lifecycle fields are only written on
	// insert; chain linkage and descriptive fields are always merged, so
	// re-applying a confirmation is idempotent.
	UpsertBatchByNumber(ctx context.Context, b *models.Batch) error
	GetBatchByID(ctx context.Context, batchID string) (*models.Batch, error)
	GetBatchByChainID(ctx context.Context, chainBatchID uint64) (*models.Batch, error)
	GetBatchByNumber(ctx context.Context, batchNumber string) (*models.Batch, error)
	ListBatches(ctx context.Context) ([]models.Batch, error)

	// DecrementRemaining conditionally subtracts qty from the batch's
	// remaining quantity. It never lets the value go negative: a shortfall
	// returns errs.ErrInsufficientQuantity with the mirror unchanged. A
	// batch fully consumed is deactivated. Returns the new remaining
	// quantity.
	DecrementRemaining(ctx context.Context, batchID string, qty uint64) (uint64, error)

	// DeactivateBatch flips the batch's active flag off. Used when a batch
	// is fully consumed, recalled or destroyed. Idempotent.
	DeactivateBatch(ctx context.Context, batchID string) error

	// --- Movements ---

	// UpsertMovementByChainID upserts keyed by the on-chain movement id and
	// reports whether a new record was inserted. An unconfirmed row with the
	// same transaction hash is claimed instead of duplicated.
	UpsertMovementByChainID(ctx context.Context, m *models.MovementRecord) (bool, error)
	ListMovementsByBatch(ctx context.Context, batchID string) ([]models.MovementRecord, error)

	// --- Dispensings ---

	// UpsertDispensingByChainID upserts keyed by the on-chain dispensing id
	// and reports whether a new record was inserted. An unconfirmed row with
	// the same transaction hash is claimed instead of duplicated.
	UpsertDispensingByChainID(ctx context.Context, d *models.DispensingRecord) (bool, error)
	GetDispensingByHash(ctx context.Context, verificationHash string) (*models.DispensingRecord, error)
	ListDispensingsByBatch(ctx context.Context, batchID string) ([]models.DispensingRecord, error)
	ListDispensingsSince(ctx context.Context, since time.Time) ([]models.DispensingRecord, error)

	// MarkQtyApplied flips the dispensing's qty_applied flag. Returns false
	// when it was already set, which is how the synchronizer guarantees the
	// batch decrement happens exactly once per dispensing.
	MarkQtyApplied(ctx context.Context, chainDispensingID uint64) (bool, error)

	// MarkDispensingVerified flips verified to true and stamps the first
	// verification time. Returns false when the record was already
	// verified; the stamp is never overwritten.
	MarkDispensingVerified(ctx context.Context, verificationHash string, at time.Time) (bool, error)

	// --- Audit trail ---

	AppendAudit(ctx context.Context, e *models.AuditLogEntry) error
	ListAuditByBatch(ctx context.Context, batchID string) ([]models.AuditLogEntry, error)

	// --- Prescriptions (written by the surrounding application) ---

	GetPrescription(ctx context.Context, prescriptionID string) (*models.Prescription, error)
	ListActivePrescriptionsSince(ctx context.Context, since time.Time) ([]models.Prescription, error)

	// --- Fraud alerts ---

	InsertFraudAlert(ctx context.Context, a *models.FraudAlert) error

	// ListProvisionalOlderThan returns unconfirmed batches and dispensings
	// created before the cutoff, for the stale-provisional sweep.
	ListProvisionalOlderThan(ctx context.Context, cutoff time.Time) ([]models.Batch, []models.DispensingRecord, error)

	// --- Sync state (single writer: the event listener) ---

	GetWatermark(ctx context.Context) (uint64, bool, error)
	SetWatermark(ctx context.Context, height uint64) error
	SaveBlockHash(ctx context.Context, number uint64, hash string) error
	GetBlockHash(ctx context.Context, number uint64) (string, bool, error)
	DeleteBlockHashesFrom(ctx context.Context, from uint64) error
	PruneBlockHashesBelow(ctx context.Context, below uint64) error

	// --- Reorg recovery ---

	// UnconfirmFrom marks every record whose confirmation block is >= block
	// as unconfirmed and clears its tx hash and block number, so the next
	// poll re-derives it from the canonical chain. Returns how many records
	// were invalidated.
	UnconfirmFrom(ctx context.Context, block uint64) (int64, error)

	Close()
}
