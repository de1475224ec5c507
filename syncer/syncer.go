// Package syncer applies decoded ledger events to the off-chain mirror.
//
// Every handler is an idempotent upsert keyed by on-chain identifiers, so
// replaying a block range after a failed iteration or a reorg converges to
// the same mirror state. Events referencing records that have not been
// mirrored yet are held and retried for a bounded number of cycles before
// they surface as consistency alerts.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/contract"
	"github.com/daezy/drug-dispensing-system-sub000/internal/errs"
	"github.com/daezy/drug-dispensing-system-sub000/internal/messaging/producer"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
	"github.com/daezy/drug-dispensing-system-sub000/storage/store"
)

// Synchronizer reconciles decoded events into the mirror store. Handlers
// run sequentially within one listener iteration; the listener's
// single-flight discipline is what prevents cross-iteration races.
type Synchronizer struct {
	cfg     config.SyncerConfig
	logger  *log.Logger
	store   store.Store
	alerts  producer.AlertProducer
	pending []pendingEvent
}

type pendingEvent struct {
	ev       contract.Event
	attempts int
}

// New creates a Synchronizer.
func New(cfg config.SyncerConfig, logger *log.Logger, s store.Store, alerts producer.AlertProducer) *Synchronizer {
	if cfg.MaxEventRetries <= 0 {
		cfg.MaxEventRetries = 5
	}
	return &Synchronizer{
		cfg:    cfg,
		logger: logger,
		store:  s,
		alerts: alerts,
	}
}

// Apply applies a decoded event batch in on-chain order. A non-nil return
// means the store failed mid-range: the caller must not advance the
// watermark and should retry the whole range next tick. Consistency
// violations and unrecognized events never fail the batch; they are logged,
// alerted and skipped.
func (s *Synchronizer) Apply(ctx context.Context, events []contract.Event) error {
	for _, ev := range events {
		held, err := s.applyOne(ctx, ev)
		if err != nil {
			return fmt.Errorf("applying %s at block %d: %w", ev.Name, ev.BlockNumber, err)
		}
		if held {
			s.hold(ev)
		}
	}
	return s.retryPending(ctx)
}

// PendingCount reports how many events are currently held for retry.
func (s *Synchronizer) PendingCount() int { return len(s.pending) }

func (s *Synchronizer) hold(ev contract.Event) {
	for i := range s.pending {
		if s.pending[i].ev.TxHash == ev.TxHash && s.pending[i].ev.LogIndex == ev.LogIndex {
			return // already queued
		}
	}
	s.logger.Printf("Holding %s (block %d, tx %s) until its referenced records are mirrored",
		ev.Name, ev.BlockNumber, ev.TxHash)
	s.pending = append(s.pending, pendingEvent{ev: ev})
}

func (s *Synchronizer) retryPending(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	queue := s.pending
	s.pending = nil
	for i, pe := range queue {
		held, err := s.applyOne(ctx, pe.ev)
		if err != nil {
			// Unprocessed entries keep their place so a store outage loses
			// nothing.
			s.pending = append(s.pending, queue[i:]...)
			return err
		}
		if !held {
			continue
		}
		pe.attempts++
		if pe.attempts >= s.cfg.MaxEventRetries {
			s.alert(ctx, &models.FraudAlert{
				AlertID:  uuid.NewString(),
				Severity: models.SeverityCritical,
				Reason:   models.ReasonOrphanEvent,
				Detail: fmt.Sprintf("%s event (tx %s, block %d) still references unmirrored records after %d retries",
					pe.ev.Name, pe.ev.TxHash, pe.ev.BlockNumber, pe.attempts),
				CreatedAt: time.Now().UTC(),
			})
			continue
		}
		s.pending = append(s.pending, pe)
	}
	return nil
}

// applyOne dispatches one event. held=true means a referenced record is not
// mirrored yet and the event should be retried on a later cycle.
func (s *Synchronizer) applyOne(ctx context.Context, ev contract.Event) (held bool, err error) {
	switch payload := ev.Payload.(type) {
	case contract.BatchCreated:
		return false, s.handleBatchCreated(ctx, ev, payload)
	case contract.MovementRecordedEvent:
		return s.handleMovementRecorded(ctx, ev, payload)
	case contract.DrugDispensedEvent:
		return s.handleDrugDispensed(ctx, ev, payload)
	case contract.DrugVerifiedEvent:
		return s.handleDrugVerified(ctx, payload)
	case contract.Unrecognized:
		s.logger.Printf("Skipping unrecognized log at block %d (tx %s): %s",
			ev.BlockNumber, ev.TxHash, payload.Reason)
		return false, nil
	default:
		s.logger.Printf("Skipping event with unexpected payload type %T at block %d", ev.Payload, ev.BlockNumber)
		return false, nil
	}
}

func (s *Synchronizer) handleBatchCreated(ctx context.Context, ev contract.Event, payload contract.BatchCreated) error {
	batch := &models.Batch{
		BatchID:      uuid.NewString(), // only used when the mirror row doesn't exist yet
		ChainBatchID: payload.ChainBatchID,
		DrugName:     payload.DrugName,
		BatchNumber:  payload.BatchNumber,
		Manufacturer: payload.Manufacturer,
		Manufactured: payload.Manufactured,
		Expiry:       payload.Expiry,
		InitialQty:   payload.Quantity,
		RemainingQty: payload.Quantity,
		TxHash:       ev.TxHash,
		BlockNumber:  ev.BlockNumber,
		Confirmed:    true,
	}
	if err := s.store.UpsertBatchByNumber(ctx, batch); err != nil {
		return err
	}
	mirrored, err := s.store.GetBatchByNumber(ctx, payload.BatchNumber)
	if err != nil {
		return err
	}

	// Custody starts at manufacture. The contract emits no movement for it,
	// so the mirror synthesizes the from-less first record of the chain.
	manufacture := &models.MovementRecord{
		MovementID:      uuid.NewString(),
		ChainMovementID: contract.ManufacturedMovementID(common.HexToHash(ev.TxHash)),
		BatchID:         mirrored.BatchID,
		ChainBatchID:    payload.ChainBatchID,
		Type:            models.MovementManufactured,
		ToAddress:       payload.Manufacturer,
		Quantity:        payload.Quantity,
		Timestamp:       payload.Timestamp,
		TxHash:          ev.TxHash,
		BlockNumber:     ev.BlockNumber,
		Confirmed:       true,
	}
	_, err = s.store.UpsertMovementByChainID(ctx, manufacture)
	return err
}

func (s *Synchronizer) handleMovementRecorded(ctx context.Context, ev contract.Event, payload contract.MovementRecordedEvent) (bool, error) {
	batch, err := s.store.GetBatchByChainID(ctx, payload.ChainBatchID)
	if errors.Is(err, errs.ErrNotFound) {
		// Manufacturing and receipt events can arrive out of strict causal
		// order within the polling granularity.
		return true, nil
	}
	if err != nil {
		return false, err
	}

	movement := &models.MovementRecord{
		MovementID:      uuid.NewString(),
		ChainMovementID: payload.ChainMovementID,
		BatchID:         batch.BatchID,
		ChainBatchID:    payload.ChainBatchID,
		Type:            payload.Type,
		FromAddress:     payload.FromAddress,
		ToAddress:       payload.ToAddress,
		Quantity:        payload.Quantity,
		Timestamp:       payload.Timestamp,
		TxHash:          ev.TxHash,
		BlockNumber:     ev.BlockNumber,
		Notes:           payload.Notes,
		PrescriptionID:  payload.PrescriptionID,
		Confirmed:       true,
	}
	if _, err = s.store.UpsertMovementByChainID(ctx, movement); err != nil {
		return false, err
	}

	// A destroyed movement is the recall path: the batch leaves circulation.
	if payload.Type == models.MovementDestroyed && batch.Active {
		if err := s.store.DeactivateBatch(ctx, batch.BatchID); err != nil {
			return false, err
		}
		s.logger.Printf("Batch %s (chain id %d) deactivated by destroy movement at block %d",
			batch.BatchID, payload.ChainBatchID, ev.BlockNumber)
	}
	return false, nil
}

func (s *Synchronizer) handleDrugDispensed(ctx context.Context, ev contract.Event, payload contract.DrugDispensedEvent) (bool, error) {
	batch, err := s.store.GetBatchByChainID(ctx, payload.ChainBatchID)
	if errors.Is(err, errs.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	dispensing := &models.DispensingRecord{
		DispensingID:      uuid.NewString(),
		ChainDispensingID: payload.ChainDispensingID,
		BatchID:           batch.BatchID,
		ChainBatchID:      payload.ChainBatchID,
		PrescriptionID:    payload.PrescriptionID,
		PatientAddress:    payload.PatientAddress,
		PharmacistAddress: payload.PharmacistAddress,
		Quantity:          payload.Quantity,
		VerificationHash:  contract.VerificationHash(common.HexToHash(ev.TxHash), payload.ChainDispensingID),
		TxHash:            ev.TxHash,
		BlockNumber:       ev.BlockNumber,
		Confirmed:         true,
	}
	if _, err := s.store.UpsertDispensingByChainID(ctx, dispensing); err != nil {
		return false, err
	}

	// The qty_applied flag makes the decrement exactly-once across event
	// replays and the service's direct-write path.
	first, err := s.store.MarkQtyApplied(ctx, payload.ChainDispensingID)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}

	if _, err := s.store.DecrementRemaining(ctx, batch.BatchID, payload.Quantity); err != nil {
		if errors.Is(err, errs.ErrInsufficientQuantity) {
			violation := &errs.ConsistencyViolation{
				Kind:    "negative_remaining_quantity",
				Detail:  fmt.Sprintf("dispensing %d of %d units would take batch %s below zero", payload.ChainDispensingID, payload.Quantity, batch.BatchNumber),
				BatchID: batch.BatchID,
			}
			s.logger.Printf("CONSISTENCY: %v (tx %s, block %d)", violation, ev.TxHash, ev.BlockNumber)
			s.alert(ctx, &models.FraudAlert{
				AlertID:   uuid.NewString(),
				Severity:  models.SeverityCritical,
				Reason:    models.ReasonQuantityConservation,
				BatchID:   batch.BatchID,
				Subject:   payload.PrescriptionID,
				Detail:    violation.Error(),
				CreatedAt: time.Now().UTC(),
			})
			return false, nil // quarantined, never fails the batch
		}
		return false, err
	}
	return false, nil
}

func (s *Synchronizer) handleDrugVerified(ctx context.Context, payload contract.DrugVerifiedEvent) (bool, error) {
	if _, err := s.store.GetDispensingByHash(ctx, payload.VerificationHash); errors.Is(err, errs.ErrNotFound) {
		return true, nil
	} else if err != nil {
		return false, err
	}
	// Idempotent: a second verification never moves the first stamp.
	_, err := s.store.MarkDispensingVerified(ctx, payload.VerificationHash, payload.Timestamp)
	return false, err
}

// Rewind invalidates mirror state derived from blocks >= fork so the next
// poll re-derives it from the canonical chain. The listener rewinds the
// watermark itself; this keeps watermark writes single-owner.
func (s *Synchronizer) Rewind(ctx context.Context, fork uint64) error {
	invalidated, err := s.store.UnconfirmFrom(ctx, fork)
	if err != nil {
		return fmt.Errorf("unconfirming records from block %d: %w", fork, err)
	}
	if err := s.store.DeleteBlockHashesFrom(ctx, fork); err != nil {
		return err
	}
	s.logger.Printf("Reorg recovery: invalidated %d mirror records from block %d", invalidated, fork)
	s.alert(ctx, &models.FraudAlert{
		AlertID:   uuid.NewString(),
		Severity:  models.SeverityMedium,
		Reason:    models.ReasonReorgInvalidated,
		Detail:    fmt.Sprintf("chain reorganization at block %d invalidated %d mirror records", fork, invalidated),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Synchronizer) alert(ctx context.Context, alert *models.FraudAlert) {
	if err := s.store.InsertFraudAlert(ctx, alert); err != nil {
		s.logger.Printf("Failed to persist alert %s: %v", alert.AlertID, err)
	}
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Publish(ctx, alert); err != nil {
		s.logger.Printf("Failed to publish alert %s: %v", alert.AlertID, err)
	}
}
