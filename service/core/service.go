// Package service implements the traceability operations: batch creation,
// custody movements, dispensing, verification and the audit view. Write
// operations go ledger-first; the mirror row is written immediately after
// confirmation, or provisionally when the confirmation wait expires.
package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/daezy/drug-dispensing-system-sub000/contract"
	"github.com/daezy/drug-dispensing-system-sub000/internal/errs"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
	"github.com/daezy/drug-dispensing-system-sub000/ledger/client"
	"github.com/daezy/drug-dispensing-system-sub000/ledger/types"
	"github.com/daezy/drug-dispensing-system-sub000/storage/store"
)

// CreateBatchInput defines a batch registration request.
type CreateBatchInput struct {
	DrugName     string
	BatchNumber  string
	Quantity     uint64
	Manufactured time.Time
	Expiry       time.Time
	MetadataHash string // optional, hex
	Actor        string // manufacturer address
}

// RecordReceiptInput defines a pharmacy receipt request.
type RecordReceiptInput struct {
	BatchID           string
	PharmacistAddress string
	Quantity          uint64
	Notes             string
}

// RecordDispensingInput defines a dispensing request.
type RecordDispensingInput struct {
	BatchID        string
	PrescriptionID string
	PatientAddress string
	Quantity       uint64
	Actor          string // pharmacist address
}

// DispensingResult is returned from RecordDispensing. A provisional result
// has no verification hash yet; the synchronizer fills it in once the
// transaction confirms.
type DispensingResult struct {
	DispensingID     string
	VerificationHash string
	TxHash           string
	Provisional      bool
}

// VerificationResult is returned from VerifyAuthenticity. Valid is false
// only for unknown hashes; everything else is advisory detail.
type VerificationResult struct {
	Valid             bool
	FirstVerification bool
	Dispensing        *models.DispensingRecord
	Batch             *models.Batch
	MovementHistory   []models.MovementRecord
	Expired           bool
}

// BatchAudit aggregates the full traceability view of one batch.
type BatchAudit struct {
	Batch       *models.Batch
	Movements   []models.MovementRecord
	Dispensings []models.DispensingRecord
	AuditTrail  []models.AuditLogEntry
}

// Service encapsulates the traceability business logic.
type Service struct {
	store        store.Store
	ledger       client.LedgerClient
	logger       *log.Logger
	confirmWait  time.Duration
	confirmDepth uint64
}

// NewService creates a new Service instance.
func NewService(s store.Store, lc client.LedgerClient, l *log.Logger, confirmWait time.Duration, confirmDepth uint64) *Service {
	return &Service{
		store:        s,
		ledger:       lc,
		logger:       l,
		confirmWait:  confirmWait,
		confirmDepth: confirmDepth,
	}
}

// CreateBatch registers a new drug batch on the ledger and mirrors it.
func (s *Service) CreateBatch(ctx context.Context, input *CreateBatchInput) (*models.Batch, error) {
	if input.DrugName == "" {
		return nil, &errs.ValidationError{Field: "drug_name", Reason: "cannot be empty"}
	}
	if input.BatchNumber == "" {
		return nil, &errs.ValidationError{Field: "batch_number", Reason: "cannot be empty"}
	}
	if input.Quantity == 0 {
		return nil, &errs.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if input.Manufactured.After(input.Expiry) {
		return nil, &errs.ValidationError{Field: "expiry_date", Reason: "precedes the manufactured date"}
	}
	if _, err := s.store.GetBatchByNumber(ctx, input.BatchNumber); err == nil {
		return nil, &errs.ValidationError{Field: "batch_number", Reason: fmt.Sprintf("'%s' already registered", input.BatchNumber)}
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	txHash, err := s.ledger.Submit(ctx, "createBatch",
		input.DrugName,
		input.BatchNumber,
		new(big.Int).SetUint64(input.Quantity),
		big.NewInt(input.Manufactured.Unix()),
		big.NewInt(input.Expiry.Unix()),
		common.HexToHash(input.MetadataHash),
	)
	if err != nil {
		return nil, err
	}

	batch := &models.Batch{
		BatchID:      uuid.NewString(),
		DrugName:     input.DrugName,
		BatchNumber:  input.BatchNumber,
		Manufacturer: input.Actor,
		Manufactured: input.Manufactured,
		Expiry:       input.Expiry,
		InitialQty:   input.Quantity,
		RemainingQty: input.Quantity,
		MetadataHash: input.MetadataHash,
		TxHash:       txHash.Hex(),
	}

	receipt, err := s.awaitConfirmation(ctx, txHash)
	if errors.Is(err, errs.ErrTimeout) {
		s.logger.Printf("Batch %s submitted as tx %s but unconfirmed within %s, mirroring provisionally",
			input.BatchNumber, txHash.Hex(), s.confirmWait)
		if uerr := s.store.UpsertBatchByNumber(ctx, batch); uerr != nil {
			return nil, uerr
		}
		s.audit(ctx, input.Actor, "batch_created", batch.BatchID, "provisional, awaiting confirmation", txHash.Hex())
		return s.store.GetBatchByNumber(ctx, input.BatchNumber)
	}
	if err != nil {
		return nil, err
	}

	payload, err := s.eventFromTx(ctx, txHash, contract.EventBatchCreated)
	if err != nil {
		return nil, err
	}
	created := payload.(contract.BatchCreated)

	batch.ChainBatchID = created.ChainBatchID
	batch.BlockNumber = receipt.BlockNumber
	batch.Confirmed = true
	if err := s.store.UpsertBatchByNumber(ctx, batch); err != nil {
		return nil, err
	}

	// Custody starts at manufacture: mirror the from-less first movement so
	// the chain is complete before any receipt lands. The synchronizer
	// derives the same id from the event, so replays collapse into this row.
	manufacture := &models.MovementRecord{
		MovementID:      uuid.NewString(),
		ChainMovementID: contract.ManufacturedMovementID(txHash),
		BatchID:         batch.BatchID,
		ChainBatchID:    created.ChainBatchID,
		Type:            models.MovementManufactured,
		ToAddress:       input.Actor,
		Quantity:        input.Quantity,
		Timestamp:       created.Timestamp,
		TxHash:          txHash.Hex(),
		BlockNumber:     receipt.BlockNumber,
		Confirmed:       true,
	}
	if _, err := s.store.UpsertMovementByChainID(ctx, manufacture); err != nil {
		return nil, err
	}

	s.audit(ctx, input.Actor, "batch_created", batch.BatchID,
		fmt.Sprintf("%d units of %s", input.Quantity, input.DrugName), txHash.Hex())
	return s.store.GetBatchByNumber(ctx, input.BatchNumber)
}

// RecordReceipt records a pharmacy taking custody of batch units.
func (s *Service) RecordReceipt(ctx context.Context, input *RecordReceiptInput) (*models.MovementRecord, error) {
	if input.Quantity == 0 {
		return nil, &errs.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if input.PharmacistAddress == "" {
		return nil, &errs.ValidationError{Field: "pharmacist_address", Reason: "cannot be empty"}
	}
	batch, err := s.store.GetBatchByID(ctx, input.BatchID)
	if err != nil {
		return nil, err
	}
	if !batch.Active {
		return nil, &errs.ValidationError{Field: "batch_id", Reason: "batch is no longer active"}
	}
	if batch.ChainBatchID == 0 {
		return nil, &errs.ValidationError{Field: "batch_id", Reason: "batch creation not yet confirmed on the ledger"}
	}
	// Fast-fail before spending a transaction on a receipt that cannot fit.
	if input.Quantity > batch.RemainingQty {
		return nil, errs.ErrInsufficientQuantity
	}

	txHash, err := s.ledger.Submit(ctx, "recordMovement",
		new(big.Int).SetUint64(batch.ChainBatchID),
		uint8(models.MovementReceivedByPharmacist),
		common.HexToAddress(input.PharmacistAddress),
		new(big.Int).SetUint64(input.Quantity),
		input.Notes,
		"",
	)
	if err != nil {
		return nil, err
	}

	movement := &models.MovementRecord{
		MovementID:   uuid.NewString(),
		BatchID:      batch.BatchID,
		ChainBatchID: batch.ChainBatchID,
		Type:         models.MovementReceivedByPharmacist,
		ToAddress:    input.PharmacistAddress,
		Quantity:     input.Quantity,
		Timestamp:    time.Now().UTC(),
		TxHash:       txHash.Hex(),
		Notes:        input.Notes,
	}

	receipt, err := s.awaitConfirmation(ctx, txHash)
	if errors.Is(err, errs.ErrTimeout) {
		s.logger.Printf("Receipt for batch %s unconfirmed within %s (tx %s), mirroring provisionally",
			batch.BatchNumber, s.confirmWait, txHash.Hex())
		movement.ChainMovementID = provisionalChainID(txHash)
		if _, uerr := s.store.UpsertMovementByChainID(ctx, movement); uerr != nil {
			return nil, uerr
		}
		s.audit(ctx, input.PharmacistAddress, "receipt_recorded", batch.BatchID, "provisional, awaiting confirmation", txHash.Hex())
		return movement, nil
	}
	if err != nil {
		return nil, err
	}

	payload, err := s.eventFromTx(ctx, txHash, contract.EventMovementRecorded)
	if err != nil {
		return nil, err
	}
	recorded := payload.(contract.MovementRecordedEvent)

	movement.ChainMovementID = recorded.ChainMovementID
	movement.FromAddress = recorded.FromAddress
	movement.Timestamp = recorded.Timestamp
	movement.BlockNumber = receipt.BlockNumber
	movement.Confirmed = true
	if _, err := s.store.UpsertMovementByChainID(ctx, movement); err != nil {
		return nil, err
	}
	s.audit(ctx, input.PharmacistAddress, "receipt_recorded", batch.BatchID,
		fmt.Sprintf("%d units received", input.Quantity), txHash.Hex())
	return movement, nil
}

// RecordDispensing hands units to a patient against a prescription. On
// confirmation the result carries the verification hash a patient can later
// present; on a confirmation timeout the hash follows via the synchronizer.
func (s *Service) RecordDispensing(ctx context.Context, input *RecordDispensingInput) (*DispensingResult, error) {
	if input.Quantity == 0 {
		return nil, &errs.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if input.PatientAddress == "" {
		return nil, &errs.ValidationError{Field: "patient_address", Reason: "cannot be empty"}
	}
	prescription, err := s.store.GetPrescription(ctx, input.PrescriptionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, &errs.ValidationError{Field: "prescription_id", Reason: fmt.Sprintf("'%s' does not exist", input.PrescriptionID)}
	}
	if err != nil {
		return nil, err
	}
	if !prescription.Active {
		return nil, &errs.ValidationError{Field: "prescription_id", Reason: "prescription is not active"}
	}

	batch, err := s.store.GetBatchByID(ctx, input.BatchID)
	if err != nil {
		return nil, err
	}
	if !batch.Active {
		return nil, &errs.ValidationError{Field: "batch_id", Reason: "batch is no longer active"}
	}
	if batch.ChainBatchID == 0 {
		return nil, &errs.ValidationError{Field: "batch_id", Reason: "batch creation not yet confirmed on the ledger"}
	}
	if input.Quantity > batch.RemainingQty {
		return nil, errs.ErrInsufficientQuantity
	}

	txHash, err := s.ledger.Submit(ctx, "recordDispensing",
		new(big.Int).SetUint64(batch.ChainBatchID),
		input.PrescriptionID,
		common.HexToAddress(input.PatientAddress),
		new(big.Int).SetUint64(input.Quantity),
	)
	if err != nil {
		return nil, err
	}

	dispensing := &models.DispensingRecord{
		DispensingID:      uuid.NewString(),
		BatchID:           batch.BatchID,
		ChainBatchID:      batch.ChainBatchID,
		PrescriptionID:    input.PrescriptionID,
		PatientAddress:    input.PatientAddress,
		PharmacistAddress: input.Actor,
		Quantity:          input.Quantity,
		TxHash:            txHash.Hex(),
	}

	receipt, err := s.awaitConfirmation(ctx, txHash)
	if errors.Is(err, errs.ErrTimeout) {
		s.logger.Printf("Dispensing against %s unconfirmed within %s (tx %s), mirroring provisionally",
			input.PrescriptionID, s.confirmWait, txHash.Hex())
		dispensing.ChainDispensingID = provisionalChainID(txHash)
		// Placeholder keeps the unique index happy; replaced by the real
		// hash when the event confirms.
		dispensing.VerificationHash = "pending:" + txHash.Hex()
		if _, uerr := s.store.UpsertDispensingByChainID(ctx, dispensing); uerr != nil {
			return nil, uerr
		}
		s.audit(ctx, input.Actor, "drug_dispensed", batch.BatchID, "provisional, awaiting confirmation", txHash.Hex())
		return &DispensingResult{
			DispensingID: dispensing.DispensingID,
			TxHash:       txHash.Hex(),
			Provisional:  true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	payload, err := s.eventFromTx(ctx, txHash, contract.EventDrugDispensed)
	if err != nil {
		return nil, err
	}
	dispensed := payload.(contract.DrugDispensedEvent)

	dispensing.ChainDispensingID = dispensed.ChainDispensingID
	dispensing.PharmacistAddress = dispensed.PharmacistAddress
	dispensing.VerificationHash = contract.VerificationHash(txHash, dispensed.ChainDispensingID)
	dispensing.BlockNumber = receipt.BlockNumber
	dispensing.Confirmed = true
	if _, err := s.store.UpsertDispensingByChainID(ctx, dispensing); err != nil {
		return nil, err
	}

	// Apply the decrement here so reads are fresh immediately; the flag
	// stops the synchronizer from applying it again when the event arrives.
	first, err := s.store.MarkQtyApplied(ctx, dispensed.ChainDispensingID)
	if err != nil {
		return nil, err
	}
	if first {
		if _, err := s.store.DecrementRemaining(ctx, batch.BatchID, input.Quantity); err != nil {
			return nil, err
		}
	}

	s.audit(ctx, input.Actor, "drug_dispensed", batch.BatchID,
		fmt.Sprintf("%d units against prescription %s", input.Quantity, input.PrescriptionID), txHash.Hex())
	return &DispensingResult{
		DispensingID:     dispensing.DispensingID,
		VerificationHash: dispensing.VerificationHash,
		TxHash:           txHash.Hex(),
	}, nil
}

// VerifyAuthenticity checks a presented verification hash. Unknown hashes
// are a negative result, never an error. The first successful lookup stamps
// the record as verified.
func (s *Service) VerifyAuthenticity(ctx context.Context, verificationHash string) (*VerificationResult, error) {
	dispensing, err := s.store.GetDispensingByHash(ctx, verificationHash)
	if errors.Is(err, errs.ErrNotFound) {
		return &VerificationResult{Valid: false}, nil
	}
	if err != nil {
		return nil, err
	}

	first, err := s.store.MarkDispensingVerified(ctx, verificationHash, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{
		Valid:             true,
		FirstVerification: first,
		Dispensing:        dispensing,
	}
	batch, err := s.store.GetBatchByID(ctx, dispensing.BatchID)
	if err == nil {
		result.Batch = batch
		result.Expired = time.Now().UTC().After(batch.Expiry)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	movements, err := s.store.ListMovementsByBatch(ctx, dispensing.BatchID)
	if err != nil {
		return nil, err
	}
	result.MovementHistory = movements

	s.audit(ctx, dispensing.PatientAddress, "authenticity_verified", dispensing.BatchID, verificationHash, dispensing.TxHash)
	return result, nil
}

// GetBatchAudit aggregates the batch, its movements, dispensings and audit
// trail into one traceability view.
func (s *Service) GetBatchAudit(ctx context.Context, batchID string) (*BatchAudit, error) {
	batch, err := s.store.GetBatchByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	movements, err := s.store.ListMovementsByBatch(ctx, batch.BatchID)
	if err != nil {
		return nil, err
	}
	dispensings, err := s.store.ListDispensingsByBatch(ctx, batch.BatchID)
	if err != nil {
		return nil, err
	}
	trail, err := s.store.ListAuditByBatch(ctx, batch.BatchID)
	if err != nil {
		return nil, err
	}
	return &BatchAudit{
		Batch:       batch,
		Movements:   movements,
		Dispensings: dispensings,
		AuditTrail:  trail,
	}, nil
}

// ListBatches returns all mirrored batches in creation order.
func (s *Service) ListBatches(ctx context.Context) ([]models.Batch, error) {
	return s.store.ListBatches(ctx)
}

func (s *Service) awaitConfirmation(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.confirmWait)
	defer cancel()
	receipt, err := s.ledger.AwaitConfirmation(waitCtx, txHash, s.confirmDepth)
	if err != nil {
		return nil, err
	}
	if !receipt.Succeeded() {
		return nil, &errs.SubmissionError{Reason: fmt.Sprintf("transaction %s reverted", txHash.Hex())}
	}
	return receipt, nil
}

// eventFromTx finds the named event among a confirmed transaction's logs.
func (s *Service) eventFromTx(ctx context.Context, txHash common.Hash, name string) (any, error) {
	logs, err := s.ledger.TxLogs(ctx, txHash)
	if err != nil {
		return nil, err
	}
	for _, lg := range logs {
		ev := contract.Decode(lg)
		if ev.Name == name {
			if _, bad := ev.Payload.(contract.Unrecognized); !bad {
				return ev.Payload, nil
			}
		}
	}
	return nil, fmt.Errorf("transaction %s emitted no decodable %s event", txHash.Hex(), name)
}

func (s *Service) audit(ctx context.Context, actor, action, batchID, detail, txHash string) {
	entry := &models.AuditLogEntry{
		EntryID:   uuid.NewString(),
		Actor:     actor,
		Action:    action,
		BatchID:   batchID,
		Detail:    detail,
		TxHash:    txHash,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Printf("Failed to append audit entry for %s: %v", action, err)
	}
}

// provisionalChainID derives a placeholder on-chain id for a row mirrored
// before its transaction confirmed. The top bit keeps it clear of real
// contract-assigned ids.
func provisionalChainID(txHash common.Hash) uint64 {
	return binary.BigEndian.Uint64(txHash[:8]) | 1<<63
}
