// Package models defines the mirror-side records for drug traceability.
// These are the read-optimized projections of on-chain state; the ledger
// remains the source of truth for everything carrying a chain linkage.
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Batch is a manufactured lot of a drug product, the root unit of
// traceability.
type Batch struct {
	ID           primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	BatchID      string             `json:"batch_id" bson:"batch_id"`             // off-chain identifier
	ChainBatchID uint64             `json:"chain_batch_id" bson:"chain_batch_id"` // assigned once creation confirms
	DrugName     string             `json:"drug_name" bson:"drug_name"`
	BatchNumber  string             `json:"batch_number" bson:"batch_number"` // business key, unique
	Manufacturer string             `json:"manufacturer" bson:"manufacturer"` // ledger address, hex
	Manufactured time.Time          `json:"manufactured_date" bson:"manufactured_date"`
	Expiry       time.Time          `json:"expiry_date" bson:"expiry_date"`
	InitialQty   uint64             `json:"initial_quantity" bson:"initial_quantity"`
	RemainingQty uint64             `json:"remaining_quantity" bson:"remaining_quantity"`
	Active       bool               `json:"active" bson:"active"`
	MetadataHash string             `json:"metadata_hash,omitempty" bson:"metadata_hash,omitempty"`
	TxHash       string             `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	BlockNumber  uint64             `json:"block_number,omitempty" bson:"block_number,omitempty"`
	Confirmed    bool               `json:"confirmed" bson:"confirmed"` // false while provisional or reorged-out
	CreatedAt    time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" bson:"updated_at"`
}

// MovementType enumerates the custody-transfer steps of a batch.
type MovementType uint8

const (
	MovementManufactured MovementType = iota
	MovementReceivedByPharmacist
	MovementDispensedToPatient
	MovementReturned
	MovementDestroyed
)

func (t MovementType) String() string {
	switch t {
	case MovementManufactured:
		return "manufactured"
	case MovementReceivedByPharmacist:
		return "received_by_pharmacist"
	case MovementDispensedToPatient:
		return "dispensed_to_patient"
	case MovementReturned:
		return "returned"
	case MovementDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool { return t <= MovementDestroyed }

// MovementRecord is one hop of custody transfer for a batch. Created exactly
// once per confirmed transfer; immutable afterwards except for reorg
// invalidation.
type MovementRecord struct {
	ID              primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	MovementID      string             `json:"movement_id" bson:"movement_id"`
	ChainMovementID uint64             `json:"chain_movement_id" bson:"chain_movement_id"`
	BatchID         string             `json:"batch_id" bson:"batch_id"`
	ChainBatchID    uint64             `json:"chain_batch_id" bson:"chain_batch_id"`
	Type            MovementType       `json:"movement_type" bson:"movement_type"`
	FromAddress     string             `json:"from_address,omitempty" bson:"from_address,omitempty"` // absent for manufacturing
	ToAddress       string             `json:"to_address" bson:"to_address"`
	Quantity        uint64             `json:"quantity" bson:"quantity"`
	Timestamp       time.Time          `json:"timestamp" bson:"timestamp"`
	TxHash          string             `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	BlockNumber     uint64             `json:"block_number,omitempty" bson:"block_number,omitempty"`
	Notes           string             `json:"notes,omitempty" bson:"notes,omitempty"`
	PrescriptionID  string             `json:"prescription_id,omitempty" bson:"prescription_id,omitempty"`
	Confirmed       bool               `json:"confirmed" bson:"confirmed"`
}

// DispensingRecord is the terminal hand-off of drug units to a patient
// against a prescription. The verification hash is derived from the
// dispensing transaction and is unique system-wide.
type DispensingRecord struct {
	ID                primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	DispensingID      string             `json:"dispensing_id" bson:"dispensing_id"`
	ChainDispensingID uint64             `json:"chain_dispensing_id" bson:"chain_dispensing_id"`
	BatchID           string             `json:"batch_id" bson:"batch_id"`
	ChainBatchID      uint64             `json:"chain_batch_id" bson:"chain_batch_id"`
	PrescriptionID    string             `json:"prescription_id" bson:"prescription_id"`
	PatientAddress    string             `json:"patient_address" bson:"patient_address"`
	PharmacistAddress string             `json:"pharmacist_address" bson:"pharmacist_address"`
	Quantity          uint64             `json:"quantity" bson:"quantity"`
	VerificationHash  string             `json:"verification_hash" bson:"verification_hash"`
	Verified          bool               `json:"verified" bson:"verified"`
	FirstVerifiedAt   *time.Time         `json:"first_verified_at,omitempty" bson:"first_verified_at,omitempty"`
	QtyApplied        bool               `json:"qty_applied" bson:"qty_applied"` // set once the batch decrement happened

	TxHash            string             `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	BlockNumber       uint64             `json:"block_number,omitempty" bson:"block_number,omitempty"`
	Confirmed         bool               `json:"confirmed" bson:"confirmed"`
	CreatedAt         time.Time          `json:"created_at" bson:"created_at"`
}

// AuditLogEntry is an append-only record of a traceability action. Ordering
// by timestamp is the canonical audit order; entries are never mutated.
type AuditLogEntry struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	EntryID   string             `json:"entry_id" bson:"entry_id"`
	Actor     string             `json:"actor" bson:"actor"`
	Action    string             `json:"action" bson:"action"`
	BatchID   string             `json:"batch_id,omitempty" bson:"batch_id,omitempty"`
	Detail    string             `json:"detail,omitempty" bson:"detail,omitempty"`
	TxHash    string             `json:"tx_hash,omitempty" bson:"tx_hash,omitempty"`
	Timestamp time.Time          `json:"timestamp" bson:"timestamp"`
}

// Prescription is the slice of the surrounding application's prescription
// record the fraud sweep reads. The traceability core never writes these.
type Prescription struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	PrescriptionID string             `json:"prescription_id" bson:"prescription_id"`
	PatientAddress string             `json:"patient_address" bson:"patient_address"`
	DoctorAddress  string             `json:"doctor_address" bson:"doctor_address"`
	DrugName       string             `json:"drug_name" bson:"drug_name"`
	Quantity       uint64             `json:"quantity" bson:"quantity"`
	Active         bool               `json:"active" bson:"active"`
	IssuedAt       time.Time          `json:"issued_at" bson:"issued_at"`
}

// FraudSeverity grades fraud alerts for human triage.
type FraudSeverity string

const (
	SeverityCritical FraudSeverity = "critical"
	SeverityMedium   FraudSeverity = "medium"
	SeverityLow      FraudSeverity = "low"
)

// FraudReason is the typed cause of an alert.
type FraudReason string

const (
	ReasonDuplicatePrescription FraudReason = "duplicate_prescription"
	ReasonOverdispense          FraudReason = "dispensed_exceeds_prescribed"
	ReasonExpiredDispense       FraudReason = "dispensed_after_expiry"
	ReasonFrequentRefill        FraudReason = "frequent_refill"
	ReasonExcessiveQuantity     FraudReason = "excessive_prescribed_quantity"
	ReasonStaleProvisional      FraudReason = "stale_provisional_record"
	ReasonQuantityConservation  FraudReason = "quantity_conservation_breach"
	ReasonOrphanEvent           FraudReason = "orphan_event"
	ReasonTimestampRegression   FraudReason = "movement_timestamp_regression"
	ReasonReorgInvalidated      FraudReason = "reorg_invalidated_records"
)

// FraudAlert is an advisory signal for human review. Alerts never block a
// traceability operation.
type FraudAlert struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	AlertID   string             `json:"alert_id" bson:"alert_id"`
	Severity  FraudSeverity      `json:"severity" bson:"severity"`
	Reason    FraudReason        `json:"reason" bson:"reason"`
	BatchID   string             `json:"batch_id,omitempty" bson:"batch_id,omitempty"`
	Subject   string             `json:"subject,omitempty" bson:"subject,omitempty"` // patient/prescription the alert concerns
	Detail    string             `json:"detail" bson:"detail"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
}
