// Package contract translates between the typed traceability entities and
// the ledger's log/topic wire encoding. Decoding is total-but-fallible:
// anything malformed or unknown becomes an Unrecognized payload so the poll
// loop can skip and log it without crashing.
package contract

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
)

// Event names as they appear in the contract ABI.
const (
	EventBatchCreated     = "DrugBatchCreated"
	EventMovementRecorded = "MovementRecorded"
	EventDrugDispensed    = "DrugDispensed"
	EventDrugVerified     = "DrugVerified"
)

// Canonical event signatures, used to build topic filters.
var (
	SigBatchCreated     = crypto.Keccak256Hash([]byte("DrugBatchCreated(uint256,string,string,address,uint256,uint256,uint256,uint256)"))
	SigMovementRecorded = crypto.Keccak256Hash([]byte("MovementRecorded(uint256,uint256,uint8,address,address,uint256,uint256,string,string)"))
	SigDrugDispensed    = crypto.Keccak256Hash([]byte("DrugDispensed(uint256,uint256,string,address,address,uint256,uint256)"))
	SigDrugVerified     = crypto.Keccak256Hash([]byte("DrugVerified(bytes32,uint256)"))
)

// AllEventSignatures lists every topic the listener registers for.
func AllEventSignatures() []common.Hash {
	return []common.Hash{SigBatchCreated, SigMovementRecorded, SigDrugDispensed, SigDrugVerified}
}

// Event is a decoded ledger log enriched with its on-chain position. Events
// within one poll are ordered by (BlockNumber, LogIndex).
type Event struct {
	Name        string
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	LogIndex    uint
	Payload     any
}

// BatchCreated is the decoded DrugBatchCreated payload.
type BatchCreated struct {
	ChainBatchID uint64
	DrugName     string
	BatchNumber  string
	Manufacturer string
	Manufactured time.Time
	Expiry       time.Time
	Quantity     uint64
	Timestamp    time.Time
}

// MovementRecordedEvent is the decoded MovementRecorded payload.
type MovementRecordedEvent struct {
	ChainMovementID uint64
	ChainBatchID    uint64
	Type            models.MovementType
	FromAddress     string
	ToAddress       string
	Quantity        uint64
	Timestamp       time.Time
	Notes           string
	PrescriptionID  string
}

// DrugDispensedEvent is the decoded DrugDispensed payload.
type DrugDispensedEvent struct {
	ChainDispensingID uint64
	ChainBatchID      uint64
	PrescriptionID    string
	PatientAddress    string
	PharmacistAddress string
	Quantity          uint64
	Timestamp         time.Time
}

// DrugVerifiedEvent is the decoded DrugVerified payload.
type DrugVerifiedEvent struct {
	VerificationHash string
	Timestamp        time.Time
}

// Unrecognized marks a log the decoder could not interpret. The listener
// skips these after logging; they never abort a poll iteration.
type Unrecognized struct {
	Reason string
}

// Decode turns a raw ledger log into a typed Event. It never returns an
// error: malformed input yields an Unrecognized payload carrying the reason.
func Decode(lg types.Log) Event {
	ev := Event{
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
	}
	if len(lg.Topics) == 0 {
		ev.Name = ""
		ev.Payload = Unrecognized{Reason: "log has no topics"}
		return ev
	}

	parsed, err := ABI()
	if err != nil {
		ev.Payload = Unrecognized{Reason: fmt.Sprintf("contract ABI unavailable: %v", err)}
		return ev
	}

	switch lg.Topics[0] {
	case SigBatchCreated:
		ev.Name = EventBatchCreated
		ev.Payload = decodeBatchCreated(parsedEvent{parsed, lg})
	case SigMovementRecorded:
		ev.Name = EventMovementRecorded
		ev.Payload = decodeMovementRecorded(parsedEvent{parsed, lg})
	case SigDrugDispensed:
		ev.Name = EventDrugDispensed
		ev.Payload = decodeDrugDispensed(parsedEvent{parsed, lg})
	case SigDrugVerified:
		ev.Name = EventDrugVerified
		ev.Payload = decodeDrugVerified(lg)
	default:
		ev.Payload = Unrecognized{Reason: fmt.Sprintf("unknown event topic %s", lg.Topics[0].Hex())}
	}
	return ev
}

// parsedEvent bundles the ABI with the raw log for the per-event decoders.
type parsedEvent struct {
	abi interface {
		Unpack(name string, data []byte) ([]interface{}, error)
	}
	log types.Log
}

func indexedID(lg types.Log) (uint64, bool) {
	if len(lg.Topics) < 2 {
		return 0, false
	}
	return new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(), true
}

func decodeBatchCreated(pe parsedEvent) any {
	id, ok := indexedID(pe.log)
	if !ok {
		return Unrecognized{Reason: "DrugBatchCreated missing indexed batch id"}
	}
	vals, err := pe.abi.Unpack(EventBatchCreated, pe.log.Data)
	if err != nil || len(vals) != 7 {
		return Unrecognized{Reason: fmt.Sprintf("DrugBatchCreated unpack failed: %v", err)}
	}
	drugName, ok1 := vals[0].(string)
	batchNumber, ok2 := vals[1].(string)
	manufacturer, ok3 := vals[2].(common.Address)
	manufactured, ok4 := vals[3].(*big.Int)
	expiry, ok5 := vals[4].(*big.Int)
	quantity, ok6 := vals[5].(*big.Int)
	ts, ok7 := vals[6].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return Unrecognized{Reason: "DrugBatchCreated field types did not match ABI"}
	}
	return BatchCreated{
		ChainBatchID: id,
		DrugName:     drugName,
		BatchNumber:  batchNumber,
		Manufacturer: manufacturer.Hex(),
		Manufactured: time.Unix(manufactured.Int64(), 0).UTC(),
		Expiry:       time.Unix(expiry.Int64(), 0).UTC(),
		Quantity:     quantity.Uint64(),
		Timestamp:    time.Unix(ts.Int64(), 0).UTC(),
	}
}

func decodeMovementRecorded(pe parsedEvent) any {
	id, ok := indexedID(pe.log)
	if !ok {
		return Unrecognized{Reason: "MovementRecorded missing indexed movement id"}
	}
	vals, err := pe.abi.Unpack(EventMovementRecorded, pe.log.Data)
	if err != nil || len(vals) != 8 {
		return Unrecognized{Reason: fmt.Sprintf("MovementRecorded unpack failed: %v", err)}
	}
	batchID, ok1 := vals[0].(*big.Int)
	movType, ok2 := vals[1].(uint8)
	from, ok3 := vals[2].(common.Address)
	to, ok4 := vals[3].(common.Address)
	quantity, ok5 := vals[4].(*big.Int)
	ts, ok6 := vals[5].(*big.Int)
	notes, ok7 := vals[6].(string)
	prescriptionID, ok8 := vals[7].(string)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return Unrecognized{Reason: "MovementRecorded field types did not match ABI"}
	}
	mt := models.MovementType(movType)
	if !mt.Valid() {
		return Unrecognized{Reason: fmt.Sprintf("MovementRecorded carries unknown movement type %d", movType)}
	}
	out := MovementRecordedEvent{
		ChainMovementID: id,
		ChainBatchID:    batchID.Uint64(),
		Type:            mt,
		ToAddress:       to.Hex(),
		Quantity:        quantity.Uint64(),
		Timestamp:       time.Unix(ts.Int64(), 0).UTC(),
		Notes:           notes,
		PrescriptionID:  prescriptionID,
	}
	// The manufacturing step has no from-party; the contract emits the zero
	// address for it.
	if from != (common.Address{}) {
		out.FromAddress = from.Hex()
	}
	return out
}

func decodeDrugDispensed(pe parsedEvent) any {
	id, ok := indexedID(pe.log)
	if !ok {
		return Unrecognized{Reason: "DrugDispensed missing indexed dispensing id"}
	}
	vals, err := pe.abi.Unpack(EventDrugDispensed, pe.log.Data)
	if err != nil || len(vals) != 6 {
		return Unrecognized{Reason: fmt.Sprintf("DrugDispensed unpack failed: %v", err)}
	}
	batchID, ok1 := vals[0].(*big.Int)
	prescriptionID, ok2 := vals[1].(string)
	patient, ok3 := vals[2].(common.Address)
	pharmacist, ok4 := vals[3].(common.Address)
	quantity, ok5 := vals[4].(*big.Int)
	ts, ok6 := vals[5].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return Unrecognized{Reason: "DrugDispensed field types did not match ABI"}
	}
	return DrugDispensedEvent{
		ChainDispensingID: id,
		ChainBatchID:      batchID.Uint64(),
		PrescriptionID:    prescriptionID,
		PatientAddress:    patient.Hex(),
		PharmacistAddress: pharmacist.Hex(),
		Quantity:          quantity.Uint64(),
		Timestamp:         time.Unix(ts.Int64(), 0).UTC(),
	}
}

func decodeDrugVerified(lg types.Log) any {
	if len(lg.Topics) < 2 {
		return Unrecognized{Reason: "DrugVerified missing indexed verification hash"}
	}
	if len(lg.Data) < 32 {
		return Unrecognized{Reason: "DrugVerified data too short"}
	}
	ts := new(big.Int).SetBytes(lg.Data[:32])
	return DrugVerifiedEvent{
		VerificationHash: lg.Topics[1].Hex(),
		Timestamp:        time.Unix(ts.Int64(), 0).UTC(),
	}
}

// VerificationHash derives the content-addressed proof token for a confirmed
// dispensing: keccak256 over the creating transaction hash and the on-chain
// dispensing id. It is recomputable for audit from public chain data alone.
func VerificationHash(txHash common.Hash, chainDispensingID uint64) string {
	id := new(big.Int).SetUint64(chainDispensingID)
	return crypto.Keccak256Hash(txHash.Bytes(), common.BigToHash(id).Bytes()).Hex()
}

// ManufacturedMovementID derives the movement id for the manufacturing step
// implied by a batch creation transaction. The contract emits no separate
// movement for it, so every write path derives the same id from the creating
// transaction hash and the upsert stays idempotent. The top bit keeps it
// clear of contract-assigned ids.
func ManufacturedMovementID(txHash common.Hash) uint64 {
	return binary.BigEndian.Uint64(txHash[common.HashLength-8:]) | 1<<63
}
