package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/daezy/drug-dispensing-system-sub000/internal/errs"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
)

const (
	colBatches       = "batches"
	colMovements     = "movements"
	colDispensings   = "dispensings"
	colAuditLog      = "audit_log"
	colPrescriptions = "prescriptions"
	colFraudAlerts   = "fraud_alerts"
	colSyncState     = "sync_state"
	colBlockHashes   = "block_hashes"

	watermarkDocID = "watermark"
)

// MongoStore implements Store on a MongoDB database.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *log.Logger
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures the
// indexes the conditional updates rely on.
func NewMongoStore(ctx context.Context, uri, dbName string, connectTimeout time.Duration, logger *log.Logger) (*MongoStore, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "mongo connect", Err: err}
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		return nil, &errs.ConnectivityError{Op: "mongo ping", Err: err}
	}

	s := &MongoStore{
		client: client,
		db:     client.Database(dbName),
		logger: logger,
	}
	if err := s.ensureIndexes(dialCtx); err != nil {
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}
	logger.Printf("Connected to MongoDB database '%s'", dbName)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := []struct {
		col  string
		keys bson.D
		opts *options.IndexOptions
	}{
		{colBatches, bson.D{{Key: "batch_number", Value: 1}}, unique},
		{colBatches, bson.D{{Key: "chain_batch_id", Value: 1}}, nil},
		{colBatches, bson.D{{Key: "batch_id", Value: 1}}, unique},
		{colMovements, bson.D{{Key: "chain_movement_id", Value: 1}}, unique},
		{colMovements, bson.D{{Key: "batch_id", Value: 1}, {Key: "timestamp", Value: 1}}, nil},
		{colDispensings, bson.D{{Key: "chain_dispensing_id", Value: 1}}, unique},
		{colDispensings, bson.D{{Key: "verification_hash", Value: 1}}, unique},
		{colDispensings, bson.D{{Key: "batch_id", Value: 1}, {Key: "created_at", Value: 1}}, nil},
		{colAuditLog, bson.D{{Key: "batch_id", Value: 1}, {Key: "timestamp", Value: 1}}, nil},
		{colBlockHashes, bson.D{{Key: "number", Value: 1}}, unique},
	}
	for _, spec := range specs {
		model := mongo.IndexModel{Keys: spec.keys, Options: spec.opts}
		if _, err := s.db.Collection(spec.col).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("index on %s: %w", spec.col, err)
		}
	}
	return nil
}

// --- Batches ---

// UpsertBatchByNumber upserts a batch keyed by batch number. Quantity and
// lifecycle fields only apply on insert so re-confirmation never resets a
// partially consumed batch.
func (s *MongoStore) UpsertBatchByNumber(ctx context.Context, b *models.Batch) error {
	now := time.Now().UTC()
	set := bson.M{
		"drug_name":         b.DrugName,
		"manufacturer":      b.Manufacturer,
		"manufactured_date": b.Manufactured,
		"expiry_date":       b.Expiry,
		"confirmed":         b.Confirmed,
		"updated_at":        now,
	}
	if b.ChainBatchID != 0 {
		set["chain_batch_id"] = b.ChainBatchID
	}
	if b.TxHash != "" {
		set["tx_hash"] = b.TxHash
	}
	if b.BlockNumber != 0 {
		set["block_number"] = b.BlockNumber
	}
	if b.MetadataHash != "" {
		set["metadata_hash"] = b.MetadataHash
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"batch_id":           b.BatchID,
			"batch_number":       b.BatchNumber,
			"initial_quantity":   b.InitialQty,
			"remaining_quantity": b.RemainingQty,
			"active":             true,
			"created_at":         now,
		},
	}
	_, err := s.db.Collection(colBatches).UpdateOne(ctx,
		bson.M{"batch_number": b.BatchNumber}, update, options.Update().SetUpsert(true))
	if err != nil {
		return &errs.ConnectivityError{Op: "upsert batch", Err: err}
	}
	return nil
}

func (s *MongoStore) findBatch(ctx context.Context, filter bson.M) (*models.Batch, error) {
	var b models.Batch
	err := s.db.Collection(colBatches).FindOne(ctx, filter).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "find batch", Err: err}
	}
	return &b, nil
}

func (s *MongoStore) GetBatchByID(ctx context.Context, batchID string) (*models.Batch, error) {
	return s.findBatch(ctx, bson.M{"batch_id": batchID})
}

func (s *MongoStore) GetBatchByChainID(ctx context.Context, chainBatchID uint64) (*models.Batch, error) {
	return s.findBatch(ctx, bson.M{"chain_batch_id": chainBatchID})
}

func (s *MongoStore) GetBatchByNumber(ctx context.Context, batchNumber string) (*models.Batch, error) {
	return s.findBatch(ctx, bson.M{"batch_number": batchNumber})
}

func (s *MongoStore) ListBatches(ctx context.Context) ([]models.Batch, error) {
	cur, err := s.db.Collection(colBatches).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "list batches", Err: err}
	}
	var out []models.Batch
	if err := cur.All(ctx, &out); err != nil {
		return nil, &errs.ConnectivityError{Op: "list batches", Err: err}
	}
	return out, nil
}

// DecrementRemaining performs the atomic conditional decrement guarding the
// quantity-conservation invariant.
func (s *MongoStore) DecrementRemaining(ctx context.Context, batchID string, qty uint64) (uint64, error) {
	filter := bson.M{
		"batch_id":           batchID,
		"remaining_quantity": bson.M{"$gte": qty},
	}
	update := bson.M{
		"$inc": bson.M{"remaining_quantity": -int64(qty)},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var b models.Batch
	err := s.db.Collection(colBatches).FindOneAndUpdate(ctx, filter, update, opts).Decode(&b)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Distinguish an unknown batch from a shortfall.
		if _, gerr := s.GetBatchByID(ctx, batchID); gerr != nil {
			return 0, gerr
		}
		return 0, errs.ErrInsufficientQuantity
	}
	if err != nil {
		return 0, &errs.ConnectivityError{Op: "decrement remaining", Err: err}
	}

	if b.RemainingQty == 0 && b.Active {
		_, err = s.db.Collection(colBatches).UpdateOne(ctx,
			bson.M{"batch_id": batchID}, bson.M{"$set": bson.M{"active": false}})
		if err != nil {
			return b.RemainingQty, &errs.ConnectivityError{Op: "deactivate batch", Err: err}
		}
	}
	return b.RemainingQty, nil
}

// DeactivateBatch flips the batch's active flag off.
func (s *MongoStore) DeactivateBatch(ctx context.Context, batchID string) error {
	res, err := s.db.Collection(colBatches).UpdateOne(ctx,
		bson.M{"batch_id": batchID},
		bson.M{"$set": bson.M{"active": false, "updated_at": time.Now().UTC()}})
	if err != nil {
		return &errs.ConnectivityError{Op: "deactivate batch", Err: err}
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// --- Movements ---

// UpsertMovementByChainID upserts keyed by the on-chain movement id. A
// provisional row sharing the transaction hash is claimed instead of
// duplicated, which is how a confirmation-timeout write and the later
// synced event collapse into one record.
func (s *MongoStore) UpsertMovementByChainID(ctx context.Context, m *models.MovementRecord) (bool, error) {
	filter := bson.M{"chain_movement_id": m.ChainMovementID}
	if m.TxHash != "" {
		filter = bson.M{"$or": bson.A{
			bson.M{"chain_movement_id": m.ChainMovementID},
			bson.M{"tx_hash": m.TxHash, "confirmed": false},
		}}
	}
	update := bson.M{
		"$set": bson.M{
			"chain_movement_id": m.ChainMovementID,
			"batch_id":          m.BatchID,
			"chain_batch_id":    m.ChainBatchID,
			"movement_type":     m.Type,
			"from_address":      m.FromAddress,
			"to_address":        m.ToAddress,
			"quantity":          m.Quantity,
			"timestamp":         m.Timestamp,
			"tx_hash":           m.TxHash,
			"block_number":      m.BlockNumber,
			"notes":             m.Notes,
			"confirmed":         m.Confirmed,
		},
		"$setOnInsert": bson.M{
			"movement_id":     m.MovementID,
			"prescription_id": m.PrescriptionID,
		},
	}
	res, err := s.db.Collection(colMovements).UpdateOne(ctx,
		filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, &errs.ConnectivityError{Op: "upsert movement", Err: err}
	}
	return res.UpsertedCount > 0, nil
}

func (s *MongoStore) ListMovementsByBatch(ctx context.Context, batchID string) ([]models.MovementRecord, error) {
	cur, err := s.db.Collection(colMovements).Find(ctx, bson.M{"batch_id": batchID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "list movements", Err: err}
	}
	var out []models.MovementRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, &errs.ConnectivityError{Op: "list movements", Err: err}
	}
	return out, nil
}

// --- Dispensings ---

// UpsertDispensingByChainID upserts keyed by the on-chain dispensing id,
// claiming a provisional row with the same transaction hash rather than
// duplicating it. The verified and qty_applied flags only initialize on
// insert, so re-applying a confirmation never resets them.
func (s *MongoStore) UpsertDispensingByChainID(ctx context.Context, d *models.DispensingRecord) (bool, error) {
	filter := bson.M{"chain_dispensing_id": d.ChainDispensingID}
	if d.TxHash != "" {
		filter = bson.M{"$or": bson.A{
			bson.M{"chain_dispensing_id": d.ChainDispensingID},
			bson.M{"tx_hash": d.TxHash, "confirmed": false},
		}}
	}
	update := bson.M{
		"$set": bson.M{
			"chain_dispensing_id": d.ChainDispensingID,
			"batch_id":            d.BatchID,
			"chain_batch_id":      d.ChainBatchID,
			"prescription_id":     d.PrescriptionID,
			"patient_address":     d.PatientAddress,
			"pharmacist_address":  d.PharmacistAddress,
			"quantity":            d.Quantity,
			"verification_hash":   d.VerificationHash,
			"tx_hash":             d.TxHash,
			"block_number":        d.BlockNumber,
			"confirmed":           d.Confirmed,
		},
		"$setOnInsert": bson.M{
			"dispensing_id": d.DispensingID,
			"verified":      false,
			"qty_applied":   false,
			"created_at":    time.Now().UTC(),
		},
	}
	res, err := s.db.Collection(colDispensings).UpdateOne(ctx,
		filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, &errs.ConnectivityError{Op: "upsert dispensing", Err: err}
	}
	return res.UpsertedCount > 0, nil
}

func (s *MongoStore) GetDispensingByHash(ctx context.Context, verificationHash string) (*models.DispensingRecord, error) {
	var d models.DispensingRecord
	err := s.db.Collection(colDispensings).FindOne(ctx, bson.M{"verification_hash": verificationHash}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "find dispensing", Err: err}
	}
	return &d, nil
}

func (s *MongoStore) ListDispensingsByBatch(ctx context.Context, batchID string) ([]models.DispensingRecord, error) {
	cur, err := s.db.Collection(colDispensings).Find(ctx, bson.M{"batch_id": batchID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "list dispensings", Err: err}
	}
	var out []models.DispensingRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, &errs.ConnectivityError{Op: "list dispensings", Err: err}
	}
	return out, nil
}

func (s *MongoStore) ListDispensingsSince(ctx context.Context, since time.Time) ([]models.DispensingRecord, error) {
	cur, err := s.db.Collection(colDispensings).Find(ctx,
		bson.M{"created_at": bson.M{"$gte": since}})
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "list dispensings since", Err: err}
	}
	var out []models.DispensingRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, &errs.ConnectivityError{Op: "list dispensings since", Err: err}
	}
	return out, nil
}

func (s *MongoStore) MarkQtyApplied(ctx context.Context, chainDispensingID uint64) (bool, error) {
	res, err := s.db.Collection(colDispensings).UpdateOne(ctx,
		bson.M{"chain_dispensing_id": chainDispensingID, "qty_applied": false},
		bson.M{"$set": bson.M{"qty_applied": true}})
	if err != nil {
		return false, &errs.ConnectivityError{Op: "mark qty applied", Err: err}
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) MarkDispensingVerified(ctx context.Context, verificationHash string, at time.Time) (bool, error) {
	res, err := s.db.Collection(colDispensings).UpdateOne(ctx,
		bson.M{"verification_hash": verificationHash, "verified": false},
		bson.M{"$set": bson.M{"verified": true, "first_verified_at": at}})
	if err != nil {
		return false, &errs.ConnectivityError{Op: "mark verified", Err: err}
	}
	return res.ModifiedCount > 0, nil
}

// --- Audit trail ---

func (s *MongoStore) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	if _, err := s.db.Collection(colAuditLog).InsertOne(ctx, e); err != nil {
		return &errs.ConnectivityError{Op: "append audit", Err: err}
	}
	return nil
}

func (s *MongoStore) ListAuditByBatch(ctx context.Context, batchID string) ([]models.AuditLogEntry, error) {
	cur, err := s.db.Collection(colAuditLog).Find(ctx, bson.M{"batch_id": batchID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "list audit", Err: err}
	}
	var out []models.AuditLogEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, &errs.ConnectivityError{Op: "list audit", Err: err}
	}
	return out, nil
}

// --- Prescriptions ---

func (s *MongoStore) GetPrescription(ctx context.Context, prescriptionID string) (*models.Prescription, error) {
	var p models.Prescription
	err := s.db.Collection(colPrescriptions).FindOne(ctx, bson.M{"prescription_id": prescriptionID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "find prescription", Err: err}
	}
	return &p, nil
}

func (s *MongoStore) ListActivePrescriptionsSince(ctx context.Context, since time.Time) ([]models.Prescription, error) {
	cur, err := s.db.Collection(colPrescriptions).Find(ctx,
		bson.M{"active": true, "issued_at": bson.M{"$gte": since}})
	if err != nil {
		return nil, &errs.ConnectivityError{Op: "list prescriptions", Err: err}
	}
	var out []models.Prescription
	if err := cur.All(ctx, &out); err != nil {
		return nil, &errs.ConnectivityError{Op: "list prescriptions", Err: err}
	}
	return out, nil
}

// --- Fraud alerts ---

func (s *MongoStore) InsertFraudAlert(ctx context.Context, a *models.FraudAlert) error {
	if _, err := s.db.Collection(colFraudAlerts).InsertOne(ctx, a); err != nil {
		return &errs.ConnectivityError{Op: "insert fraud alert", Err: err}
	}
	return nil
}

func (s *MongoStore) ListProvisionalOlderThan(ctx context.Context, cutoff time.Time) ([]models.Batch, []models.DispensingRecord, error) {
	filter := bson.M{"confirmed": false, "created_at": bson.M{"$lt": cutoff}}

	bcur, err := s.db.Collection(colBatches).Find(ctx, filter)
	if err != nil {
		return nil, nil, &errs.ConnectivityError{Op: "list provisional batches", Err: err}
	}
	var batches []models.Batch
	if err := bcur.All(ctx, &batches); err != nil {
		return nil, nil, &errs.ConnectivityError{Op: "list provisional batches", Err: err}
	}

	dcur, err := s.db.Collection(colDispensings).Find(ctx, filter)
	if err != nil {
		return nil, nil, &errs.ConnectivityError{Op: "list provisional dispensings", Err: err}
	}
	var dispensings []models.DispensingRecord
	if err := dcur.All(ctx, &dispensings); err != nil {
		return nil, nil, &errs.ConnectivityError{Op: "list provisional dispensings", Err: err}
	}
	return batches, dispensings, nil
}

// --- Sync state ---

type watermarkDoc struct {
	ID     string `bson:"_id"`
	Height uint64 `bson:"height"`
}

func (s *MongoStore) GetWatermark(ctx context.Context) (uint64, bool, error) {
	var doc watermarkDoc
	err := s.db.Collection(colSyncState).FindOne(ctx, bson.M{"_id": watermarkDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &errs.ConnectivityError{Op: "get watermark", Err: err}
	}
	return doc.Height, true, nil
}

func (s *MongoStore) SetWatermark(ctx context.Context, height uint64) error {
	_, err := s.db.Collection(colSyncState).UpdateOne(ctx,
		bson.M{"_id": watermarkDocID},
		bson.M{"$set": bson.M{"height": height}},
		options.Update().SetUpsert(true))
	if err != nil {
		return &errs.ConnectivityError{Op: "set watermark", Err: err}
	}
	return nil
}

type blockHashDoc struct {
	Number uint64 `bson:"number"`
	Hash   string `bson:"hash"`
}

func (s *MongoStore) SaveBlockHash(ctx context.Context, number uint64, hash string) error {
	_, err := s.db.Collection(colBlockHashes).UpdateOne(ctx,
		bson.M{"number": number},
		bson.M{"$set": bson.M{"hash": hash}},
		options.Update().SetUpsert(true))
	if err != nil {
		return &errs.ConnectivityError{Op: "save block hash", Err: err}
	}
	return nil
}

func (s *MongoStore) GetBlockHash(ctx context.Context, number uint64) (string, bool, error) {
	var doc blockHashDoc
	err := s.db.Collection(colBlockHashes).FindOne(ctx, bson.M{"number": number}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &errs.ConnectivityError{Op: "get block hash", Err: err}
	}
	return doc.Hash, true, nil
}

func (s *MongoStore) DeleteBlockHashesFrom(ctx context.Context, from uint64) error {
	_, err := s.db.Collection(colBlockHashes).DeleteMany(ctx, bson.M{"number": bson.M{"$gte": from}})
	if err != nil {
		return &errs.ConnectivityError{Op: "delete block hashes", Err: err}
	}
	return nil
}

func (s *MongoStore) PruneBlockHashesBelow(ctx context.Context, below uint64) error {
	_, err := s.db.Collection(colBlockHashes).DeleteMany(ctx, bson.M{"number": bson.M{"$lt": below}})
	if err != nil {
		return &errs.ConnectivityError{Op: "prune block hashes", Err: err}
	}
	return nil
}

// --- Reorg recovery ---

func (s *MongoStore) UnconfirmFrom(ctx context.Context, block uint64) (int64, error) {
	filter := bson.M{"confirmed": true, "block_number": bson.M{"$gte": block}}
	update := bson.M{
		"$set":   bson.M{"confirmed": false},
		"$unset": bson.M{"tx_hash": "", "block_number": ""},
	}
	var total int64
	for _, col := range []string{colBatches, colMovements, colDispensings} {
		res, err := s.db.Collection(col).UpdateMany(ctx, filter, update)
		if err != nil {
			return total, &errs.ConnectivityError{Op: "unconfirm " + col, Err: err}
		}
		total += res.ModifiedCount
	}
	return total, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		s.logger.Printf("Error disconnecting from MongoDB: %v", err)
	}
}

var _ Store = (*MongoStore)(nil)
