package store

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/daezy/drug-dispensing-system-sub000/internal/errs"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
)

// MemoryStore is an in-process Store used by tests and local development.
// It mirrors the MongoStore's upsert and conditional-update semantics.
type MemoryStore struct {
	mu sync.RWMutex

	batchesByNumber map[string]*models.Batch
	movements       map[uint64]*models.MovementRecord
	dispensings     map[uint64]*models.DispensingRecord
	audit           []models.AuditLogEntry
	prescriptions   map[string]*models.Prescription
	fraudAlerts     []models.FraudAlert
	blockHashes     map[uint64]string
	watermark       uint64
	watermarkSet    bool

	logger *log.Logger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(logger *log.Logger) *MemoryStore {
	return &MemoryStore{
		batchesByNumber: make(map[string]*models.Batch),
		movements:       make(map[uint64]*models.MovementRecord),
		dispensings:     make(map[uint64]*models.DispensingRecord),
		prescriptions:   make(map[string]*models.Prescription),
		blockHashes:     make(map[uint64]string),
		logger:          logger,
	}
}

// SeedPrescription installs a prescription row, standing in for the
// surrounding application's writer.
func (s *MemoryStore) SeedPrescription(p *models.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prescriptions[p.PrescriptionID] = &cp
}

// FraudAlerts returns a copy of the recorded alerts, for assertions.
func (s *MemoryStore) FraudAlerts() []models.FraudAlert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FraudAlert, len(s.fraudAlerts))
	copy(out, s.fraudAlerts)
	return out
}

// --- Batches ---

func (s *MemoryStore) UpsertBatchByNumber(ctx context.Context, b *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.batchesByNumber[b.BatchNumber]
	if !ok {
		cp := *b
		cp.Active = true
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.batchesByNumber[b.BatchNumber] = &cp
		return nil
	}
	existing.DrugName = b.DrugName
	existing.Manufacturer = b.Manufacturer
	existing.Manufactured = b.Manufactured
	existing.Expiry = b.Expiry
	existing.Confirmed = b.Confirmed
	existing.UpdatedAt = now
	if b.ChainBatchID != 0 {
		existing.ChainBatchID = b.ChainBatchID
	}
	if b.TxHash != "" {
		existing.TxHash = b.TxHash
	}
	if b.BlockNumber != 0 {
		existing.BlockNumber = b.BlockNumber
	}
	if b.MetadataHash != "" {
		existing.MetadataHash = b.MetadataHash
	}
	return nil
}

func (s *MemoryStore) findBatchLocked(match func(*models.Batch) bool) (*models.Batch, error) {
	for _, b := range s.batchesByNumber {
		if match(b) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *MemoryStore) GetBatchByID(ctx context.Context, batchID string) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findBatchLocked(func(b *models.Batch) bool { return b.BatchID == batchID })
}

func (s *MemoryStore) GetBatchByChainID(ctx context.Context, chainBatchID uint64) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findBatchLocked(func(b *models.Batch) bool { return b.ChainBatchID == chainBatchID })
}

func (s *MemoryStore) GetBatchByNumber(ctx context.Context, batchNumber string) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batchesByNumber[batchNumber]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBatches(ctx context.Context) ([]models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Batch, 0, len(s.batchesByNumber))
	for _, b := range s.batchesByNumber {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DecrementRemaining(ctx context.Context, batchID string, qty uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batchesByNumber {
		if b.BatchID != batchID {
			continue
		}
		if b.RemainingQty < qty {
			return 0, errs.ErrInsufficientQuantity
		}
		b.RemainingQty -= qty
		b.UpdatedAt = time.Now().UTC()
		if b.RemainingQty == 0 {
			b.Active = false
		}
		return b.RemainingQty, nil
	}
	return 0, errs.ErrNotFound
}

func (s *MemoryStore) DeactivateBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batchesByNumber {
		if b.BatchID == batchID {
			b.Active = false
			b.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errs.ErrNotFound
}

// --- Movements ---

func (s *MemoryStore) UpsertMovementByChainID(ctx context.Context, m *models.MovementRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, oldKey, ok := s.findMovementLocked(m)
	if !ok {
		cp := *m
		s.movements[m.ChainMovementID] = &cp
		return true, nil
	}
	id, prescription := existing.MovementID, existing.PrescriptionID
	cp := *m
	cp.MovementID = id
	cp.PrescriptionID = prescription
	delete(s.movements, oldKey)
	s.movements[m.ChainMovementID] = &cp
	return false, nil
}

// findMovementLocked matches by chain id first, then claims a provisional
// row sharing the transaction hash.
func (s *MemoryStore) findMovementLocked(m *models.MovementRecord) (*models.MovementRecord, uint64, bool) {
	if existing, ok := s.movements[m.ChainMovementID]; ok {
		return existing, m.ChainMovementID, true
	}
	if m.TxHash == "" {
		return nil, 0, false
	}
	for key, existing := range s.movements {
		if !existing.Confirmed && existing.TxHash == m.TxHash {
			return existing, key, true
		}
	}
	return nil, 0, false
}

func (s *MemoryStore) ListMovementsByBatch(ctx context.Context, batchID string) ([]models.MovementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MovementRecord
	for _, m := range s.movements {
		if m.BatchID == batchID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Dispensings ---

func (s *MemoryStore) UpsertDispensingByChainID(ctx context.Context, d *models.DispensingRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, oldKey, ok := s.findDispensingLocked(d)
	if !ok {
		cp := *d
		cp.Verified = false
		cp.QtyApplied = false
		cp.CreatedAt = time.Now().UTC()
		s.dispensings[d.ChainDispensingID] = &cp
		return true, nil
	}
	existing.ChainDispensingID = d.ChainDispensingID
	existing.BatchID = d.BatchID
	existing.ChainBatchID = d.ChainBatchID
	existing.PrescriptionID = d.PrescriptionID
	existing.PatientAddress = d.PatientAddress
	existing.PharmacistAddress = d.PharmacistAddress
	existing.Quantity = d.Quantity
	existing.VerificationHash = d.VerificationHash
	existing.TxHash = d.TxHash
	existing.BlockNumber = d.BlockNumber
	existing.Confirmed = d.Confirmed
	if oldKey != d.ChainDispensingID {
		delete(s.dispensings, oldKey)
		s.dispensings[d.ChainDispensingID] = existing
	}
	return false, nil
}

func (s *MemoryStore) findDispensingLocked(d *models.DispensingRecord) (*models.DispensingRecord, uint64, bool) {
	if existing, ok := s.dispensings[d.ChainDispensingID]; ok {
		return existing, d.ChainDispensingID, true
	}
	if d.TxHash == "" {
		return nil, 0, false
	}
	for key, existing := range s.dispensings {
		if !existing.Confirmed && existing.TxHash == d.TxHash {
			return existing, key, true
		}
	}
	return nil, 0, false
}

func (s *MemoryStore) GetDispensingByHash(ctx context.Context, verificationHash string) (*models.DispensingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.dispensings {
		if d.VerificationHash == verificationHash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (s *MemoryStore) ListDispensingsByBatch(ctx context.Context, batchID string) ([]models.DispensingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DispensingRecord
	for _, d := range s.dispensings {
		if d.BatchID == batchID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListDispensingsSince(ctx context.Context, since time.Time) ([]models.DispensingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DispensingRecord
	for _, d := range s.dispensings {
		if !d.CreatedAt.Before(since) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkQtyApplied(ctx context.Context, chainDispensingID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispensings[chainDispensingID]
	if !ok || d.QtyApplied {
		return false, nil
	}
	d.QtyApplied = true
	return true, nil
}

func (s *MemoryStore) MarkDispensingVerified(ctx context.Context, verificationHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.dispensings {
		if d.VerificationHash != verificationHash {
			continue
		}
		if d.Verified {
			return false, nil
		}
		d.Verified = true
		t := at
		d.FirstVerifiedAt = &t
		return true, nil
	}
	return false, nil
}

// --- Audit trail ---

func (s *MemoryStore) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *e)
	return nil
}

func (s *MemoryStore) ListAuditByBatch(ctx context.Context, batchID string) ([]models.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditLogEntry
	for _, e := range s.audit {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- Prescriptions ---

func (s *MemoryStore) GetPrescription(ctx context.Context, prescriptionID string) (*models.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prescriptions[prescriptionID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListActivePrescriptionsSince(ctx context.Context, since time.Time) ([]models.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Prescription
	for _, p := range s.prescriptions {
		if p.Active && !p.IssuedAt.Before(since) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- Fraud alerts ---

func (s *MemoryStore) InsertFraudAlert(ctx context.Context, a *models.FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fraudAlerts = append(s.fraudAlerts, *a)
	return nil
}

func (s *MemoryStore) ListProvisionalOlderThan(ctx context.Context, cutoff time.Time) ([]models.Batch, []models.DispensingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var batches []models.Batch
	for _, b := range s.batchesByNumber {
		if !b.Confirmed && b.CreatedAt.Before(cutoff) {
			batches = append(batches, *b)
		}
	}
	var dispensings []models.DispensingRecord
	for _, d := range s.dispensings {
		if !d.Confirmed && d.CreatedAt.Before(cutoff) {
			dispensings = append(dispensings, *d)
		}
	}
	return batches, dispensings, nil
}

// --- Sync state ---

func (s *MemoryStore) GetWatermark(ctx context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermark, s.watermarkSet, nil
}

func (s *MemoryStore) SetWatermark(ctx context.Context, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark = height
	s.watermarkSet = true
	return nil
}

func (s *MemoryStore) SaveBlockHash(ctx context.Context, number uint64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockHashes[number] = hash
	return nil
}

func (s *MemoryStore) GetBlockHash(ctx context.Context, number uint64) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.blockHashes[number]
	return h, ok, nil
}

func (s *MemoryStore) DeleteBlockHashesFrom(ctx context.Context, from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.blockHashes {
		if n >= from {
			delete(s.blockHashes, n)
		}
	}
	return nil
}

func (s *MemoryStore) PruneBlockHashesBelow(ctx context.Context, below uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := range s.blockHashes {
		if n < below {
			delete(s.blockHashes, n)
		}
	}
	return nil
}

// --- Reorg recovery ---

func (s *MemoryStore) UnconfirmFrom(ctx context.Context, block uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, b := range s.batchesByNumber {
		if b.Confirmed && b.BlockNumber >= block {
			b.Confirmed = false
			b.TxHash = ""
			b.BlockNumber = 0
			total++
		}
	}
	for _, m := range s.movements {
		if m.Confirmed && m.BlockNumber >= block {
			m.Confirmed = false
			m.TxHash = ""
			m.BlockNumber = 0
			total++
		}
	}
	for _, d := range s.dispensings {
		if d.Confirmed && d.BlockNumber >= block {
			d.Confirmed = false
			d.TxHash = ""
			d.BlockNumber = 0
			total++
		}
	}
	return total, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() {}

var _ Store = (*MemoryStore)(nil)
