// Package fraud runs the periodic consistency sweep over the mirror. Every
// check is advisory: findings become alerts for human review and never
// block a traceability operation.
package fraud

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/internal/messaging/producer"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
	"github.com/daezy/drug-dispensing-system-sub000/storage/store"
)

// Sweeper periodically scans dispensings, prescriptions and batches for
// fraud patterns and broken invariants.
type Sweeper struct {
	logger *log.Logger
	store  store.Store
	alerts producer.AlertProducer

	sweepInterval     time.Duration
	refillWindow      time.Duration
	provisionalMaxAge time.Duration
	refillThreshold   int
	normalSupplyMax   uint64

	// seen suppresses re-alerting the same finding on every sweep.
	seen   map[string]bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from configuration.
func NewSweeper(cfg config.FraudConfig, logger *log.Logger, s store.Store, alerts producer.AlertProducer) (*Sweeper, error) {
	sweepInterval, err := time.ParseDuration(cfg.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid fraud.sweep_interval '%s': %w", cfg.SweepInterval, err)
	}
	refillWindow, err := time.ParseDuration(cfg.RefillWindow)
	if err != nil {
		return nil, fmt.Errorf("invalid fraud.refill_window '%s': %w", cfg.RefillWindow, err)
	}
	provisionalMaxAge, err := time.ParseDuration(cfg.ProvisionalMaxAge)
	if err != nil {
		return nil, fmt.Errorf("invalid fraud.provisional_max_age '%s': %w", cfg.ProvisionalMaxAge, err)
	}
	return &Sweeper{
		logger:            logger,
		store:             s,
		alerts:            alerts,
		sweepInterval:     sweepInterval,
		refillWindow:      refillWindow,
		provisionalMaxAge: provisionalMaxAge,
		refillThreshold:   cfg.RefillThreshold,
		normalSupplyMax:   cfg.NormalSupplyMax,
		seen:              make(map[string]bool),
	}, nil
}

// Start launches the periodic sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	sw.cancel = cancel
	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()
		ticker := time.NewTicker(sw.sweepInterval)
		defer ticker.Stop()
		for {
			if err := sw.RunSweep(runCtx); err != nil && runCtx.Err() == nil {
				sw.logger.Printf("Fraud sweep failed: %v", err)
			}
			select {
			case <-ticker.C:
			case <-runCtx.Done():
				return
			}
		}
	}()
	sw.logger.Printf("Fraud sweep running every %s", sw.sweepInterval)
}

// Stop cancels the sweep loop and waits for the in-flight sweep.
func (sw *Sweeper) Stop() {
	if sw.cancel == nil {
		return
	}
	sw.cancel()
	sw.wg.Wait()
}

// RunSweep executes every check once. Checks are independent; one failing
// does not stop the rest.
func (sw *Sweeper) RunSweep(ctx context.Context) error {
	now := time.Now().UTC()
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(sw.checkPrescriptions(ctx, now))
	record(sw.checkDispensings(ctx, now))
	record(sw.checkQuantityConservation(ctx))
	record(sw.checkMovementTimestamps(ctx))
	record(sw.checkStaleProvisionals(ctx, now))
	return firstErr
}

// checkPrescriptions flags duplicate issuances and abnormal prescribed
// quantities within the rolling window.
func (sw *Sweeper) checkPrescriptions(ctx context.Context, now time.Time) error {
	prescriptions, err := sw.store.ListActivePrescriptionsSince(ctx, now.Add(-sw.refillWindow))
	if err != nil {
		return err
	}

	byProfile := make(map[string][]models.Prescription)
	for _, p := range prescriptions {
		key := p.PatientAddress + "|" + p.DrugName + "|" + p.DoctorAddress
		byProfile[key] = append(byProfile[key], p)

		if p.Quantity > sw.normalSupplyMax {
			sw.raise(ctx, &models.FraudAlert{
				Severity: models.SeverityLow,
				Reason:   models.ReasonExcessiveQuantity,
				Subject:  p.PrescriptionID,
				Detail: fmt.Sprintf("prescription %s for %d units of %s exceeds the normal supply maximum of %d",
					p.PrescriptionID, p.Quantity, p.DrugName, sw.normalSupplyMax),
			})
		}
	}

	for _, group := range byProfile {
		if len(group) < 2 {
			continue
		}
		p := group[0]
		sw.raise(ctx, &models.FraudAlert{
			Severity: models.SeverityMedium,
			Reason:   models.ReasonDuplicatePrescription,
			Subject:  p.PatientAddress,
			Detail: fmt.Sprintf("%d active prescriptions for %s issued to patient %s by doctor %s within %s",
				len(group), p.DrugName, p.PatientAddress, p.DoctorAddress, sw.refillWindow),
		})
	}
	return nil
}

// checkDispensings flags overdispensing against the prescribed quantity,
// dispensing past batch expiry, and frequent refills.
func (sw *Sweeper) checkDispensings(ctx context.Context, now time.Time) error {
	dispensings, err := sw.store.ListDispensingsSince(ctx, now.Add(-sw.refillWindow))
	if err != nil {
		return err
	}

	totalByPrescription := make(map[string]uint64)
	drugByPrescription := make(map[string]string)
	refills := make(map[string]int)
	for _, d := range dispensings {
		totalByPrescription[d.PrescriptionID] += d.Quantity

		// Refills count per patient and drug, so splitting them across
		// prescriptions does not reset the count.
		drug, resolved := drugByPrescription[d.PrescriptionID]
		if !resolved {
			if p, perr := sw.store.GetPrescription(ctx, d.PrescriptionID); perr == nil {
				drug = p.DrugName
			}
			drugByPrescription[d.PrescriptionID] = drug
		}
		if drug != "" {
			refills[d.PatientAddress+"|"+drug]++
		}

		batch, berr := sw.store.GetBatchByID(ctx, d.BatchID)
		if berr != nil {
			continue // provisional rows may not resolve to a batch yet
		}
		if d.CreatedAt.After(batch.Expiry) {
			sw.raise(ctx, &models.FraudAlert{
				Severity: models.SeverityCritical,
				Reason:   models.ReasonExpiredDispense,
				BatchID:  batch.BatchID,
				Subject:  d.PrescriptionID,
				Detail: fmt.Sprintf("dispensing %s drew from batch %s after its expiry on %s",
					d.DispensingID, batch.BatchNumber, batch.Expiry.Format(time.RFC3339)),
			})
		}
	}

	for prescriptionID, total := range totalByPrescription {
		p, perr := sw.store.GetPrescription(ctx, prescriptionID)
		if perr != nil {
			continue
		}
		if total > p.Quantity {
			sw.raise(ctx, &models.FraudAlert{
				Severity: models.SeverityCritical,
				Reason:   models.ReasonOverdispense,
				Subject:  prescriptionID,
				Detail: fmt.Sprintf("prescription %s for %d units has %d units dispensed against it",
					prescriptionID, p.Quantity, total),
			})
		}
	}

	for key, count := range refills {
		if count >= sw.refillThreshold {
			sw.raise(ctx, &models.FraudAlert{
				Severity: models.SeverityMedium,
				Reason:   models.ReasonFrequentRefill,
				Subject:  key,
				Detail:   fmt.Sprintf("%d refills within %s for %s", count, sw.refillWindow, key),
			})
		}
	}
	return nil
}

// checkQuantityConservation verifies that each batch's remaining quantity
// accounts for every applied dispensing.
func (sw *Sweeper) checkQuantityConservation(ctx context.Context) error {
	batches, err := sw.store.ListBatches(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches {
		dispensings, derr := sw.store.ListDispensingsByBatch(ctx, b.BatchID)
		if derr != nil {
			return derr
		}
		var applied uint64
		for _, d := range dispensings {
			if d.QtyApplied {
				applied += d.Quantity
			}
		}
		if b.InitialQty != b.RemainingQty+applied {
			sw.raise(ctx, &models.FraudAlert{
				Severity: models.SeverityCritical,
				Reason:   models.ReasonQuantityConservation,
				BatchID:  b.BatchID,
				Detail: fmt.Sprintf("batch %s started at %d units but %d remaining plus %d dispensed do not add up",
					b.BatchNumber, b.InitialQty, b.RemainingQty, applied),
			})
		}
	}
	return nil
}

// checkMovementTimestamps flags custody chains whose movement timestamps run
// backwards relative to chain order. A later block carrying an earlier
// timestamp means a backdated or manipulated record.
func (sw *Sweeper) checkMovementTimestamps(ctx context.Context) error {
	batches, err := sw.store.ListBatches(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches {
		movements, merr := sw.store.ListMovementsByBatch(ctx, b.BatchID)
		if merr != nil {
			return merr
		}
		var chain []models.MovementRecord
		for _, m := range movements {
			if m.Confirmed {
				chain = append(chain, m)
			}
		}
		sort.Slice(chain, func(i, j int) bool { return chain[i].BlockNumber < chain[j].BlockNumber })
		for i := 1; i < len(chain); i++ {
			if chain[i].Timestamp.Before(chain[i-1].Timestamp) {
				sw.raise(ctx, &models.FraudAlert{
					Severity: models.SeverityMedium,
					Reason:   models.ReasonTimestampRegression,
					BatchID:  b.BatchID,
					Subject:  chain[i].MovementID,
					Detail: fmt.Sprintf("movement %s at block %d is timestamped %s, before its predecessor at block %d (%s)",
						chain[i].MovementID, chain[i].BlockNumber, chain[i].Timestamp.Format(time.RFC3339),
						chain[i-1].BlockNumber, chain[i-1].Timestamp.Format(time.RFC3339)),
				})
			}
		}
	}
	return nil
}

// checkStaleProvisionals flags rows that never confirmed. These usually
// mean a dropped transaction or a listener outage.
func (sw *Sweeper) checkStaleProvisionals(ctx context.Context, now time.Time) error {
	batches, dispensings, err := sw.store.ListProvisionalOlderThan(ctx, now.Add(-sw.provisionalMaxAge))
	if err != nil {
		return err
	}
	for _, b := range batches {
		sw.raise(ctx, &models.FraudAlert{
			Severity: models.SeverityLow,
			Reason:   models.ReasonStaleProvisional,
			BatchID:  b.BatchID,
			Detail: fmt.Sprintf("batch %s has been provisional since %s",
				b.BatchNumber, b.CreatedAt.Format(time.RFC3339)),
		})
	}
	for _, d := range dispensings {
		sw.raise(ctx, &models.FraudAlert{
			Severity: models.SeverityLow,
			Reason:   models.ReasonStaleProvisional,
			BatchID:  d.BatchID,
			Subject:  d.PrescriptionID,
			Detail: fmt.Sprintf("dispensing %s has been provisional since %s",
				d.DispensingID, d.CreatedAt.Format(time.RFC3339)),
		})
	}
	return nil
}

// raise persists and publishes one alert, suppressing repeats of the same
// finding across sweeps.
func (sw *Sweeper) raise(ctx context.Context, alert *models.FraudAlert) {
	key := string(alert.Reason) + "|" + alert.BatchID + "|" + alert.Subject
	if sw.seen[key] {
		return
	}
	sw.seen[key] = true

	alert.AlertID = uuid.NewString()
	alert.CreatedAt = time.Now().UTC()
	sw.logger.Printf("FRAUD [%s] %s: %s", alert.Severity, alert.Reason, alert.Detail)
	if err := sw.store.InsertFraudAlert(ctx, alert); err != nil {
		sw.logger.Printf("Failed to persist alert %s: %v", alert.AlertID, err)
	}
	if sw.alerts == nil {
		return
	}
	if err := sw.alerts.Publish(ctx, alert); err != nil {
		sw.logger.Printf("Failed to publish alert %s: %v", alert.AlertID, err)
	}
}
