package producer

import (
	"context"

	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
)

// AlertProducer defines the interface for publishing fraud/ops alerts to
// the review queue.
type AlertProducer interface {
	// Publish sends a single alert.
	Publish(ctx context.Context, alert *models.FraudAlert) error

	// PublishBatch sends alerts in batch.
	PublishBatch(ctx context.Context, alerts []*models.FraudAlert) error

	// Close closes the producer connection.
	Close() error
}
