package producer

import (
	"context"
	"log"
	"sync"

	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
)

// MockProducer records published alerts in memory. Used by tests and by
// deployments without a broker (brokers configured as "mock://local").
type MockProducer struct {
	mu        sync.Mutex
	logger    *log.Logger
	published []models.FraudAlert
}

// NewMockProducer creates a MockProducer.
func NewMockProducer(logger *log.Logger) *MockProducer {
	logger.Println("[MockProducer] Initializing in-memory alert sink")
	return &MockProducer{logger: logger}
}

// Publish records a single alert.
func (m *MockProducer) Publish(ctx context.Context, alert *models.FraudAlert) error {
	return m.PublishBatch(ctx, []*models.FraudAlert{alert})
}

// PublishBatch records alerts.
func (m *MockProducer) PublishBatch(ctx context.Context, alerts []*models.FraudAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range alerts {
		m.published = append(m.published, *alert)
		m.logger.Printf("[MockProducer] Alert published: severity=%s reason=%s batch=%s",
			alert.Severity, alert.Reason, alert.BatchID)
	}
	return nil
}

// Published returns a copy of the recorded alerts.
func (m *MockProducer) Published() []models.FraudAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.FraudAlert, len(m.published))
	copy(out, m.published)
	return out
}

// Close is a no-op for the mock.
func (m *MockProducer) Close() error {
	m.logger.Println("[MockProducer] Closing")
	return nil
}

var _ AlertProducer = (*MockProducer)(nil)
