package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/internal/models"
)

// KafkaProducer implements the AlertProducer interface.
type KafkaProducer struct {
	writer *kafka.Writer
	logger *log.Logger
	topic  string
}

// NewKafkaProducer creates a new KafkaProducer for the alert topic.
func NewKafkaProducer(cfg config.AlertProducerConfig, logger *log.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka producer configuration incomplete: both brokers and topic are required")
	}

	var requiredAcks kafka.RequiredAcks
	switch cfg.RequiredAcks {
	case "none":
		requiredAcks = kafka.RequireNone
	case "all":
		requiredAcks = kafka.RequireAll
	default:
		requiredAcks = kafka.RequireOne
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		logger.Printf("Warning: invalid write_timeout '%s', using default 5s", cfg.WriteTimeout)
		writeTimeout = 5 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: requiredAcks,
		WriteTimeout: writeTimeout,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Printf("Kafka Writer Error: "+msg, args...)
		}),
	}

	logger.Printf("Kafka alert producer created, connected to Brokers: %v, Topic: %s", cfg.Brokers, cfg.Topic)

	return &KafkaProducer{
		writer: w,
		logger: logger,
		topic:  cfg.Topic,
	}, nil
}

// Publish sends a single alert.
func (p *KafkaProducer) Publish(ctx context.Context, alert *models.FraudAlert) error {
	return p.PublishBatch(ctx, []*models.FraudAlert{alert})
}

// PublishBatch sends alerts in batch to the alert topic.
func (p *KafkaProducer) PublishBatch(ctx context.Context, alerts []*models.FraudAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	kafkaMsgs := make([]kafka.Message, len(alerts))
	for i, alert := range alerts {
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to serialize fraud alert (AlertID: %s): %w", alert.AlertID, err)
		}
		kafkaMsgs[i] = kafka.Message{
			// Key by batch so alerts for one batch land on one partition.
			Key:   []byte(alert.BatchID),
			Value: payload,
		}
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsgs...); err != nil {
		p.logger.Printf("Failed to send alert messages in batch (count: %d): %v", len(alerts), err)
		return fmt.Errorf("failed to batch write to Kafka buffer: %w", err)
	}
	return nil
}

// Close closes the producer and flushes buffered messages.
func (p *KafkaProducer) Close() error {
	p.logger.Println("Closing Kafka alert producer (and flushing buffer)...")
	return p.writer.Close()
}

var _ AlertProducer = (*KafkaProducer)(nil)
