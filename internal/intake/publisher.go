// internal/intake/publisher.go
package intake

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/pkg/config"
	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
)

// Publisher fans completion events out to the confirmed and failed topics.
// It plugs into the orchestrator as a completion sink.
type Publisher struct {
	cfg      config.KafkaConfig
	producer *kafka.Producer
	logger   *logging.Logger
}

// NewPublisher creates the completion publisher.
func NewPublisher(cfg config.KafkaConfig, logger *logging.Logger) (*Publisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kafka producer")
	}

	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	return &Publisher{
		cfg:      cfg,
		producer: producer,
		logger:   logger.WithField("component", "completion_publisher"),
	}, nil
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "kafka-publisher" }

// Consume publishes the completion event: confirmed submissions to the
// confirmed topic, every other outcome to the failed topic.
func (p *Publisher) Consume(ctx context.Context, rec *chain.SubmissionRecord, ev chain.CompletionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "error serializing completion event")
	}

	topic := p.cfg.FailedTopic
	if ev.Outcome == chain.StateConfirmed {
		topic = p.cfg.ConfirmedTopic
	}

	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(ev.RequestID),
		Value: body,
	}, nil)
	if err != nil {
		return errors.Wrap(err, "error publishing completion event")
	}
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() {
	p.producer.Flush(15 * 1000)
	p.producer.Close()
}
