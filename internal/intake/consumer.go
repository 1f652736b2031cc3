// internal/intake/consumer.go
package intake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"

	"github.com/dmaresca/txpilot/internal/chain"
	"github.com/dmaresca/txpilot/pkg/config"
	"github.com/dmaresca/txpilot/pkg/errors"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/submit"
)

// Consumer reads transaction requests from Kafka and hands them to the
// submission core. Requests that fail synchronously (bad payload, unknown
// chain, full queue) go straight to the failed topic; everything else
// reports through the completion publisher.
type Consumer struct {
	cfg       config.KafkaConfig
	consumer  *kafka.Consumer
	producer  *kafka.Producer
	submitter submit.Submitter
	logger    *logging.Logger
}

// NewConsumer creates a Kafka consumer for the requests topic.
func NewConsumer(cfg config.KafkaConfig, submitter submit.Submitter, logger *logging.Logger) (*Consumer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"group.id":          cfg.ConsumerGroup,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Kafka consumer")
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		consumer.Close()
		return nil, errors.Wrap(err, "failed to create Kafka producer")
	}

	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	return &Consumer{
		cfg:       cfg,
		consumer:  consumer,
		producer:  producer,
		submitter: submitter,
		logger:    logger.WithField("component", "intake"),
	}, nil
}

// Run consumes the requests topic until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.consumer.SubscribeTopics([]string{c.cfg.RequestsTopic}, nil); err != nil {
		return errors.Wrap(err, "failed to subscribe to requests topic")
	}

	c.logger.Info("intake started", "topic", c.cfg.RequestsTopic, "group", c.cfg.ConsumerGroup)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("shutting down intake")
			c.consumer.Close()
			c.producer.Flush(15 * 1000)
			c.producer.Close()
			return nil

		default:
			msg, err := c.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				c.logger.WithError(err).Error("error reading message")
				continue
			}

			c.processMessage(ctx, msg)
		}
	}
}

// processMessage handles a single Kafka message containing a request.
func (c *Consumer) processMessage(ctx context.Context, msg *kafka.Message) {
	var req chain.TransactionRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		c.logger.WithError(err).Error("error deserializing request")
		c.publishRejected(string(msg.Key), "", errors.Sprintf("invalid request format: %v", err))
		return
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	if err := c.submitter.Submit(ctx, &req); err != nil {
		c.logger.WithError(err).Warn("submission refused",
			"request_id", req.ID, "chain", req.ChainID)
		c.publishRejected(req.ID, req.ChainID, err.Error())
		return
	}

	c.logger.Debug("request admitted", "request_id", req.ID, "chain", req.ChainID)
}

// rejectedEvent mirrors the completion event shape for requests that never
// entered the pipeline.
type rejectedEvent struct {
	RequestID string    `json:"request_id"`
	ChainID   string    `json:"chain_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// publishRejected reports a synchronous refusal to the failed topic.
func (c *Consumer) publishRejected(id, chainID, reason string) {
	body, err := json.Marshal(rejectedEvent{
		RequestID: id,
		ChainID:   chainID,
		Outcome:   string(chain.StateRejected),
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.logger.WithError(err).Error("error serializing rejection")
		return
	}

	topic := c.cfg.FailedTopic
	err = c.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(id),
		Value: body,
	}, nil)
	if err != nil {
		c.logger.WithError(err).Error("error publishing rejection")
	}
}
