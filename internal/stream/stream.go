// Package stream consumes raw transactions from Kafka, runs them through the
// pipeline and publishes the outcome to an output topic.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/rs/zerolog"

	"fraud-anomaly-scoring/internal/config"
	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/ingest"
	"fraud-anomaly-scoring/internal/pipeline"
)

// Outcome statuses written to the output topic.
const (
	StatusScored   = "scored"
	StatusIngested = "ingested"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Processor is the part of the pipeline the consumer drives.
type Processor interface {
	Ingest(ctx context.Context, req ingest.Request) (pipeline.IngestResult, error)
	Score(ctx context.Context, req ingest.Request) (pipeline.ScoreOutcome, error)
}

// Source is the subset of *kafka.Consumer used here.
type Source interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	Commit() ([]kafka.TopicPartition, error)
	Close() error
}

// Sink is the subset of *kafka.Producer used here.
type Sink interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// Result is the JSON document published per consumed message.
type Result struct {
	EventID      string          `json:"event_id,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	Status       string          `json:"status"`
	ModelVersion string          `json:"model_version,omitempty"`
	AnomalyScore *float64        `json:"anomaly_score,omitempty"`
	RiskScore    *float64        `json:"risk_score,omitempty"`
	Flagged      *bool           `json:"flagged,omitempty"`
	Reasons      []domain.Reason `json:"reasons,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Options tune the consumer loop.
type Options struct {
	InputTopic  string
	OutputTopic string
	CommitEvery int
	PollTimeout time.Duration
}

// Consumer reads one partition stream at a time and processes messages in
// order, so a user's history is always built in arrival order.
type Consumer struct {
	opts      Options
	source    Source
	sink      Sink
	processor Processor
	logger    zerolog.Logger
}

// NewKafka opens a consumer and producer against the configured brokers.
func NewKafka(cfg config.KafkaConfig, processor Processor, logger zerolog.Logger) (*Consumer, error) {
	source, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "smallest",
		"enable.auto.commit": false,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	var sink Sink
	if cfg.OutputTopic != "" {
		producer, err := kafka.NewProducer(&kafka.ConfigMap{"bootstrap.servers": cfg.Brokers})
		if err != nil {
			_ = source.Close()
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		sink = producer
	}

	return New(Options{
		InputTopic:  cfg.InputTopic,
		OutputTopic: cfg.OutputTopic,
		CommitEvery: cfg.CommitEvery,
		PollTimeout: cfg.PollTimeout,
	}, source, sink, processor, logger), nil
}

// New wires a consumer from already constructed clients. sink may be nil.
func New(opts Options, source Source, sink Sink, processor Processor, logger zerolog.Logger) *Consumer {
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = 20
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	return &Consumer{
		opts:      opts,
		source:    source,
		sink:      sink,
		processor: processor,
		logger:    logger.With().Str("component", "kafka_consumer").Logger(),
	}
}

// Run subscribes and processes messages until ctx is cancelled or the
// client reports a fatal error. Offsets are committed every CommitEvery
// messages and once more on exit.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.source.SubscribeTopics([]string{c.opts.InputTopic}, nil); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.opts.InputTopic, err)
	}
	defer c.shutdown()

	if c.sink != nil {
		go c.drainDeliveries(ctx)
	}

	c.logger.Info().Str("topic", c.opts.InputTopic).Msg("kafka consumer started")
	count := 0
	pollMs := int(c.opts.PollTimeout / time.Millisecond)
	for {
		select {
		case <-ctx.Done():
			c.commit()
			return ctx.Err()
		default:
		}

		ev := c.source.Poll(pollMs)
		if ev == nil {
			continue
		}

		switch e := ev.(type) {
		case *kafka.Message:
			c.handle(ctx, e)
			count++
			if count%c.opts.CommitEvery == 0 {
				c.commit()
			}
		case kafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("kafka fatal error: %w", e)
			}
			c.logger.Warn().Err(e).Msg("kafka error")
		case kafka.PartitionEOF:
			c.logger.Debug().Str("partition", e.String()).Msg("reached end of partition")
		default:
			c.logger.Debug().Str("event", e.String()).Msg("ignored kafka event")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *kafka.Message) {
	var req ingest.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		c.logger.Warn().Err(err).Str("offset", msg.TopicPartition.Offset.String()).Msg("undecodable message")
		c.publish(msg.Key, Result{Status: StatusRejected, Error: err.Error()})
		return
	}

	result := c.process(ctx, req)
	key := msg.Key
	if req.UserID != "" {
		key = []byte(req.UserID)
	}
	c.publish(key, result)
}

func (c *Consumer) process(ctx context.Context, req ingest.Request) Result {
	base := Result{EventID: req.EventID, UserID: req.UserID}

	out, err := c.processor.Score(ctx, req)
	if errors.Is(err, domain.ErrArtifactMissing) {
		// 模型未发布时仍然写入历史
		if _, err := c.processor.Ingest(ctx, req); err != nil {
			return c.failure(base, err)
		}
		base.Status = StatusIngested
		return base
	}
	if err != nil {
		return c.failure(base, err)
	}

	res := out.Score.Result
	base.Status = StatusScored
	base.ModelVersion = out.Score.ModelVersion
	base.AnomalyScore = &res.AnomalyScore
	base.RiskScore = &res.RiskScore
	base.Flagged = &res.Flagged
	base.Reasons = out.Score.Reasons
	return base
}

func (c *Consumer) failure(base Result, err error) Result {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		base.Status = StatusRejected
	} else {
		base.Status = StatusFailed
		c.logger.Error().Err(err).Str("event_id", base.EventID).Msg("failed to process message")
	}
	base.Error = err.Error()
	return base
}

func (c *Consumer) publish(key []byte, result Result) {
	if c.sink == nil {
		return
	}
	value, err := json.Marshal(result)
	if err != nil {
		c.logger.Error().Err(err).Msg("marshal result")
		return
	}
	topic := c.opts.OutputTopic
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            key,
		Value:          value,
	}
	if err := c.sink.Produce(msg, nil); err != nil {
		c.logger.Error().Err(err).Str("event_id", result.EventID).Msg("produce result")
	}
}

func (c *Consumer) drainDeliveries(ctx context.Context) {
	events := c.sink.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if m, isMsg := ev.(*kafka.Message); isMsg && m.TopicPartition.Error != nil {
				c.logger.Error().Err(m.TopicPartition.Error).Msg("result delivery failed")
			}
		}
	}
}

func (c *Consumer) commit() {
	if _, err := c.source.Commit(); err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrNoOffset {
			return
		}
		c.logger.Warn().Err(err).Msg("offset commit failed")
	}
}

func (c *Consumer) shutdown() {
	if c.sink != nil {
		c.sink.Flush(5000)
		c.sink.Close()
	}
	if err := c.source.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("close kafka consumer")
	}
	c.logger.Info().Msg("kafka consumer stopped")
}
