// Package kafkabus carries saved events between processes over Kafka. The
// Publisher is installed on an eventway Store and the Consumer feeds a local
// Hub in each reading process
package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kode4food/eventway"
)

type (
	Config struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		GroupID string   `yaml:"group_id"`
	}

	// MessageWriter is the subset of kafka.Writer used by Publisher
	MessageWriter interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// MessageReader is the subset of kafka.Reader used by Consumer
	MessageReader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Publisher writes each saved event as one message keyed by aggregate
	// ID, so a stream's events share a partition and keep their order
	Publisher struct {
		writer MessageWriter
	}

	// Consumer reads messages and forwards each decoded record to a target
	// Publisher, committing the offset once the target accepts it
	Consumer struct {
		reader MessageReader
		target eventway.Publisher
		log    *zap.Logger
	}

	ConsumerOption func(*Consumer)
)

const (
	DefaultTopic   = "eventway.events"
	DefaultGroupID = "eventway"

	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"

	batchTimeout = 10 * time.Millisecond
)

// ErrNoBrokers is returned when a Config names no brokers
var ErrNoBrokers = errors.New("no kafka brokers configured")

var _ eventway.Publisher = (*Publisher)(nil)

func DefaultConfig() Config {
	return Config{
		Topic:   DefaultTopic,
		GroupID: DefaultGroupID,
	}
}

// NewPublisher creates a Publisher backed by a kafka.Writer
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
	}), nil
}

func NewPublisherWithWriter(w MessageWriter) *Publisher {
	return &Publisher{writer: w}
}

// Publish implements eventway.Publisher
func (p *Publisher) Publish(ctx context.Context, evs []*eventway.Event) error {
	if len(evs) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		msg, err := EncodeMessage(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// NewConsumer creates a Consumer backed by a kafka.Reader in cfg.GroupID
func NewConsumer(
	cfg Config, target eventway.Publisher, opts ...ConsumerOption,
) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return NewConsumerWithReader(reader, target, opts...), nil
}

func NewConsumerWithReader(
	r MessageReader, target eventway.Publisher, opts ...ConsumerOption,
) *Consumer {
	c := &Consumer{
		reader: r,
		target: target,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithConsumerLogger(log *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.log = log
	}
}

// Run forwards messages until the context is canceled or the target fails
// Undecodable messages are logged and committed so they are not retried
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		ev, err := DecodeMessage(msg)
		if err != nil {
			c.log.Warn("Skipping malformed message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := c.target.Publish(ctx, []*eventway.Event{ev}); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// EncodeMessage converts a saved record into its Kafka form
func EncodeMessage(ev *eventway.Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.AggregateID.String()),
		Value: data,
		Time:  ev.Created,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(ev.EventType)},
			{Key: HeaderAggregateType, Value: []byte(ev.AggregateType)},
		},
	}, nil
}

// DecodeMessage restores a saved record from its Kafka form
func DecodeMessage(msg kafka.Message) (*eventway.Event, error) {
	ev := &eventway.Event{}
	if err := json.Unmarshal(msg.Value, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
