package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kode4food/eventway"
)

type (
	// StreamPublisher appends each published batch of saved events to a
	// Redis stream so that other processes can feed their own Hubs. Each
	// process reads through its own consumer group, and the stream is
	// trimmed to roughly MaxLen entries rather than deleted on ack
	StreamPublisher struct {
		store *Store
	}

	// StreamConsumer reads batches from the Redis stream through a consumer
	// group and forwards them to a local Publisher
	StreamConsumer struct {
		store  *Store
		target eventway.Publisher
	}
)

const streamField = "events"

// ErrStreamEntryMalformed indicates a stream entry could not be parsed
var ErrStreamEntryMalformed = errors.New("stream entry malformed")

var _ eventway.Publisher = (*StreamPublisher)(nil)

// Publisher returns a StreamPublisher sharing this Store's connection
func (s *Store) Publisher() *StreamPublisher {
	return &StreamPublisher{store: s}
}

// Consumer returns a StreamConsumer that forwards to target
func (s *Store) Consumer(target eventway.Publisher) *StreamConsumer {
	return &StreamConsumer{store: s, target: target}
}

// Publish implements eventway.Publisher
func (p *StreamPublisher) Publish(
	ctx context.Context, evs []*eventway.Event,
) error {
	if len(evs) == 0 {
		return nil
	}
	data, err := json.Marshal(evs)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.store.streamName(),
		Values: map[string]any{streamField: string(data)},
	}
	if maxLen := p.store.config.MaxLen; maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return p.store.client.XAdd(ctx, args).Err()
}

// Poll forwards up to Batch stream entries in order, waiting up to timeout
// for the first to arrive. Entries left pending by a failed consumer are
// reclaimed first. An entry is acknowledged only after the target accepts
// it, and processing stops at the first failure
func (c *StreamConsumer) Poll(ctx context.Context, timeout time.Duration) error {
	stream := c.store.streamName()
	group := c.store.config.Group
	consumer := c.store.config.Consumer

	if err := c.ensureGroup(ctx, stream, group); err != nil {
		return err
	}

	rec, err := c.recover(ctx, stream, group, consumer)
	if err != nil || rec {
		return err
	}

	streams, err := c.store.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    c.batch(),
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	if len(streams) == 0 {
		return nil
	}
	return c.handleAll(ctx, stream, group, streams[0].Messages)
}

// Run polls until the context is canceled
func (c *StreamConsumer) Run(ctx context.Context, timeout time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Poll(ctx, timeout); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (c *StreamConsumer) recover(
	ctx context.Context, stream, group, consumer string,
) (bool, error) {
	minIdle := c.store.config.MinIdle
	if minIdle <= 0 {
		minIdle = DefaultMinIdle
	}
	msgs, _, err := c.store.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batch(),
	}).Result()
	if err != nil || len(msgs) == 0 {
		return false, err
	}
	return true, c.handleAll(ctx, stream, group, msgs)
}

func (c *StreamConsumer) handleAll(
	ctx context.Context, stream, group string, msgs []redis.XMessage,
) error {
	for _, msg := range msgs {
		if err := c.handle(ctx, stream, group, msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *StreamConsumer) batch() int64 {
	if b := c.store.config.Batch; b > 0 {
		return b
	}
	return DefaultBatch
}

func (c *StreamConsumer) handle(
	ctx context.Context, stream, group string, msg redis.XMessage,
) error {
	evs, err := parseStreamEntry(msg)
	if err != nil {
		return err
	}
	if err := c.target.Publish(ctx, evs); err != nil {
		return err
	}
	return c.store.client.XAck(ctx, stream, group, msg.ID).Err()
}

func (c *StreamConsumer) ensureGroup(
	ctx context.Context, stream, group string,
) error {
	err := c.store.client.XGroupCreateMkStream(ctx, stream, group, "0-0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (s *Store) streamName() string {
	return s.config.Prefix + ":" + s.config.Stream
}

func parseStreamEntry(msg redis.XMessage) ([]*eventway.Event, error) {
	raw, ok := msg.Values[streamField]
	if !ok {
		return nil, ErrStreamEntryMalformed
	}

	var data string
	switch v := raw.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		return nil, ErrStreamEntryMalformed
	}

	var evs []*eventway.Event
	if err := json.Unmarshal([]byte(data), &evs); err != nil {
		return nil, err
	}
	return evs, nil
}
