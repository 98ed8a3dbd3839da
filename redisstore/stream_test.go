package redisstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/kode4food/eventway"
	"github.com/kode4food/eventway/internal/storetest"
	"github.com/kode4food/eventway/redisstore"
)

type (
	recordingTarget struct {
		err     error
		batches [][]*eventway.Event
		mu      sync.Mutex
	}

	noteAdded struct {
		eventway.DomainEvent
		Text string `json:"text"`
	}
)

const streamKey = "eventway:events"

func (*noteAdded) EventType() eventway.EventType {
	return "note_added"
}

func (r *recordingTarget) Publish(
	_ context.Context, evs []*eventway.Event,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, evs)
	return nil
}

func streamLen(t *testing.T, addr string) int {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	entries, err := client.XRange(
		context.Background(), streamKey, "-", "+",
	).Result()
	assert.NoError(t, err)
	return len(entries)
}

func pendingCount(t *testing.T, addr, group string) int64 {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	res, err := client.XPending(
		context.Background(), streamKey, group,
	).Result()
	assert.NoError(t, err)
	return res.Count
}

func storeWithGroup(
	t *testing.T, addr, group string,
) *redisstore.Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	cfg := redisstore.DefaultConfig()
	cfg.Group = group
	cfg.Consumer = group
	return redisstore.NewStoreWithClient(client, cfg)
}

func TestStreamPublishAndConsume(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	evs := storetest.NewEvents("user", id, 0, 2)
	assert.NoError(t, store.Append(ctx, "user", id, 0, evs))
	assert.NoError(t, store.Publisher().Publish(ctx, evs))
	assert.NoError(t, store.Publisher().Publish(ctx, nil))
	assert.Equal(t, 1, streamLen(t, server.Addr()))

	target := &recordingTarget{}
	assert.NoError(t, store.Consumer(target).Poll(ctx, 10*time.Millisecond))
	if assert.Len(t, target.batches, 1) && assert.Len(t, target.batches[0], 2) {
		got := target.batches[0]
		assert.Equal(t, evs[0].EventID, got[0].EventID)
		assert.Equal(t, int64(2), got[1].Sequence)
	}

	// acknowledged but kept for other groups
	assert.Equal(t, 1, streamLen(t, server.Addr()))
	assert.Zero(t, pendingCount(t, server.Addr(), redisstore.DefaultGroup))

	assert.NoError(t, store.Consumer(target).Poll(ctx, 5*time.Millisecond))
	assert.Len(t, target.batches, 1)
}

func TestStreamFanOutToGroups(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	assert.NoError(t, store.Publisher().Publish(ctx,
		storetest.NewEvents("user", id, 0, 1),
	))

	procA := &recordingTarget{}
	procB := &recordingTarget{}
	a := storeWithGroup(t, server.Addr(), "proc-a").Consumer(procA)
	b := storeWithGroup(t, server.Addr(), "proc-b").Consumer(procB)

	assert.NoError(t, a.Poll(ctx, 10*time.Millisecond))
	assert.NoError(t, b.Poll(ctx, 10*time.Millisecond))
	assert.Len(t, procA.batches, 1)
	assert.Len(t, procB.batches, 1)
	assert.Zero(t, pendingCount(t, server.Addr(), "proc-a"))
	assert.Zero(t, pendingCount(t, server.Addr(), "proc-b"))
}

func TestStreamPollReadsBatch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	for i := range 3 {
		assert.NoError(t, store.Publisher().Publish(ctx,
			storetest.NewEvents("user", id, int64(i), 1),
		))
	}

	target := &recordingTarget{}
	assert.NoError(t, store.Consumer(target).Poll(ctx, 10*time.Millisecond))
	if assert.Len(t, target.batches, 3) {
		for i, batch := range target.batches {
			assert.Equal(t, int64(i+1), batch[0].Version)
		}
	}
}

func TestStreamTrimsToMaxLen(t *testing.T) {
	server, err := miniredis.Run()
	assert.NoError(t, err)
	t.Cleanup(server.Close)

	cfg := redisstore.DefaultConfig()
	cfg.Addr = server.Addr()
	cfg.MaxLen = 2
	ctx := context.Background()
	store, err := redisstore.NewStore(ctx, cfg)
	assert.NoError(t, err)
	defer func() { _ = store.Close() }()

	id := uuid.New()
	for i := range 5 {
		assert.NoError(t, store.Publisher().Publish(ctx,
			storetest.NewEvents("user", id, int64(i), 1),
		))
	}
	assert.Equal(t, 2, streamLen(t, server.Addr()))
}

func TestStreamConsumeNoMessages(t *testing.T) {
	store, _ := newTestStore(t)
	target := &recordingTarget{}
	err := store.Consumer(target).Poll(context.Background(), 5*time.Millisecond)
	assert.NoError(t, err)
	assert.Empty(t, target.batches)
}

func TestStreamTargetErrorLeavesEntry(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	boom := errors.New("target failed")
	assert.NoError(t, store.Publisher().Publish(ctx,
		storetest.NewEvents("user", id, 0, 1),
	))

	err := store.Consumer(&recordingTarget{err: boom}).Poll(ctx, 0)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, streamLen(t, server.Addr()))
	assert.Equal(t, int64(1),
		pendingCount(t, server.Addr(), redisstore.DefaultGroup),
	)
}

func TestStreamMalformedEntry(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() { _ = client.Close() }()
	assert.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"bad": "data"},
	}).Err())

	err := store.Consumer(&recordingTarget{}).Poll(ctx, 0)
	assert.ErrorIs(t, err, redisstore.ErrStreamEntryMalformed)
}

func TestStreamPendingRecovery(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	assert.NoError(t, store.Publisher().Publish(ctx,
		storetest.NewEvents("user", id, 0, 1),
	))

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer func() { _ = client.Close() }()
	group := redisstore.DefaultGroup
	assert.NoError(t,
		client.XGroupCreateMkStream(ctx, streamKey, group, "0-0").Err(),
	)

	now := time.Now().UTC()
	server.SetTime(now)

	reads, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: "crashed-consumer",
		Streams:  []string{streamKey, ">"},
		Count:    1,
		Block:    10 * time.Millisecond,
	}).Result()
	assert.NoError(t, err)
	assert.Len(t, reads, 1)

	server.SetTime(now.Add(redisstore.DefaultMinIdle + time.Second))

	target := &recordingTarget{}
	assert.NoError(t, store.Consumer(target).Poll(ctx, 10*time.Millisecond))
	assert.Len(t, target.batches, 1)
	assert.Zero(t, pendingCount(t, server.Addr(), group))
}

func TestStreamFeedsHub(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	reg := eventway.NewRegistry()
	eventway.Register[noteAdded](reg)
	hub := eventway.NewHub(reg)
	defer func() { _ = hub.Close() }()

	var mu sync.Mutex
	var texts []string
	hub.Subscribe("note_added", func(
		_ context.Context, oe *eventway.OrderedEvent,
	) error {
		mu.Lock()
		defer mu.Unlock()
		texts = append(texts, oe.Payload.(*noteAdded).Text)
		return nil
	})

	id := uuid.New()
	var evs []*eventway.Event
	for i, text := range []string{"first", "second"} {
		ev, err := reg.Encode(&noteAdded{Text: text}, "note", id, int64(i+1))
		assert.NoError(t, err)
		evs = append(evs, ev)
	}
	assert.NoError(t, store.Append(ctx, "note", id, 0, evs))
	assert.NoError(t, store.Publisher().Publish(ctx, evs))

	assert.NoError(t, store.Consumer(hub).Poll(ctx, 10*time.Millisecond))
	assert.NoError(t, hub.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, texts)
}

func TestStreamRunStopsOnCancel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Consumer(&recordingTarget{}).Run(ctx, time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}
