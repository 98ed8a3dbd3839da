package eventway_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kode4food/eventway"
	"github.com/kode4food/eventway/memory"
)

type (
	userView struct {
		Name   string    `json:"name"`
		Logins int       `json:"logins"`
		ID     uuid.UUID `json:"id"`
	}

	viewCounter struct {
		applied map[int64]int
		fail    map[int64]bool
		mu      sync.Mutex
	}

	captureListener struct {
		single map[eventway.EventType]eventway.EventHandler
		batch  map[eventway.EventType]eventway.BatchHandler
	}

	hookedEvents struct {
		*memory.Store
		before func()
		once   sync.Once
	}
)

func (*userView) ModelType() eventway.ModelType { return "user_view" }
func (v *userView) ModelID() uuid.UUID         { return v.ID }

func newViewCounter() *viewCounter {
	return &viewCounter{
		applied: map[int64]int{},
		fail:    map[int64]bool{},
	}
}

func (c *viewCounter) mark(ordering int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[ordering] {
		return errBoom
	}
	c.applied[ordering]++
	return nil
}

func (c *viewCounter) count(ordering int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[ordering]
}

func (c *viewCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.applied {
		n += v
	}
	return n
}

func newCaptureListener() *captureListener {
	return &captureListener{
		single: map[eventway.EventType]eventway.EventHandler{},
		batch:  map[eventway.EventType]eventway.BatchHandler{},
	}
}

func (l *captureListener) Subscribe(
	typ eventway.EventType, h eventway.EventHandler,
) {
	l.single[typ] = h
}

func (l *captureListener) SubscribeBatch(
	typ eventway.EventType, h eventway.BatchHandler,
) {
	l.batch[typ] = h
}

func (h *hookedEvents) GetEvents(
	ctx context.Context, since int64, limit int,
	types ...eventway.AggregateType,
) ([]*eventway.Event, error) {
	h.once.Do(h.before)
	return h.Store.GetEvents(ctx, since, limit, types...)
}

func newUserProjection(
	id string, events eventway.EventRepository, mem *memory.Store,
	l eventway.EventListener, c *viewCounter,
	opts ...eventway.ProjectionOption,
) *eventway.Projection {
	p := eventway.NewProjection(id, events, l, newRegistry(), mem, mem, opts...)

	eventway.Handle(p, func(
		ctx context.Context, e *UserRegistered, s *eventway.QueryModelStore,
	) error {
		if err := c.mark(s.Ordering()); err != nil {
			return err
		}
		return eventway.SaveModel(ctx, s, &userView{
			ID: e.AggregateID, Name: e.Name,
		})
	})

	eventway.Handle(p, func(
		ctx context.Context, e *UserLoggedIn, s *eventway.QueryModelStore,
	) error {
		if err := c.mark(s.Ordering()); err != nil {
			return err
		}
		v, err := eventway.FindModel[userView](ctx, s, e.AggregateID)
		if err != nil {
			return err
		}
		if v == nil {
			v = &userView{ID: e.AggregateID}
		}
		v.Logins++
		return eventway.SaveModel(ctx, s, v)
	})
	return p
}

func seedUser(
	t *testing.T, store *eventway.Store[*testUser], id uuid.UUID,
	name string, logins int,
) {
	t.Helper()
	ctx := context.Background()
	u, err := store.Load(ctx, id)
	require.NoError(t, err)
	if u.Version() == 0 {
		require.NoError(t, u.Tell(&RegisterUser{Name: name}))
	}
	for range logins {
		require.NoError(t, u.Tell(&LogIn{}))
	}
	require.NoError(t, store.Save(ctx, u))
}

func TestPushAdvancesOffset(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	hub := eventway.NewHub(newRegistry())
	defer func() { _ = hub.Close() }()

	// ten earlier events this projection has already applied
	store := newUserStore(mem, 50, eventway.WithPublisher(hub))
	id := uuid.New()
	seedUser(t, store, id, "ada", 9)
	require.NoError(t, mem.SaveMetadata(ctx, &eventway.ProjectionMetadata{
		ProjectionID: "users", EventOffset: 10,
	}))

	c := newViewCounter()
	p := newUserProjection("users", mem, mem, hub, c)
	assert.NoError(t, p.CatchUp(ctx))
	assert.Equal(t, eventway.Live, p.State())
	assert.Equal(t, int64(10), p.Offset())
	assert.Equal(t, 0, c.total())

	seedUser(t, store, id, "ada", 1)
	assert.NoError(t, hub.Flush(ctx))

	assert.Equal(t, 1, c.count(11))
	assert.Equal(t, int64(11), p.Offset())
	md, err := mem.GetMetadata(ctx, "users")
	assert.NoError(t, err)
	assert.Equal(t, int64(11), md.EventOffset)
}

func TestCatchUpFromZero(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	store := newUserStore(mem, 50)
	a, b := uuid.New(), uuid.New()
	seedUser(t, store, a, "ada", 3)
	seedUser(t, store, b, "grace", 2)

	c := newViewCounter()
	p := newUserProjection("users", mem, mem, nil, c,
		eventway.WithProjectionConfig(eventway.ProjectionConfig{
			CatchUpPolicy: eventway.ReplayAll,
			PageSize:      2,
		}),
	)

	_, err := mem.GetMetadata(ctx, "users")
	assert.ErrorIs(t, err, eventway.ErrProjectionNotFound)

	assert.NoError(t, p.CatchUp(ctx, userType))
	assert.Equal(t, 7, c.total())
	assert.Equal(t, int64(7), p.Offset())

	md, err := mem.GetMetadata(ctx, "users")
	assert.NoError(t, err)
	assert.Equal(t, int64(7), md.EventOffset)

	v, err := eventway.GetModel[userView](ctx, mem, a)
	assert.NoError(t, err)
	assert.Equal(t, "ada", v.Name)
	assert.Equal(t, 3, v.Logins)

	// nothing new: a second catch-up is a no-op
	assert.NoError(t, p.CatchUp(ctx, userType))
	assert.Equal(t, 7, c.total())
	assert.Equal(t, int64(7), p.Offset())
}

func TestCatchUpStartAtHead(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	hub := eventway.NewHub(newRegistry())
	defer func() { _ = hub.Close() }()

	store := newUserStore(mem, 50, eventway.WithPublisher(hub))
	id := uuid.New()
	seedUser(t, store, id, "ada", 4)

	c := newViewCounter()
	p := newUserProjection("users", mem, mem, hub, c,
		eventway.WithProjectionConfig(eventway.ProjectionConfig{
			CatchUpPolicy: eventway.StartAtHead,
		}),
	)
	assert.NoError(t, p.CatchUp(ctx))
	assert.Equal(t, 0, c.total())
	assert.Equal(t, int64(5), p.Offset())

	seedUser(t, store, id, "ada", 1)
	assert.NoError(t, hub.Flush(ctx))
	assert.Equal(t, 1, c.total())
	assert.Equal(t, 1, c.count(6))
	assert.Equal(t, int64(6), p.Offset())
}

func TestCatchUpReplayAllIncludesBacklog(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	seedUser(t, newUserStore(mem, 50), uuid.New(), "ada", 4)

	c := newViewCounter()
	p := newUserProjection("users", mem, mem, nil, c)
	assert.NoError(t, p.CatchUp(ctx))
	assert.Equal(t, 5, c.total())
	assert.Equal(t, int64(5), p.Offset())
}

func TestHandlerFailureStopsProjection(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	hub := eventway.NewHub(newRegistry())
	defer func() { _ = hub.Close() }()
	store := newUserStore(mem, 50, eventway.WithPublisher(hub))
	id := uuid.New()
	seedUser(t, store, id, "ada", 3)

	core, logs := observer.New(zapcore.ErrorLevel)
	c := newViewCounter()
	c.fail[3] = true
	p := newUserProjection("users", mem, mem, hub, c,
		eventway.WithProjectionLogger(zap.New(core)),
	)

	err := p.CatchUp(ctx)
	var hErr *eventway.HandlerError
	require.True(t, errors.As(err, &hErr))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int64(3), hErr.Ordering)
	assert.Equal(t, "users", hErr.ProjectionID)
	assert.Equal(t, eventway.EventType("user_logged_in"), hErr.EventType)

	assert.Equal(t, eventway.Faulted, p.State())
	assert.Equal(t, int64(2), p.Offset())
	assert.Equal(t, 0, c.count(4))
	entries := logs.FilterMessage("Projection handler failed").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "users", fields["projection_id"])
		assert.Equal(t, "user_logged_in", fields["event_type"])
	}

	// pushes are ignored while faulted
	seedUser(t, store, id, "ada", 1)
	assert.NoError(t, hub.Flush(ctx))
	assert.Equal(t, 0, c.count(5))
	assert.Equal(t, int64(2), p.Offset())

	// resuming picks up from the last good offset
	delete(c.fail, 3)
	assert.NoError(t, p.CatchUp(ctx))
	assert.Equal(t, eventway.Live, p.State())
	assert.Equal(t, int64(5), p.Offset())
	for ord := int64(1); ord <= 5; ord++ {
		assert.Equal(t, 1, c.count(ord))
	}
}

func TestPushDuringCatchUpIsBuffered(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	reg := newRegistry()
	store := newUserStore(mem, 50)
	id := uuid.New()
	seedUser(t, store, id, "ada", 1)

	listener := newCaptureListener()
	c := newViewCounter()
	events := &hookedEvents{Store: mem}
	p := newUserProjection("users", events, mem, listener, c)

	events.before = func() {
		// one event lands in the log and is pushed, one is only pushed
		u, err := store.Load(ctx, id)
		require.NoError(t, err)
		require.NoError(t, u.Tell(&LogIn{}))
		require.NoError(t, store.Save(ctx, u))

		raw, err := mem.GetEvents(ctx, 2, 0)
		require.NoError(t, err)
		pushed, err := reg.Decode(raw[0])
		require.NoError(t, err)

		only := &eventway.OrderedEvent{
			Payload:     &UserLoggedIn{},
			AggregateID: id,
			Ordering:    4,
			Version:     4,
		}
		push := listener.single["user_logged_in"]
		require.NoError(t, push(ctx, pushed))
		require.NoError(t, push(ctx, only))
		assert.Equal(t, eventway.CatchingUp, p.State())
		assert.Equal(t, 0, c.total())
	}

	assert.NoError(t, p.CatchUp(ctx))
	assert.Equal(t, eventway.Live, p.State())
	for ord := int64(1); ord <= 4; ord++ {
		assert.Equal(t, 1, c.count(ord), "ordering %d", ord)
	}
	assert.Equal(t, int64(4), p.Offset())
}

func TestPushWhileIdleIsDropped(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	listener := newCaptureListener()
	c := newViewCounter()
	newUserProjection("users", mem, mem, listener, c)

	push := listener.single["user_logged_in"]
	assert.NoError(t, push(ctx, &eventway.OrderedEvent{
		Payload: &UserLoggedIn{}, Ordering: 1,
	}))
	assert.Equal(t, 0, c.total())
}

func TestLivePushFillsGapFromLog(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	reg := newRegistry()
	listener := newCaptureListener()
	c := newViewCounter()
	p := newUserProjection("users", mem, mem, listener, c)
	assert.NoError(t, p.CatchUp(ctx))

	store := newUserStore(mem, 50)
	id := uuid.New()
	seedUser(t, store, id, "ada", 2)

	// only the last event is pushed; the first two are still in flight
	raw, err := mem.GetEvents(ctx, 2, 0)
	require.NoError(t, err)
	last, err := reg.Decode(raw[0])
	require.NoError(t, err)
	assert.NoError(t, listener.single["user_logged_in"](ctx, last))

	assert.Equal(t, 3, c.total())
	assert.Equal(t, int64(3), p.Offset())

	v, err := eventway.GetModel[userView](ctx, mem, id)
	assert.NoError(t, err)
	assert.Equal(t, "ada", v.Name)
	assert.Equal(t, 2, v.Logins)
}

func TestProcessEventDedupAndNoHandler(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	c := newViewCounter()
	p := newUserProjection("users", mem, mem, nil, c)
	id := uuid.New()

	ev := &eventway.OrderedEvent{
		Payload: &UserLoggedIn{}, AggregateID: id, Ordering: 1,
	}
	assert.NoError(t, p.ProcessEvent(ctx, ev))
	assert.NoError(t, p.ProcessEvent(ctx, ev))
	assert.Equal(t, 1, c.count(1))

	assert.NoError(t, p.ProcessEvent(ctx, &eventway.OrderedEvent{
		Payload: &AvatarChanged{}, AggregateID: id, Ordering: 2,
	}))
	assert.Equal(t, int64(1), p.Offset())
}

func TestProcessEventFillsFromLog(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	reg := newRegistry()
	seedUser(t, newUserStore(mem, 50), uuid.New(), "ada", 4)

	c := newViewCounter()
	p := newUserProjection("users", mem, mem, nil, c)

	// the newest event arrives before anything else has been applied
	raw, err := mem.GetEvents(ctx, 4, 0)
	require.NoError(t, err)
	last, err := reg.Decode(raw[0])
	require.NoError(t, err)
	assert.NoError(t, p.ProcessEvent(ctx, last))
	assert.Equal(t, int64(5), p.Offset())

	assert.NoError(t, p.CatchUp(ctx, userType))
	assert.Equal(t, 5, c.total())
	for ord := int64(1); ord <= 5; ord++ {
		assert.Equal(t, 1, c.count(ord), "ordering %d", ord)
	}
}

func TestProcessEventPagesThroughGap(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	reg := newRegistry()
	seedUser(t, newUserStore(mem, 50), uuid.New(), "ada", 6)

	c := newViewCounter()
	p := newUserProjection("users", mem, mem, nil, c,
		eventway.WithProjectionConfig(eventway.ProjectionConfig{
			PageSize: 2,
		}),
	)

	raw, err := mem.GetEvents(ctx, 6, 0)
	require.NoError(t, err)
	last, err := reg.Decode(raw[0])
	require.NoError(t, err)
	assert.NoError(t, p.ProcessEvent(ctx, last))
	assert.Equal(t, 7, c.total())
	assert.Equal(t, int64(7), p.Offset())
}

func TestProcessEventWhileFaulted(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	seedUser(t, newUserStore(mem, 50), uuid.New(), "ada", 1)

	c := newViewCounter()
	c.fail[2] = true
	p := newUserProjection("users", mem, mem, nil, c)
	assert.ErrorIs(t, p.CatchUp(ctx), errBoom)

	err := p.ProcessEvent(ctx, &eventway.OrderedEvent{
		Payload: &UserLoggedIn{}, Ordering: 3,
	})
	assert.ErrorIs(t, err, eventway.ErrProjectionFaulted)
	assert.Equal(t, 0, c.count(3))
	assert.Equal(t, int64(1), p.Offset())
}

func TestBatchHandlerAdvancesOnce(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	reg := newRegistry()
	hub := eventway.NewHub(reg)
	defer func() { _ = hub.Close() }()
	metrics := eventway.NewMetrics(prometheus.NewRegistry())

	p := eventway.NewProjection("logins", mem, hub, reg, mem, mem,
		eventway.WithProjectionMetrics(metrics),
	)
	var sizes []int
	var orderings []int64
	eventway.HandleBatch(p, func(
		_ context.Context, evs []*UserLoggedIn, s *eventway.QueryModelStore,
	) error {
		sizes = append(sizes, len(evs))
		orderings = append(orderings, s.Ordering())
		assert.Equal(t, "logins", s.ProjectionID())
		return nil
	})
	assert.NoError(t, p.CatchUp(ctx))

	store := newUserStore(mem, 50, eventway.WithPublisher(hub))
	seedUser(t, store, uuid.New(), "ada", 4)
	assert.NoError(t, hub.Flush(ctx))

	assert.Equal(t, []int{4}, sizes)
	assert.Equal(t, []int64{5}, orderings)
	assert.Equal(t, int64(5), p.Offset())
	assert.Equal(t, 4.0, testutil.ToFloat64(
		metrics.ProjectionEvents.WithLabelValues("logins", "ok"),
	))
	assert.Equal(t, 5.0, testutil.ToFloat64(
		metrics.ProjectionOffset.WithLabelValues("logins"),
	))
}

func TestRunProjections(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	seedUser(t, newUserStore(mem, 50), uuid.New(), "ada", 2)

	c1, c2 := newViewCounter(), newViewCounter()
	p1 := newUserProjection("one", mem, mem, nil, c1)
	p2 := newUserProjection("two", mem, mem, nil, c2)

	err := eventway.RunProjections(ctx, []eventway.AggregateType{userType},
		p1, p2,
	)
	assert.NoError(t, err)
	assert.Equal(t, 3, c1.total())
	assert.Equal(t, 3, c2.total())
	assert.Equal(t, int64(3), p1.Offset())
	assert.Equal(t, int64(3), p2.Offset())

	c2.fail[4] = true
	seedUser(t, newUserStore(mem, 50), uuid.New(), "grace", 0)
	err = eventway.RunProjections(ctx, nil, p1, p2)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, int64(4), p1.Offset())
}

func TestProjectionStateString(t *testing.T) {
	assert.Equal(t, "idle", eventway.Idle.String())
	assert.Equal(t, "catching_up", eventway.CatchingUp.String())
	assert.Equal(t, "live", eventway.Live.String())
	assert.Equal(t, "faulted", eventway.Faulted.String())
}
