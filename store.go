package eventway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

type (
	// Store loads aggregates by replaying their stream on top of the latest
	// usable snapshot, and saves their uncommitted events with an optimistic
	// concurrency check
	Store[A Root] struct {
		events    EventRepository
		snapshots SnapshotRepository
		registry  *Registry
		construct func(uuid.UUID) A
		publisher Publisher
		compactor *Compactor
		log       *zap.Logger
		tracer    trace.Tracer
		metrics   *Metrics
	}

	// StoreOption configures a Store
	StoreOption func(*storeOptions)

	storeOptions struct {
		publisher Publisher
		compactor *Compactor
		log       *zap.Logger
		tracers   trace.TracerProvider
		metrics   *Metrics
	}
)

const tracerName = "github.com/kode4food/eventway"

// WithPublisher forwards saved events, for example to a Hub
func WithPublisher(p Publisher) StoreOption {
	return func(o *storeOptions) {
		o.publisher = p
	}
}

// WithCompactor enqueues snapshot compaction after each saved snapshot
func WithCompactor(c *Compactor) StoreOption {
	return func(o *storeOptions) {
		o.compactor = c
	}
}

func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(o *storeOptions) {
		o.log = log
	}
}

func WithTracerProvider(tp trace.TracerProvider) StoreOption {
	return func(o *storeOptions) {
		o.tracers = tp
	}
}

func WithStoreMetrics(m *Metrics) StoreOption {
	return func(o *storeOptions) {
		o.metrics = m
	}
}

// NewStore returns a Store for one aggregate type. construct must return a
// fresh aggregate at Version 0 for the given ID. snaps may be nil
func NewStore[A Root](
	events EventRepository, snaps SnapshotRepository, reg *Registry,
	construct func(uuid.UUID) A, opts ...StoreOption,
) *Store[A] {
	o := &storeOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.tracers == nil {
		o.tracers = noop.NewTracerProvider()
	}

	return &Store[A]{
		events:    events,
		snapshots: snaps,
		registry:  reg,
		construct: construct,
		publisher: o.publisher,
		compactor: o.compactor,
		log:       o.log,
		tracer:    o.tracers.Tracer(tracerName),
		metrics:   o.metrics,
	}
}

// Registry returns the codec used to encode and decode this Store's events
func (s *Store[A]) Registry() *Registry {
	return s.registry
}

// Load rebuilds the aggregate from its latest snapshot and the events that
// follow it. An aggregate with no stored events comes back at Version 0
func (s *Store[A]) Load(ctx context.Context, id uuid.UUID) (A, error) {
	var zero A
	agg := s.construct(id)
	base := agg.Base()

	ctx, span := s.tracer.Start(ctx, "eventway.Store.Load",
		trace.WithAttributes(
			attribute.String("aggregate.type", string(base.Type())),
			attribute.String("aggregate.id", id.String()),
		),
	)
	defer span.End()

	from, err := s.restoreSnapshot(ctx, base)
	if err != nil {
		return zero, spanError(span, err)
	}

	evs, err := s.events.GetStream(ctx, base.Type(), id, from)
	if err != nil {
		return zero, spanError(span, err)
	}

	for _, ev := range evs {
		oe, err := s.registry.Decode(ev)
		if err != nil {
			return zero, spanError(span, err)
		}
		if oe.Version != base.version+1 {
			return zero, spanError(span, fmt.Errorf(
				"%w: %s/%s expected version %d, got %d",
				ErrStreamGap, base.Type(), id, base.version+1, oe.Version,
			))
		}
		if err := base.ApplyOne(oe.Payload); err != nil {
			return zero, spanError(span, err)
		}
	}

	span.SetAttributes(
		attribute.Int64("aggregate.version", base.Version()),
		attribute.Int("replayed", len(evs)),
	)
	return agg, nil
}

func (s *Store[A]) restoreSnapshot(
	ctx context.Context, base *Aggregate,
) (int64, error) {
	if s.snapshots == nil || base.snapshotter == nil {
		return 0, nil
	}

	snap, err := s.snapshots.GetLatest(ctx, base.Type(), base.ID())
	if errors.Is(err, ErrSnapshotNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	offer := &SnapshotOffer{State: snap.State}
	attachIdentity(offer, base.Type(), base.ID())
	base.version = snap.Version - 1
	if err := base.ApplyOne(offer); err != nil {
		return 0, fmt.Errorf("restore snapshot at version %d: %w",
			snap.Version, err,
		)
	}
	return snap.Version, nil
}

// Save appends the aggregate's uncommitted events. On a version conflict
// the events stay uncommitted and a *VersionConflictError is returned.
// Snapshot persistence and publishing happen after the append and only log
// their failures
func (s *Store[A]) Save(ctx context.Context, agg A) error {
	base := agg.Base()
	pending := base.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "eventway.Store.Save",
		trace.WithAttributes(
			attribute.String("aggregate.type", string(base.Type())),
			attribute.String("aggregate.id", base.ID().String()),
			attribute.Int("events", len(pending)),
		),
	)
	defer span.End()

	expected := base.ExpectedVersion()
	evs := make([]*Event, 0, len(pending))
	for i, p := range pending {
		ev, err := s.registry.Encode(
			p, base.Type(), base.ID(), expected+int64(i)+1,
		)
		if err != nil {
			s.metrics.aggregateSave(base.Type(), outcomeError, 0)
			return spanError(span, err)
		}
		evs = append(evs, ev)
	}

	err := s.events.Append(ctx, base.Type(), base.ID(), expected, evs)
	if err != nil {
		outcome := outcomeError
		if errors.Is(err, ErrVersionConflict) {
			outcome = outcomeConflict
		}
		s.metrics.aggregateSave(base.Type(), outcome, 0)
		return spanError(span, err)
	}

	s.saveSnapshots(ctx, evs)
	base.ClearUncommittedEvents()
	s.metrics.aggregateSave(base.Type(), outcomeOK, len(evs))
	span.SetAttributes(attribute.Int64("aggregate.version", base.Version()))

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, evs); err != nil {
			s.log.Error("Failed to publish saved events",
				zap.String("aggregate_type", string(base.Type())),
				zap.Stringer("aggregate_id", base.ID()),
				zap.Int("count", len(evs)),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Store[A]) saveSnapshots(ctx context.Context, evs []*Event) {
	if s.snapshots == nil {
		return
	}

	var latest *Event
	for _, ev := range evs {
		if ev.EventType != SnapshotOfferType {
			continue
		}
		oe, err := s.registry.Decode(ev)
		if err != nil {
			s.log.Error("Failed to decode snapshot offer", zap.Error(err))
			continue
		}
		snap := &Snapshot{
			AggregateType: ev.AggregateType,
			AggregateID:   ev.AggregateID,
			Version:       ev.Version,
			EventID:       ev.EventID,
			Created:       time.Now().UTC(),
			State:         oe.Payload.(*SnapshotOffer).State,
		}
		if err := s.snapshots.SaveSnapshot(ctx, snap); err != nil {
			s.log.Error("Failed to save snapshot",
				zap.String("aggregate_type", string(ev.AggregateType)),
				zap.Stringer("aggregate_id", ev.AggregateID),
				zap.Int64("version", ev.Version),
				zap.Error(err),
			)
			continue
		}
		latest = ev
	}

	if latest != nil && s.compactor != nil {
		s.compactor.Enqueue(
			latest.AggregateType, latest.AggregateID, latest.Version,
		)
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
