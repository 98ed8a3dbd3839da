package eventway

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Projection derives query models from the event log. It consumes push
	// deliveries from an EventListener and catches up from an
	// EventRepository, applying each Ordering at most once
	Projection struct {
		events   EventRepository
		listener EventListener
		registry *Registry
		models   QueryModelRepository
		metadata MetadataRepository
		handlers map[EventType]*projectionHandler
		log      *zap.Logger
		metrics  *Metrics
		id       string
		policy   CatchUpPolicy
		types    []AggregateType
		pending  []*OrderedEvent
		pageSize int
		offset   int64
		cursor   int64
		state    ProjectionState
		loaded   bool
		mu       sync.Mutex
	}

	// ProjectionOption configures a Projection
	ProjectionOption func(*Projection)

	// ProjectionState is the position of a Projection in its lifecycle
	ProjectionState int

	projectionHandler struct {
		apply func(context.Context, []*OrderedEvent, *QueryModelStore) error
		batch bool
	}
)

const (
	// Idle projections have not caught up; pushes are dropped because the
	// events are already durable and the next catch-up will read them
	Idle ProjectionState = iota

	// CatchingUp projections buffer pushes until the log is drained
	CatchingUp

	// Live projections apply pushes as they arrive
	Live

	// Faulted projections stopped on a handler failure and ignore pushes
	// until the next CatchUp
	Faulted
)

// NewProjection returns an Idle projection. Handlers are registered with
// Handle and HandleBatch before the first CatchUp
func NewProjection(
	id string, events EventRepository, listener EventListener,
	reg *Registry, models QueryModelRepository, md MetadataRepository,
	opts ...ProjectionOption,
) *Projection {
	p := &Projection{
		id:       id,
		events:   events,
		listener: listener,
		registry: reg,
		models:   models,
		metadata: md,
		handlers: map[EventType]*projectionHandler{},
		log:      zap.NewNop(),
		policy:   ReplayAll,
		pageSize: DefaultPageSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func WithProjectionLogger(log *zap.Logger) ProjectionOption {
	return func(p *Projection) {
		if log != nil {
			p.log = log
		}
	}
}

func WithProjectionMetrics(m *Metrics) ProjectionOption {
	return func(p *Projection) {
		p.metrics = m
	}
}

// WithProjectionConfig applies the catch-up policy and page size
func WithProjectionConfig(cfg ProjectionConfig) ProjectionOption {
	return func(p *Projection) {
		if cfg.CatchUpPolicy != "" {
			p.policy = cfg.CatchUpPolicy
		}
		p.pageSize = cfg.PageSize
	}
}

// Handle registers the handler for event type T and subscribes it to push
// delivery
func Handle[T any, P PayloadPtr[T]](
	p *Projection, fn func(context.Context, P, *QueryModelStore) error,
) {
	typ := P(new(T)).EventType()
	p.register(typ, &projectionHandler{
		apply: func(
			ctx context.Context, evs []*OrderedEvent, s *QueryModelStore,
		) error {
			ev, ok := evs[0].Payload.(P)
			if !ok {
				return ErrUnexpectedResult
			}
			return fn(ctx, ev, s)
		},
	})
	if p.listener != nil {
		p.listener.Subscribe(typ, p.onPush)
	}
}

// HandleBatch registers a handler that receives consecutive events of type
// T together. The projection advances once per batch, to the batch's
// highest Ordering
func HandleBatch[T any, P PayloadPtr[T]](
	p *Projection, fn func(context.Context, []P, *QueryModelStore) error,
) {
	typ := P(new(T)).EventType()
	p.register(typ, &projectionHandler{
		batch: true,
		apply: func(
			ctx context.Context, evs []*OrderedEvent, s *QueryModelStore,
		) error {
			res := make([]P, 0, len(evs))
			for _, oe := range evs {
				ev, ok := oe.Payload.(P)
				if !ok {
					return ErrUnexpectedResult
				}
				res = append(res, ev)
			}
			return fn(ctx, res, s)
		},
	})
	if p.listener != nil {
		p.listener.SubscribeBatch(typ, p.onPushBatch)
	}
}

func (p *Projection) register(typ EventType, h *projectionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[typ] = h
}

func (p *Projection) ID() string {
	return p.id
}

func (p *Projection) State() ProjectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Offset is the highest Ordering this projection has fully applied
func (p *Projection) Offset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// ProcessEvent delivers a single event as if it had been pushed. An event
// with no handler, or one at or below the offset, is a no-op
func (p *Projection) ProcessEvent(ctx context.Context, oe *OrderedEvent) error {
	return p.ProcessBatch(ctx, []*OrderedEvent{oe})
}

// ProcessBatch delivers events through the same reconciliation as pushes.
// They are buffered during catch-up, and any Orderings missing between the
// offset and the events are read from the log first. A Faulted projection
// refuses them until the next CatchUp
func (p *Projection) ProcessBatch(
	ctx context.Context, evs []*OrderedEvent,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Faulted:
		return ErrProjectionFaulted
	case CatchingUp:
		p.pending = append(p.pending, evs...)
		return nil
	}
	if err := p.loadLocked(ctx); err != nil {
		return err
	}
	return p.deliverLocked(ctx, evs)
}

// CatchUp replays the log for the given aggregate types (all types when
// none are given) from the persisted offset, then switches to Live. Pushes
// that arrive meanwhile are buffered and applied at the live edge
func (p *Projection) CatchUp(ctx context.Context, types ...AggregateType) error {
	if err := p.beginCatchUp(ctx, types); err != nil {
		return err
	}

	for {
		p.mu.Lock()
		since := p.cursor
		p.mu.Unlock()

		raw, err := p.events.GetEvents(ctx, since, p.pageSize, types...)
		if err != nil {
			return p.abortCatchUp(err)
		}
		evs, err := p.registry.DecodeAll(raw)
		if err != nil {
			return p.abortCatchUp(err)
		}

		p.mu.Lock()
		err = p.applyAllLocked(ctx, evs)
		p.mu.Unlock()
		if err != nil {
			return err
		}

		if p.pageSize <= 0 || len(raw) < p.pageSize {
			break
		}
	}

	return p.goLive(ctx)
}

func (p *Projection) beginCatchUp(
	ctx context.Context, types []AggregateType,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loaded = false
	if err := p.loadLocked(ctx); err != nil {
		return err
	}
	if p.offset == 0 && p.policy == StartAtHead {
		head, err := p.events.Head(ctx)
		if err != nil {
			return err
		}
		if err := p.advanceLocked(ctx, head); err != nil {
			return err
		}
	}

	p.types = slices.Clone(types)
	p.pending = nil
	p.state = CatchingUp
	p.log.Info("Projection catching up",
		zap.String("projection_id", p.id),
		zap.Int64("offset", p.offset),
	)
	return nil
}

func (p *Projection) abortCatchUp(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Faulted
	p.pending = nil
	p.log.Error("Projection catch-up failed",
		zap.String("projection_id", p.id),
		zap.Int64("offset", p.offset),
		zap.Error(err),
	)
	return err
}

func (p *Projection) goLive(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := p.pending
	p.pending = nil
	slices.SortStableFunc(pending, func(a, b *OrderedEvent) int {
		return cmpInt64(a.Ordering, b.Ordering)
	})
	if err := p.applyAllLocked(ctx, pending); err != nil {
		return err
	}

	p.state = Live
	p.log.Info("Projection live",
		zap.String("projection_id", p.id),
		zap.Int64("offset", p.offset),
	)
	return nil
}

func (p *Projection) onPush(ctx context.Context, oe *OrderedEvent) error {
	return p.onPushBatch(ctx, []*OrderedEvent{oe})
}

func (p *Projection) onPushBatch(
	ctx context.Context, evs []*OrderedEvent,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case Idle, Faulted:
		p.metrics.projectionEvent(p.id, outcomeSkipped, len(evs))
		return nil
	case CatchingUp:
		p.pending = append(p.pending, evs...)
		return nil
	}

	return p.deliverLocked(ctx, evs)
}

// deliverLocked applies events, first reading the log when they do not
// follow directly on from the cursor
func (p *Projection) deliverLocked(
	ctx context.Context, evs []*OrderedEvent,
) error {
	var lo, hi int64
	for _, oe := range evs {
		if oe.Ordering <= p.cursor {
			continue
		}
		if lo == 0 || oe.Ordering < lo {
			lo = oe.Ordering
		}
		hi = max(hi, oe.Ordering)
	}
	if lo > p.cursor+1 {
		// an earlier event may still be in flight; the log is authoritative
		filled, err := p.fillFromLogLocked(ctx, evs, hi)
		if err != nil {
			return err
		}
		evs = filled
	}
	return p.applyAllLocked(ctx, evs)
}

// fillFromLogLocked merges pushed events with the log from the cursor up to
// at least ordering hi, reading one page at a time
func (p *Projection) fillFromLogLocked(
	ctx context.Context, pushed []*OrderedEvent, hi int64,
) ([]*OrderedEvent, error) {
	var fromLog []*OrderedEvent
	for since := p.cursor; since < hi; {
		raw, err := p.events.GetEvents(ctx, since, p.pageSize, p.types...)
		if err != nil {
			return nil, err
		}
		evs, err := p.registry.DecodeAll(raw)
		if err != nil {
			return nil, err
		}
		fromLog = append(fromLog, evs...)
		if len(evs) == 0 || p.pageSize <= 0 || len(evs) < p.pageSize {
			break
		}
		since = evs[len(evs)-1].Ordering
	}

	seen := make(map[int64]bool, len(fromLog))
	res := make([]*OrderedEvent, 0, len(fromLog)+len(pushed))
	for _, oe := range fromLog {
		seen[oe.Ordering] = true
		res = append(res, oe)
	}
	for _, oe := range pushed {
		if !seen[oe.Ordering] {
			res = append(res, oe)
		}
	}
	slices.SortStableFunc(res, func(a, b *OrderedEvent) int {
		return cmpInt64(a.Ordering, b.Ordering)
	})
	return res, nil
}

func (p *Projection) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}

	md, err := p.metadata.GetMetadata(ctx, p.id)
	if errors.Is(err, ErrProjectionNotFound) {
		md = &ProjectionMetadata{
			ProjectionID: p.id,
			Updated:      time.Now().UTC(),
		}
		err = p.metadata.SaveMetadata(ctx, md)
	}
	if err != nil {
		return err
	}

	p.offset = md.EventOffset
	p.cursor = md.EventOffset
	p.loaded = true
	p.metrics.projectionOffset(p.id, p.offset)
	return nil
}

func (p *Projection) applyAllLocked(
	ctx context.Context, evs []*OrderedEvent,
) error {
	var fresh []*OrderedEvent
	for _, oe := range evs {
		if oe.Ordering > p.cursor {
			fresh = append(fresh, oe)
		}
	}
	if skipped := len(evs) - len(fresh); skipped > 0 {
		p.metrics.projectionEvent(p.id, outcomeSkipped, skipped)
	}
	slices.SortStableFunc(fresh, func(a, b *OrderedEvent) int {
		return cmpInt64(a.Ordering, b.Ordering)
	})

	for _, run := range splitRuns(fresh) {
		h, ok := p.handlers[run[0].Payload.EventType()]
		if !ok {
			// nothing to apply, but the position has been seen
			p.cursor = max(p.cursor, run[len(run)-1].Ordering)
			continue
		}
		if h.batch {
			if err := p.applyLocked(ctx, h, run); err != nil {
				return err
			}
			continue
		}
		for _, oe := range run {
			err := p.applyLocked(ctx, h, []*OrderedEvent{oe})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Projection) applyLocked(
	ctx context.Context, h *projectionHandler, evs []*OrderedEvent,
) error {
	last := evs[len(evs)-1]
	if last.Ordering <= p.cursor {
		return nil
	}

	s := &QueryModelStore{
		QueryModelRepository: p.models,
		projection:           p,
		ordering:             last.Ordering,
	}
	err := h.apply(ctx, evs, s)
	if err == nil {
		err = s.commit(ctx)
	}
	if err != nil {
		return p.faultLocked(last, err)
	}

	p.metrics.projectionEvent(p.id, outcomeOK, len(evs))
	return nil
}

func (p *Projection) faultLocked(oe *OrderedEvent, err error) error {
	p.state = Faulted
	p.pending = nil
	p.metrics.projectionEvent(p.id, outcomeError, 1)

	typ := oe.Payload.EventType()
	p.log.Error("Projection handler failed",
		zap.String("projection_id", p.id),
		zap.String("event_type", string(typ)),
		zap.Int64("ordering", oe.Ordering),
		zap.Int64("offset", p.offset),
		zap.Error(err),
	)
	return &HandlerError{
		ProjectionID: p.id,
		EventType:    typ,
		Ordering:     oe.Ordering,
		Err:          err,
	}
}

// advanceLocked durably records ordering as fully applied. Offsets never
// move backwards
func (p *Projection) advanceLocked(ctx context.Context, ordering int64) error {
	if ordering <= p.offset {
		return nil
	}
	md := &ProjectionMetadata{
		ProjectionID: p.id,
		EventOffset:  ordering,
		Updated:      time.Now().UTC(),
	}
	if err := p.metadata.SaveMetadata(ctx, md); err != nil {
		return err
	}
	p.offset = ordering
	p.cursor = max(p.cursor, ordering)
	p.metrics.projectionOffset(p.id, ordering)
	return nil
}

// RunProjections catches up several projections concurrently and returns
// the first failure
func RunProjections(
	ctx context.Context, types []AggregateType, ps ...*Projection,
) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range ps {
		g.Go(func() error {
			return p.CatchUp(ctx, types...)
		})
	}
	return g.Wait()
}

func (s ProjectionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case CatchingUp:
		return "catching_up"
	case Live:
		return "live"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
