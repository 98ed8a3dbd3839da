package eventway

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// Aggregate is the event-sourced core embedded by concrete aggregates.
	// It dispatches commands, applies events, tracks uncommitted events, and
	// offers snapshots. It is not safe for concurrent use
	Aggregate struct {
		snapshotter  Snapshotter
		log          *zap.Logger
		unhandled    func(Payload)
		commands     map[CommandType]commandHandler
		appliers     map[EventType]func(Payload)
		typ          AggregateType
		uncommitted  []Payload
		version      int64
		snapshotSize int64
		id           uuid.UUID
	}

	// Root is implemented by any type embedding *Aggregate
	Root interface {
		Base() *Aggregate
	}

	// Snapshotter lets an aggregate materialize and restore its own state.
	// A nil state from GetState means no snapshot is available right now
	Snapshotter interface {
		GetState() (json.RawMessage, error)
		SetState(json.RawMessage) error
	}

	// AggregateOption configures an Aggregate at construction
	AggregateOption func(*Aggregate)
)

// NewAggregate returns an empty aggregate at Version 0
func NewAggregate(
	id uuid.UUID, typ AggregateType, opts ...AggregateOption,
) *Aggregate {
	a := &Aggregate{
		id:           id,
		typ:          typ,
		log:          zap.NewNop(),
		snapshotSize: DefaultSnapshotSize,
		commands:     map[CommandType]commandHandler{},
		appliers:     map[EventType]func(Payload){},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// WithSnapshotSize sets the number of domain events between snapshots. A
// size of zero or less disables snapshot offers
func WithSnapshotSize(size int64) AggregateOption {
	return func(a *Aggregate) {
		a.snapshotSize = size
	}
}

// WithAggregateConfig applies the shared Config's snapshot size
func WithAggregateConfig(cfg Config) AggregateOption {
	return WithSnapshotSize(cfg.SnapshotSize)
}

func WithAggregateLogger(log *zap.Logger) AggregateOption {
	return func(a *Aggregate) {
		if log != nil {
			a.log = log
		}
	}
}

func WithSnapshotter(s Snapshotter) AggregateOption {
	return func(a *Aggregate) {
		a.snapshotter = s
	}
}

// WithUnhandled installs a hook called for events that have no applier
func WithUnhandled(fn func(Payload)) AggregateOption {
	return func(a *Aggregate) {
		a.unhandled = fn
	}
}

// Base implements Root
func (a *Aggregate) Base() *Aggregate {
	return a
}

func (a *Aggregate) ID() uuid.UUID {
	return a.id
}

func (a *Aggregate) Type() AggregateType {
	return a.typ
}

// Version is the number of events applied, snapshot offers included
func (a *Aggregate) Version() int64 {
	return a.version
}

// ExpectedVersion is the stream head this aggregate was loaded at
func (a *Aggregate) ExpectedVersion() int64 {
	return a.version - int64(len(a.uncommitted))
}

func (a *Aggregate) SnapshotSize() int64 {
	return a.snapshotSize
}

// UncommittedEvents returns events published since the last save
func (a *Aggregate) UncommittedEvents() []Payload {
	return a.uncommitted
}

// ClearUncommittedEvents is called by a Store once the events are durable
func (a *Aggregate) ClearUncommittedEvents() {
	a.uncommitted = nil
}

// Publish records a new event, applies it, then records any follow-up
// events it causes. A domain event may cause one SnapshotOffer; an offer
// never causes anything
func (a *Aggregate) Publish(p Payload) {
	a.record(p)
	for _, f := range a.followUps(p) {
		a.record(f)
	}
}

func (a *Aggregate) record(p Payload) {
	attachIdentity(p, a.typ, a.id)
	a.uncommitted = append(a.uncommitted, p)
	if _, ok := p.(*SnapshotOffer); ok {
		// the offer was taken from current state; nothing to restore
		a.version++
		return
	}
	_ = a.ApplyOne(p)
}

func (a *Aggregate) followUps(p Payload) []Payload {
	if _, ok := p.(*SnapshotOffer); ok {
		return nil
	}
	if a.snapshotter == nil || !snapshotDue(a.version, a.snapshotSize) {
		return nil
	}

	state, err := a.snapshotter.GetState()
	if err != nil {
		a.log.Error("Failed to take snapshot state",
			zap.String("aggregate_type", string(a.typ)),
			zap.Stringer("aggregate_id", a.id),
			zap.Int64("version", a.version),
			zap.Error(err),
		)
		return nil
	}
	if len(state) == 0 {
		return nil
	}
	return []Payload{&SnapshotOffer{State: state}}
}

// ApplyOne advances Version and mutates state through the registered
// applier. An event with no applier is not an error; it is reported to the
// Unhandled hook. The only failure is a SnapshotOffer that cannot be
// restored
func (a *Aggregate) ApplyOne(p Payload) error {
	a.version++

	if apply, ok := a.appliers[p.EventType()]; ok {
		apply(p)
		return nil
	}

	if so, ok := p.(*SnapshotOffer); ok {
		if a.snapshotter == nil {
			return nil
		}
		return a.snapshotter.SetState(so.State)
	}

	a.log.Warn("No applier for event",
		zap.String("event_type", string(p.EventType())),
		zap.String("aggregate_type", string(a.typ)),
		zap.Stringer("aggregate_id", a.id),
		zap.Int64("version", a.version),
	)
	if a.unhandled != nil {
		a.unhandled(p)
	}
	return nil
}

// ApplyMany applies events in the order given
func (a *Aggregate) ApplyMany(ps []Payload) error {
	for _, p := range ps {
		if err := a.ApplyOne(p); err != nil {
			return err
		}
	}
	return nil
}
