package eventway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// EventRepository is the append-only event log. Append assigns each
	// record a global Sequence and writes it back onto the passed events
	EventRepository interface {
		// Append persists evs at the end of the aggregate's stream if the
		// stream head is still at expected. A mismatch must be reported as
		// a *VersionConflictError
		Append(
			ctx context.Context, typ AggregateType, id uuid.UUID,
			expected int64, evs []*Event,
		) error

		// GetStream returns the aggregate's events with Version > from, in
		// ascending Version order
		GetStream(
			ctx context.Context, typ AggregateType, id uuid.UUID, from int64,
		) ([]*Event, error)

		// GetEvents returns up to limit events of the given aggregate types
		// (all types when none are given) with Sequence > since, ascending.
		// A limit of zero means no limit
		GetEvents(
			ctx context.Context, since int64, limit int, types ...AggregateType,
		) ([]*Event, error)

		// Head returns the highest Sequence in the log, or zero when empty
		Head(ctx context.Context) (int64, error)
	}

	// SnapshotRepository stores SnapshotOffers apart from the event log so
	// loads can skip most of a long stream
	SnapshotRepository interface {
		GetLatest(
			ctx context.Context, typ AggregateType, id uuid.UUID,
		) (*Snapshot, error)
		GetByVersion(
			ctx context.Context, typ AggregateType, id uuid.UUID, version int64,
		) (*Snapshot, error)
		SaveSnapshot(ctx context.Context, snap *Snapshot) error
		ClearBelowVersion(
			ctx context.Context, typ AggregateType, id uuid.UUID, version int64,
		) error
	}

	// MetadataRepository persists projection progress. SaveMetadata must
	// never lower a stored EventOffset
	MetadataRepository interface {
		GetMetadata(
			ctx context.Context, projectionID string,
		) (*ProjectionMetadata, error)
		SaveMetadata(ctx context.Context, md *ProjectionMetadata) error
	}

	// QueryModelRepository is keyed document storage for query models.
	// Documents of one ModelType are listed and paged in ID order
	QueryModelRepository interface {
		SaveModels(ctx context.Context, docs ...*Document) error
		GetModel(
			ctx context.Context, typ ModelType, id uuid.UUID,
		) (*Document, error)
		GetModels(
			ctx context.Context, typ ModelType, ids ...uuid.UUID,
		) ([]*Document, error)
		DeleteModels(
			ctx context.Context, typ ModelType, ids ...uuid.UUID,
		) error
		ListModels(ctx context.Context, typ ModelType) ([]*Document, error)
		PageModels(
			ctx context.Context, typ ModelType, after string, limit int,
		) ([]*Document, error)
		CountModels(ctx context.Context, typ ModelType) (int, error)
		ModelExists(
			ctx context.Context, typ ModelType, id uuid.UUID,
		) (bool, error)
		ClearModels(ctx context.Context, typ ModelType) error
	}

	// Publisher receives records after they are durably appended
	Publisher interface {
		Publish(ctx context.Context, evs []*Event) error
	}

	// EventListener push-delivers decoded events to subscribers. Deliveries
	// of one EventType preserve log order
	EventListener interface {
		Subscribe(typ EventType, h EventHandler)
		SubscribeBatch(typ EventType, h BatchHandler)
	}

	EventHandler func(context.Context, *OrderedEvent) error
	BatchHandler func(context.Context, []*OrderedEvent) error

	// Snapshot is the stored form of a SnapshotOffer
	Snapshot struct {
		Created       time.Time       `json:"created"`
		State         json.RawMessage `json:"state"`
		AggregateType AggregateType   `json:"aggregate_type"`
		Version       int64           `json:"version"`
		AggregateID   uuid.UUID       `json:"aggregate_id"`
		EventID       uuid.UUID       `json:"event_id"`
	}

	// ProjectionMetadata records the highest Ordering a projection has
	// fully applied
	ProjectionMetadata struct {
		Updated      time.Time `json:"updated"`
		ProjectionID string    `json:"projection_id"`
		EventOffset  int64     `json:"event_offset"`
	}

	// ModelType names a collection of query models
	ModelType string

	// Document is the stored form of a query model
	Document struct {
		Type ModelType       `json:"type"`
		Data json.RawMessage `json:"data"`
		ID   uuid.UUID       `json:"id"`
	}
)

// SortKey is the continuation token form of a Document's ID
func (d *Document) SortKey() string {
	return d.ID.String()
}
