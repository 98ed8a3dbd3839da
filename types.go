package eventway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type (
	// EventType is the decoder key persisted with every Event
	EventType string

	// AggregateType names a family of aggregate streams ("user", "order")
	AggregateType string

	// CommandType is the dispatch key for commands sent to an Aggregate
	CommandType string

	// Event is the persisted record for a single domain event
	Event struct {
		EventID       uuid.UUID       `json:"event_id"`
		Created       time.Time       `json:"created"`
		EventType     EventType       `json:"event_type"`
		AggregateType AggregateType   `json:"aggregate_type"`
		AggregateID   uuid.UUID       `json:"aggregate_id"`
		Version       int64           `json:"version"`
		Sequence      int64           `json:"sequence,omitempty"`
		Payload       json.RawMessage `json:"payload"`
		Metadata      json.RawMessage `json:"metadata,omitempty"`
	}

	// OrderedEvent pairs a decoded Payload with its position in the log.
	// Ordering is the global sequence assigned on append and serves as a
	// projection's catch-up cursor. Version is the per-stream sequence
	OrderedEvent struct {
		EventID       uuid.UUID
		AggregateID   uuid.UUID
		AggregateType AggregateType
		Payload       Payload
		Created       time.Time
		Ordering      int64
		Version       int64
	}

	// Payload is implemented by every event body. The returned EventType is
	// the stable key the Registry uses to decode persisted records
	Payload interface {
		EventType() EventType
	}

	// Command is implemented by every command an Aggregate can be told
	Command interface {
		CommandType() CommandType
	}

	// DomainEvent carries the identity of the aggregate that produced an
	// event. Embed it in payload structs; its fields are never serialized
	// into the payload body and are re-attached from the envelope on decode
	DomainEvent struct {
		AggregateID   uuid.UUID     `json:"-"`
		AggregateType AggregateType `json:"-"`
	}

	identified interface {
		setIdentity(AggregateType, uuid.UUID)
	}
)

// NewEventID returns a time-ordered identifier so that freshly appended
// records stay clustered in storage
func NewEventID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}

// Identity returns the aggregate type and ID attached to the event
func (d *DomainEvent) Identity() (AggregateType, uuid.UUID) {
	return d.AggregateType, d.AggregateID
}

func (d *DomainEvent) setIdentity(typ AggregateType, id uuid.UUID) {
	d.AggregateType = typ
	d.AggregateID = id
}

// IsSnapshot reports whether the event carries a SnapshotOffer
func (e *OrderedEvent) IsSnapshot() bool {
	_, ok := e.Payload.(*SnapshotOffer)
	return ok
}

func attachIdentity(p Payload, typ AggregateType, id uuid.UUID) {
	if d, ok := p.(identified); ok {
		d.setIdentity(typ, id)
	}
}
