package eventway

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Registry maps stable EventType keys to payload constructors. It is
	// the only way a persisted record can be turned back into a Payload
	Registry struct {
		kinds map[EventType]func() Payload
		mu    sync.RWMutex
	}

	// PayloadPtr constrains a payload type so the Registry can allocate it
	PayloadPtr[T any] interface {
		*T
		Payload
	}
)

// NewRegistry returns a Registry with SnapshotOffer pre-registered
func NewRegistry() *Registry {
	r := &Registry{
		kinds: map[EventType]func() Payload{},
	}
	Register[SnapshotOffer](r)
	return r
}

// Register associates the payload type T with the EventType it reports.
// Registering the same key again replaces the earlier constructor
func Register[T any, P PayloadPtr[T]](r *Registry) EventType {
	typ := P(new(T)).EventType()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[typ] = func() Payload { return P(new(T)) }
	return typ
}

// IsRegistered reports whether a decoder exists for the EventType
func (r *Registry) IsRegistered(typ EventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[typ]
	return ok
}

// Encode serializes the payload into a persisted Event record for the given
// aggregate stream position. Aggregate identity is carried by the envelope
// and never duplicated in the payload body
func (r *Registry) Encode(
	p Payload, typ AggregateType, id uuid.UUID, version int64,
) (*Event, error) {
	evType := p.EventType()
	if !r.IsRegistered(evType) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, evType)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return &Event{
		EventID:       NewEventID(),
		Created:       time.Now().UTC(),
		EventType:     evType,
		AggregateType: typ,
		AggregateID:   id,
		Version:       version,
		Payload:       data,
	}, nil
}

// Decode resolves the record's decoder key, deserializes the body, and
// re-attaches the envelope's aggregate identity to DomainEvent payloads
func (r *Registry) Decode(ev *Event) (*OrderedEvent, error) {
	r.mu.RLock()
	cons, ok := r.kinds[ev.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{
			EventID:   ev.EventID,
			EventType: ev.EventType,
			Err:       ErrUnknownEventType,
		}
	}

	p := cons()
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, p); err != nil {
			return nil, &DecodeError{
				EventID:   ev.EventID,
				EventType: ev.EventType,
				Err:       err,
			}
		}
	}
	attachIdentity(p, ev.AggregateType, ev.AggregateID)

	return &OrderedEvent{
		EventID:       ev.EventID,
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		Payload:       p,
		Created:       ev.Created,
		Ordering:      ev.Sequence,
		Version:       ev.Version,
	}, nil
}

// DecodeAll decodes records in order, failing on the first bad record so
// that no gap is silently introduced into a replay
func (r *Registry) DecodeAll(evs []*Event) ([]*OrderedEvent, error) {
	res := make([]*OrderedEvent, 0, len(evs))
	for _, ev := range evs {
		oe, err := r.Decode(ev)
		if err != nil {
			return nil, err
		}
		res = append(res, oe)
	}
	return res, nil
}
