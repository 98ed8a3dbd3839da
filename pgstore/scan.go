package pgstore

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kode4food/eventway"
)

const (
	eventColumns = `sequence, event_id, aggregate_type, aggregate_id,
		version, event_type, created, payload, metadata`

	snapshotColumns = `aggregate_type, aggregate_id, version, event_id,
		created, state`

	documentColumns = `model_type, model_id, data`
)

func collectEvents(rows pgx.Rows) ([]*eventway.Event, error) {
	res, err := pgx.CollectRows(rows,
		func(row pgx.CollectableRow) (*eventway.Event, error) {
			return scanEvent(row)
		},
	)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []*eventway.Event{}
	}
	return res, nil
}

func scanEvent(row pgx.Row) (*eventway.Event, error) {
	var (
		ev        eventway.Event
		aggType   string
		eventType string
		created   time.Time
		payload   []byte
		metadata  []byte
	)
	err := row.Scan(
		&ev.Sequence, &ev.EventID, &aggType, &ev.AggregateID, &ev.Version,
		&eventType, &created, &payload, &metadata,
	)
	if err != nil {
		return nil, err
	}
	ev.AggregateType = eventway.AggregateType(aggType)
	ev.EventType = eventway.EventType(eventType)
	ev.Created = created.UTC()
	ev.Payload = json.RawMessage(payload)
	if len(metadata) > 0 {
		ev.Metadata = json.RawMessage(metadata)
	}
	return &ev, nil
}

func scanSnapshot(row pgx.Row) (*eventway.Snapshot, error) {
	var (
		snap    eventway.Snapshot
		aggType string
		created time.Time
		state   []byte
	)
	err := row.Scan(
		&aggType, &snap.AggregateID, &snap.Version, &snap.EventID,
		&created, &state,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eventway.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.AggregateType = eventway.AggregateType(aggType)
	snap.Created = created.UTC()
	snap.State = json.RawMessage(state)
	return &snap, nil
}

func collectDocuments(rows pgx.Rows) ([]*eventway.Document, error) {
	res, err := pgx.CollectRows(rows,
		func(row pgx.CollectableRow) (*eventway.Document, error) {
			return scanDocument(row)
		},
	)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []*eventway.Document{}
	}
	return res, nil
}

func scanDocument(row pgx.Row) (*eventway.Document, error) {
	var (
		typ, id string
		data    []byte
	)
	if err := row.Scan(&typ, &id, &data); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return &eventway.Document{
		Type: eventway.ModelType(typ),
		ID:   parsed,
		Data: json.RawMessage(data),
	}, nil
}
