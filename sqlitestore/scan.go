package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/kode4food/eventway"
)

const (
	eventColumns = `sequence, event_id, aggregate_type, aggregate_id,
		version, event_type, created, payload, metadata`

	snapshotColumns = `aggregate_type, aggregate_id, version, event_id,
		created, state`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvents(rows *sql.Rows) ([]*eventway.Event, error) {
	defer func() { _ = rows.Close() }()

	res := []*eventway.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func scanEvent(row rowScanner) (*eventway.Event, error) {
	var (
		ev        eventway.Event
		eventID   string
		aggType   string
		aggID     string
		eventType string
		created   int64
		payload   []byte
		metadata  []byte
	)
	err := row.Scan(
		&ev.Sequence, &eventID, &aggType, &aggID, &ev.Version,
		&eventType, &created, &payload, &metadata,
	)
	if err != nil {
		return nil, err
	}
	if ev.EventID, err = uuid.Parse(eventID); err != nil {
		return nil, err
	}
	if ev.AggregateID, err = uuid.Parse(aggID); err != nil {
		return nil, err
	}
	ev.AggregateType = eventway.AggregateType(aggType)
	ev.EventType = eventway.EventType(eventType)
	ev.Created = fromNanos(created)
	ev.Payload = json.RawMessage(payload)
	if len(metadata) > 0 {
		ev.Metadata = json.RawMessage(metadata)
	}
	return &ev, nil
}

func scanSnapshot(row rowScanner) (*eventway.Snapshot, error) {
	var (
		snap    eventway.Snapshot
		aggType string
		aggID   string
		eventID string
		created int64
		state   []byte
	)
	err := row.Scan(
		&aggType, &aggID, &snap.Version, &eventID, &created, &state,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventway.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	if snap.AggregateID, err = uuid.Parse(aggID); err != nil {
		return nil, err
	}
	if snap.EventID, err = uuid.Parse(eventID); err != nil {
		return nil, err
	}
	snap.AggregateType = eventway.AggregateType(aggType)
	snap.Created = fromNanos(created)
	snap.State = json.RawMessage(state)
	return &snap, nil
}

func scanDocuments(rows *sql.Rows) ([]*eventway.Document, error) {
	defer func() { _ = rows.Close() }()

	res := []*eventway.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, doc)
	}
	return res, rows.Err()
}

func scanDocument(row rowScanner) (*eventway.Document, error) {
	var (
		doc     eventway.Document
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
	doc.Type = eventway.ModelType(typ)
	doc.ID = parsed
	doc.Data = json.RawMessage(data)
	return &doc, nil
}
