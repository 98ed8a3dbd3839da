// Package storetest holds behavioral checks shared by every repository
// backend
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kode4food/eventway"
)

const (
	userType  eventway.AggregateType = "user"
	orderType eventway.AggregateType = "order"
	noteModel eventway.ModelType     = "note"
)

// NewEvents builds count raw records for an aggregate starting after from
func NewEvents(
	typ eventway.AggregateType, id uuid.UUID, from int64, count int,
) []*eventway.Event {
	res := make([]*eventway.Event, count)
	for i := range count {
		v := from + int64(i) + 1
		res[i] = &eventway.Event{
			EventID:       eventway.NewEventID(),
			Created:       time.Now().UTC(),
			EventType:     "test_event",
			AggregateType: typ,
			AggregateID:   id,
			Version:       v,
			Payload:       json.RawMessage(fmt.Sprintf(`{"n":%d}`, v)),
		}
	}
	return res
}

// EventRepository checks append, conflict, and read semantics against an
// empty repository
func EventRepository(t *testing.T, repo eventway.EventRepository) {
	t.Helper()
	ctx := context.Background()

	head, err := repo.Head(ctx)
	assert.NoError(t, err)
	assert.Zero(t, head)

	userID := uuid.New()
	orderID := uuid.New()

	first := NewEvents(userType, userID, 0, 2)
	assert.NoError(t, repo.Append(ctx, userType, userID, 0, first))
	assert.Equal(t, int64(1), first[0].Sequence)
	assert.Equal(t, int64(2), first[1].Sequence)

	orders := NewEvents(orderType, orderID, 0, 1)
	assert.NoError(t, repo.Append(ctx, orderType, orderID, 0, orders))
	assert.Equal(t, int64(3), orders[0].Sequence)

	more := NewEvents(userType, userID, 2, 1)
	assert.NoError(t, repo.Append(ctx, userType, userID, 2, more))
	assert.Equal(t, int64(4), more[0].Sequence)

	assert.NoError(t, repo.Append(ctx, userType, userID, 3, nil))

	err = repo.Append(ctx, userType, userID, 1, NewEvents(userType, userID, 1, 1))
	assert.ErrorIs(t, err, eventway.ErrVersionConflict)
	var conflict *eventway.VersionConflictError
	if assert.ErrorAs(t, err, &conflict) {
		assert.Equal(t, int64(1), conflict.Expected)
		assert.Equal(t, int64(3), conflict.Actual)
	}

	stream, err := repo.GetStream(ctx, userType, userID, 0)
	assert.NoError(t, err)
	if assert.Len(t, stream, 3) {
		for i, ev := range stream {
			assert.Equal(t, int64(i+1), ev.Version)
			assert.Equal(t, userID, ev.AggregateID)
			assert.JSONEq(t,
				fmt.Sprintf(`{"n":%d}`, i+1), string(ev.Payload),
			)
		}
		assert.Equal(t, int64(4), stream[2].Sequence)
	}

	tail, err := repo.GetStream(ctx, userType, userID, 2)
	assert.NoError(t, err)
	if assert.Len(t, tail, 1) {
		assert.Equal(t, int64(3), tail[0].Version)
	}

	none, err := repo.GetStream(ctx, userType, uuid.New(), 0)
	assert.NoError(t, err)
	assert.Empty(t, none)

	all, err := repo.GetEvents(ctx, 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, sequences(all))

	page, err := repo.GetEvents(ctx, 1, 2)
	assert.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, sequences(page))

	users, err := repo.GetEvents(ctx, 0, 0, userType)
	assert.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 4}, sequences(users))

	both, err := repo.GetEvents(ctx, 1, 2, orderType, userType)
	assert.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, sequences(both))

	past, err := repo.GetEvents(ctx, 4, 0)
	assert.NoError(t, err)
	assert.Empty(t, past)

	head, err = repo.Head(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), head)
}

// SnapshotRepository checks snapshot storage and compaction
func SnapshotRepository(t *testing.T, repo eventway.SnapshotRepository) {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()

	_, err := repo.GetLatest(ctx, userType, id)
	assert.ErrorIs(t, err, eventway.ErrSnapshotNotFound)

	for _, v := range []int64{10, 5, 20} {
		assert.NoError(t, repo.SaveSnapshot(ctx, newSnapshot(id, v, "")))
	}
	assert.NoError(t, repo.SaveSnapshot(ctx, newSnapshot(id, 20, "again")))

	latest, err := repo.GetLatest(ctx, userType, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(20), latest.Version)
	assert.JSONEq(t, `{"version":20,"tag":"again"}`, string(latest.State))

	snap, err := repo.GetByVersion(ctx, userType, id, 5)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), snap.Version)
	assert.Equal(t, id, snap.AggregateID)

	_, err = repo.GetByVersion(ctx, userType, id, 7)
	assert.ErrorIs(t, err, eventway.ErrSnapshotNotFound)

	_, err = repo.GetLatest(ctx, orderType, id)
	assert.ErrorIs(t, err, eventway.ErrSnapshotNotFound)

	assert.NoError(t, repo.ClearBelowVersion(ctx, userType, id, 20))
	_, err = repo.GetByVersion(ctx, userType, id, 5)
	assert.ErrorIs(t, err, eventway.ErrSnapshotNotFound)
	_, err = repo.GetByVersion(ctx, userType, id, 10)
	assert.ErrorIs(t, err, eventway.ErrSnapshotNotFound)

	latest, err = repo.GetLatest(ctx, userType, id)
	assert.NoError(t, err)
	assert.Equal(t, int64(20), latest.Version)
}

// MetadataRepository checks that stored offsets never move backward
func MetadataRepository(t *testing.T, repo eventway.MetadataRepository) {
	t.Helper()
	ctx := context.Background()

	_, err := repo.GetMetadata(ctx, "views")
	assert.ErrorIs(t, err, eventway.ErrProjectionNotFound)

	for _, off := range []int64{0, 10, 4} {
		assert.NoError(t, repo.SaveMetadata(ctx, &eventway.ProjectionMetadata{
			ProjectionID: "views",
			EventOffset:  off,
			Updated:      time.Now().UTC(),
		}))
	}

	md, err := repo.GetMetadata(ctx, "views")
	assert.NoError(t, err)
	assert.Equal(t, "views", md.ProjectionID)
	assert.Equal(t, int64(10), md.EventOffset)

	assert.NoError(t, repo.SaveMetadata(ctx, &eventway.ProjectionMetadata{
		ProjectionID: "views",
		EventOffset:  12,
	}))
	md, err = repo.GetMetadata(ctx, "views")
	assert.NoError(t, err)
	assert.Equal(t, int64(12), md.EventOffset)

	_, err = repo.GetMetadata(ctx, "other")
	assert.ErrorIs(t, err, eventway.ErrProjectionNotFound)
}

// QueryModelRepository checks document storage, listing, and paging
func QueryModelRepository(t *testing.T, repo eventway.QueryModelRepository) {
	t.Helper()
	ctx := context.Background()

	ids := make([]uuid.UUID, 5)
	docs := make([]*eventway.Document, 5)
	for i := range ids {
		ids[i] = uuid.New()
		docs[i] = &eventway.Document{
			Type: noteModel,
			ID:   ids[i],
			Data: json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)),
		}
	}
	assert.NoError(t, repo.SaveModels(ctx, docs...))
	assert.NoError(t, repo.SaveModels(ctx, &eventway.Document{
		Type: "other", ID: ids[0], Data: json.RawMessage(`{}`),
	}))

	_, err := repo.GetModel(ctx, noteModel, uuid.New())
	assert.ErrorIs(t, err, eventway.ErrModelNotFound)

	doc, err := repo.GetModel(ctx, noteModel, ids[2])
	assert.NoError(t, err)
	assert.Equal(t, noteModel, doc.Type)
	assert.JSONEq(t, `{"i":2}`, string(doc.Data))

	assert.NoError(t, repo.SaveModels(ctx, &eventway.Document{
		Type: noteModel, ID: ids[2], Data: json.RawMessage(`{"i":22}`),
	}))
	doc, err = repo.GetModel(ctx, noteModel, ids[2])
	assert.NoError(t, err)
	assert.JSONEq(t, `{"i":22}`, string(doc.Data))

	some, err := repo.GetModels(ctx, noteModel, ids[0], uuid.New(), ids[4])
	assert.NoError(t, err)
	assert.Len(t, some, 2)

	n, err := repo.CountModels(ctx, noteModel)
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	list, err := repo.ListModels(ctx, noteModel)
	assert.NoError(t, err)
	assert.Len(t, list, 5)
	assertSorted(t, list)

	var paged []*eventway.Document
	after := ""
	for {
		page, err := repo.PageModels(ctx, noteModel, after, 2)
		assert.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 2)
		paged = append(paged, page...)
		after = page[len(page)-1].SortKey()
	}
	assert.Len(t, paged, 5)
	assertSorted(t, paged)

	ok, err := repo.ModelExists(ctx, noteModel, ids[1])
	assert.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, repo.DeleteModels(ctx, noteModel, ids[1], ids[3]))
	ok, err = repo.ModelExists(ctx, noteModel, ids[1])
	assert.NoError(t, err)
	assert.False(t, ok)

	n, err = repo.CountModels(ctx, noteModel)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.NoError(t, repo.ClearModels(ctx, noteModel))
	n, err = repo.CountModels(ctx, noteModel)
	assert.NoError(t, err)
	assert.Zero(t, n)

	ok, err = repo.ModelExists(ctx, "other", ids[0])
	assert.NoError(t, err)
	assert.True(t, ok)
}

func newSnapshot(id uuid.UUID, version int64, tag string) *eventway.Snapshot {
	state := fmt.Sprintf(`{"version":%d}`, version)
	if tag != "" {
		state = fmt.Sprintf(`{"version":%d,"tag":%q}`, version, tag)
	}
	return &eventway.Snapshot{
		Created:       time.Now().UTC(),
		State:         json.RawMessage(state),
		AggregateType: userType,
		AggregateID:   id,
		Version:       version,
		EventID:       eventway.NewEventID(),
	}
}

func sequences(evs []*eventway.Event) []int64 {
	res := make([]int64, len(evs))
	for i, ev := range evs {
		res[i] = ev.Sequence
	}
	return res
}

func assertSorted(t *testing.T, docs []*eventway.Document) {
	t.Helper()
	for i := 1; i < len(docs); i++ {
		assert.Less(t, docs[i-1].SortKey(), docs[i].SortKey())
	}
}
