// Package memory provides in-process implementations of every eventway
// repository. It is intended for tests and single-process tools
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kode4food/eventway"
)

type (
	// Store keeps the event log, snapshots, projection metadata, and query
	// models in memory. It is safe for concurrent use
	Store struct {
		streams   map[streamKey][]*eventway.Event
		snapshots map[streamKey][]*eventway.Snapshot
		metadata  map[string]*eventway.ProjectionMetadata
		models    map[eventway.ModelType]map[uuid.UUID]*eventway.Document
		log       []*eventway.Event
		mu        sync.RWMutex
	}

	streamKey struct {
		typ eventway.AggregateType
		id  uuid.UUID
	}
)

var (
	_ eventway.EventRepository      = (*Store)(nil)
	_ eventway.SnapshotRepository   = (*Store)(nil)
	_ eventway.MetadataRepository   = (*Store)(nil)
	_ eventway.QueryModelRepository = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		streams:   map[streamKey][]*eventway.Event{},
		snapshots: map[streamKey][]*eventway.Snapshot{},
		metadata:  map[string]*eventway.ProjectionMetadata{},
		models:    map[eventway.ModelType]map[uuid.UUID]*eventway.Document{},
	}
}

func (s *Store) Append(
	_ context.Context, typ eventway.AggregateType, id uuid.UUID,
	expected int64, evs []*eventway.Event,
) error {
	if len(evs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{typ: typ, id: id}
	head := int64(len(s.streams[key]))
	if head != expected {
		return &eventway.VersionConflictError{
			AggregateType: typ,
			AggregateID:   id,
			Expected:      expected,
			Actual:        head,
		}
	}

	seq := int64(len(s.log))
	for _, ev := range evs {
		seq++
		ev.Sequence = seq
		cp := *ev
		s.streams[key] = append(s.streams[key], &cp)
		s.log = append(s.log, &cp)
	}
	return nil
}

func (s *Store) GetStream(
	_ context.Context, typ eventway.AggregateType, id uuid.UUID, from int64,
) ([]*eventway.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[streamKey{typ: typ, id: id}]
	if from < 0 {
		from = 0
	}
	if from >= int64(len(stream)) {
		return []*eventway.Event{}, nil
	}
	return copyEvents(stream[from:]), nil
}

func (s *Store) GetEvents(
	_ context.Context, since int64, limit int, types ...eventway.AggregateType,
) ([]*eventway.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := []*eventway.Event{}
	if since < 0 {
		since = 0
	}
	for _, ev := range s.log[min(since, int64(len(s.log))):] {
		if len(types) > 0 && !slices.Contains(types, ev.AggregateType) {
			continue
		}
		cp := *ev
		res = append(res, &cp)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res, nil
}

func (s *Store) Head(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.log)), nil
}

func (s *Store) GetLatest(
	_ context.Context, typ eventway.AggregateType, id uuid.UUID,
) (*eventway.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[streamKey{typ: typ, id: id}]
	if len(snaps) == 0 {
		return nil, eventway.ErrSnapshotNotFound
	}
	cp := *snaps[len(snaps)-1]
	return &cp, nil
}

func (s *Store) GetByVersion(
	_ context.Context, typ eventway.AggregateType, id uuid.UUID, version int64,
) (*eventway.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.snapshots[streamKey{typ: typ, id: id}] {
		if snap.Version == version {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, eventway.ErrSnapshotNotFound
}

func (s *Store) SaveSnapshot(_ context.Context, snap *eventway.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{typ: snap.AggregateType, id: snap.AggregateID}
	cp := *snap
	snaps := slices.DeleteFunc(s.snapshots[key], func(e *eventway.Snapshot) bool {
		return e.Version == snap.Version
	})
	snaps = append(snaps, &cp)
	slices.SortFunc(snaps, func(a, b *eventway.Snapshot) int {
		return int(a.Version - b.Version)
	})
	s.snapshots[key] = snaps
	return nil
}

func (s *Store) ClearBelowVersion(
	_ context.Context, typ eventway.AggregateType, id uuid.UUID, version int64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{typ: typ, id: id}
	s.snapshots[key] = slices.DeleteFunc(s.snapshots[key],
		func(e *eventway.Snapshot) bool {
			return e.Version < version
		},
	)
	return nil
}

func (s *Store) GetMetadata(
	_ context.Context, projectionID string,
) (*eventway.ProjectionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, ok := s.metadata[projectionID]
	if !ok {
		return nil, eventway.ErrProjectionNotFound
	}
	cp := *md
	return &cp, nil
}

func (s *Store) SaveMetadata(
	_ context.Context, md *eventway.ProjectionMetadata,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *md
	if cur, ok := s.metadata[md.ProjectionID]; ok {
		cp.EventOffset = max(cur.EventOffset, md.EventOffset)
	}
	s.metadata[md.ProjectionID] = &cp
	return nil
}

func (s *Store) SaveModels(_ context.Context, docs ...*eventway.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		coll, ok := s.models[doc.Type]
		if !ok {
			coll = map[uuid.UUID]*eventway.Document{}
			s.models[doc.Type] = coll
		}
		cp := *doc
		coll[doc.ID] = &cp
	}
	return nil
}

func (s *Store) GetModel(
	_ context.Context, typ eventway.ModelType, id uuid.UUID,
) (*eventway.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.models[typ][id]
	if !ok {
		return nil, eventway.ErrModelNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *Store) GetModels(
	_ context.Context, typ eventway.ModelType, ids ...uuid.UUID,
) ([]*eventway.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := []*eventway.Document{}
	for _, id := range ids {
		if doc, ok := s.models[typ][id]; ok {
			cp := *doc
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (s *Store) DeleteModels(
	_ context.Context, typ eventway.ModelType, ids ...uuid.UUID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.models[typ], id)
	}
	return nil
}

func (s *Store) ListModels(
	_ context.Context, typ eventway.ModelType,
) ([]*eventway.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedModels(typ, ""), nil
}

func (s *Store) PageModels(
	_ context.Context, typ eventway.ModelType, after string, limit int,
) ([]*eventway.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := s.sortedModels(typ, after)
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *Store) CountModels(
	_ context.Context, typ eventway.ModelType,
) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.models[typ]), nil
}

func (s *Store) ModelExists(
	_ context.Context, typ eventway.ModelType, id uuid.UUID,
) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.models[typ][id]
	return ok, nil
}

func (s *Store) ClearModels(_ context.Context, typ eventway.ModelType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, typ)
	return nil
}

func (s *Store) sortedModels(
	typ eventway.ModelType, after string,
) []*eventway.Document {
	res := []*eventway.Document{}
	for _, doc := range s.models[typ] {
		if after != "" && doc.SortKey() <= after {
			continue
		}
		cp := *doc
		res = append(res, &cp)
	}
	slices.SortFunc(res, func(a, b *eventway.Document) int {
		return strings.Compare(a.SortKey(), b.SortKey())
	})
	return res
}

func copyEvents(evs []*eventway.Event) []*eventway.Event {
	res := make([]*eventway.Event, len(evs))
	for i, ev := range evs {
		cp := *ev
		res[i] = &cp
	}
	return res
}
