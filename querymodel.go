package eventway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

type (
	// QueryModelStore is handed to projection handlers. It exposes the query
	// model repository and the Ordering being applied. The projection commits
	// it, advancing the durable offset, only after the handler succeeds
	QueryModelStore struct {
		QueryModelRepository
		projection *Projection
		ordering   int64
	}

	// Model is implemented by query model types
	Model interface {
		ModelType() ModelType
		ModelID() uuid.UUID
	}

	// ModelPtr constrains a query model type so helpers can allocate it
	ModelPtr[M any] interface {
		*M
		Model
	}

	// PagedQuery requests one page of models after a continuation token
	PagedQuery[P any] struct {
		Filter func(P) bool
		Token  string
		Limit  int
	}

	// Page is a slice of models plus the token for the next page. An empty
	// Next means there are no more pages
	Page[P any] struct {
		Items []P
		Next  string
	}
)

const DefaultPageLimit = 100

func (s *QueryModelStore) ProjectionID() string {
	return s.projection.id
}

// Ordering is the position the projection reaches when this store commits
func (s *QueryModelStore) Ordering() int64 {
	return s.ordering
}

func (s *QueryModelStore) Models() QueryModelRepository {
	return s.QueryModelRepository
}

// commit durably advances the projection to Ordering. The caller holds the
// projection lock
func (s *QueryModelStore) commit(ctx context.Context) error {
	return s.projection.advanceLocked(ctx, s.ordering)
}

// SaveModel stores one or more models, replacing any with the same ID
func SaveModel(ctx context.Context, r QueryModelRepository, ms ...Model) error {
	docs := make([]*Document, 0, len(ms))
	for _, m := range ms {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		docs = append(docs, &Document{
			Type: m.ModelType(),
			ID:   m.ModelID(),
			Data: data,
		})
	}
	return r.SaveModels(ctx, docs...)
}

// GetModel returns the model with the given ID or ErrModelNotFound
func GetModel[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository, id uuid.UUID,
) (P, error) {
	doc, err := r.GetModel(ctx, modelType[M, P](), id)
	if err != nil {
		return nil, err
	}
	return decodeModel[M, P](doc)
}

// FindModel is GetModel that reports absence as a nil model
func FindModel[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository, id uuid.UUID,
) (P, error) {
	m, err := GetModel[M, P](ctx, r, id)
	if errors.Is(err, ErrModelNotFound) {
		return nil, nil
	}
	return m, err
}

// GetModels returns the models that exist among ids
func GetModels[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository, ids ...uuid.UUID,
) ([]P, error) {
	docs, err := r.GetModels(ctx, modelType[M, P](), ids...)
	if err != nil {
		return nil, err
	}
	return decodeModels[M, P](docs, nil)
}

func DeleteModel[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository, ids ...uuid.UUID,
) error {
	return r.DeleteModels(ctx, modelType[M, P](), ids...)
}

// QueryModels returns every model of type M that satisfies pred. A nil
// pred matches everything
func QueryModels[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository, pred func(P) bool,
) ([]P, error) {
	docs, err := r.ListModels(ctx, modelType[M, P]())
	if err != nil {
		return nil, err
	}
	return decodeModels[M, P](docs, pred)
}

// FirstModel returns the first model satisfying pred, or nil
func FirstModel[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository, pred func(P) bool,
) (P, error) {
	res, err := QueryModels[M, P](ctx, r, pred)
	if err != nil || len(res) == 0 {
		return nil, err
	}
	return res[0], nil
}

// PageModels reads models in ID order starting after q.Token, applying
// q.Filter, until q.Limit matches are collected or the collection ends
func PageModels[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository, q PagedQuery[P],
) (*Page[P], error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	typ := modelType[M, P]()
	res := &Page[P]{}
	after := q.Token

	for {
		docs, err := r.PageModels(ctx, typ, after, limit)
		if err != nil {
			return nil, err
		}
		for i, doc := range docs {
			m, err := decodeModel[M, P](doc)
			if err != nil {
				return nil, err
			}
			after = doc.SortKey()
			if q.Filter != nil && !q.Filter(m) {
				continue
			}
			res.Items = append(res.Items, m)
			if len(res.Items) == limit {
				if i < len(docs)-1 || len(docs) == limit {
					res.Next = after
				}
				return res, nil
			}
		}
		if len(docs) < limit {
			return res, nil
		}
	}
}

func CountModels[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository,
) (int, error) {
	return r.CountModels(ctx, modelType[M, P]())
}

func ModelExists[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository, id uuid.UUID,
) (bool, error) {
	return r.ModelExists(ctx, modelType[M, P](), id)
}

// ClearModels removes every model of type M
func ClearModels[M any, P ModelPtr[M]](
	ctx context.Context, r QueryModelRepository,
) error {
	return r.ClearModels(ctx, modelType[M, P]())
}

func modelType[M any, P ModelPtr[M]]() ModelType {
	return P(new(M)).ModelType()
}

func decodeModel[M any, P ModelPtr[M]](doc *Document) (P, error) {
	m := P(new(M))
	if err := json.Unmarshal(doc.Data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeModels[M any, P ModelPtr[M]](
	docs []*Document, pred func(P) bool,
) ([]P, error) {
	res := make([]P, 0, len(docs))
	for _, doc := range docs {
		m, err := decodeModel[M, P](doc)
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(m) {
			res = append(res, m)
		}
	}
	return res, nil
}
