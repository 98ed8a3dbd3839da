// Package boltstore keeps query models and projection metadata in a local
// BoltDB file. Pair it with any event log backend
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/kode4food/eventway"
)

// Store is a BoltDB-backed QueryModelRepository and MetadataRepository
type Store struct {
	db *bbolt.DB
}

const (
	projectionBucket = "projections"
	modelBucket      = "models"
)

var errBucketMissing = errors.New("bucket is missing")

var (
	_ eventway.MetadataRepository   = (*Store)(nil)
	_ eventway.QueryModelRepository = (*Store)(nil)
)

// Open opens or creates the database at path
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(
		filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second},
	)
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetMetadata(
	ctx context.Context, projectionID string,
) (*eventway.ProjectionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var md *eventway.ProjectionMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(projectionBucket)).Get([]byte(projectionID))
		if data == nil {
			return eventway.ErrProjectionNotFound
		}
		md = &eventway.ProjectionMetadata{}
		return json.Unmarshal(data, md)
	})
	return md, err
}

func (s *Store) SaveMetadata(
	ctx context.Context, md *eventway.ProjectionMetadata,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(projectionBucket))
		key := []byte(md.ProjectionID)
		if data := bucket.Get(key); data != nil {
			var cur eventway.ProjectionMetadata
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("unmarshal metadata: %w", err)
			}
			if cur.EventOffset > md.EventOffset {
				return nil
			}
		}
		data, err := json.Marshal(md)
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

func (s *Store) SaveModels(ctx context.Context, docs ...*eventway.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(modelBucket))
		for _, doc := range docs {
			bucket, err := root.CreateBucketIfNotExists([]byte(doc.Type))
			if err != nil {
				return fmt.Errorf("create model bucket: %w", err)
			}
			if err := bucket.Put([]byte(doc.SortKey()), doc.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetModel(
	ctx context.Context, typ eventway.ModelType, id uuid.UUID,
) (*eventway.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *eventway.Document
	err := s.view(typ, func(b *bbolt.Bucket) error {
		if b == nil {
			return eventway.ErrModelNotFound
		}
		data := b.Get([]byte(id.String()))
		if data == nil {
			return eventway.ErrModelNotFound
		}
		doc = newDocument(typ, id, data)
		return nil
	})
	return doc, err
}

func (s *Store) GetModels(
	ctx context.Context, typ eventway.ModelType, ids ...uuid.UUID,
) ([]*eventway.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := []*eventway.Document{}
	err := s.view(typ, func(b *bbolt.Bucket) error {
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if data := b.Get([]byte(id.String())); data != nil {
				res = append(res, newDocument(typ, id, data))
			}
		}
		return nil
	})
	return res, err
}

func (s *Store) DeleteModels(
	ctx context.Context, typ eventway.ModelType, ids ...uuid.UUID,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(modelBucket)).Bucket([]byte(typ))
		if b == nil {
			return nil
		}
		for _, id := range ids {
			if err := b.Delete([]byte(id.String())); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListModels(
	ctx context.Context, typ eventway.ModelType,
) ([]*eventway.Document, error) {
	return s.PageModels(ctx, typ, "", 0)
}

func (s *Store) PageModels(
	ctx context.Context, typ eventway.ModelType, after string, limit int,
) ([]*eventway.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := []*eventway.Document{}
	err := s.view(typ, func(b *bbolt.Bucket) error {
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.First()
		if after != "" {
			k, v = c.Seek([]byte(after))
			if k != nil && bytes.Equal(k, []byte(after)) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			id, err := uuid.ParseBytes(k)
			if err != nil {
				return err
			}
			res = append(res, newDocument(typ, id, v))
			if limit > 0 && len(res) == limit {
				break
			}
		}
		return nil
	})
	return res, err
}

func (s *Store) CountModels(
	ctx context.Context, typ eventway.ModelType,
) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.view(typ, func(b *bbolt.Bucket) error {
		if b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

func (s *Store) ModelExists(
	ctx context.Context, typ eventway.ModelType, id uuid.UUID,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok := false
	err := s.view(typ, func(b *bbolt.Bucket) error {
		ok = b != nil && b.Get([]byte(id.String())) != nil
		return nil
	})
	return ok, err
}

func (s *Store) ClearModels(ctx context.Context, typ eventway.ModelType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket([]byte(modelBucket)).DeleteBucket([]byte(typ))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// view runs fn against the bucket for typ, which is nil if nothing of that
// type has been saved
func (s *Store) view(typ eventway.ModelType, fn func(*bbolt.Bucket) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(modelBucket))
		if root == nil {
			return errBucketMissing
		}
		return fn(root.Bucket([]byte(typ)))
	})
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{projectionBucket, modelBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// newDocument copies data, which bbolt only guarantees for the life of the
// transaction
func newDocument(typ eventway.ModelType, id uuid.UUID, data []byte) *eventway.Document {
	return &eventway.Document{
		Type: typ,
		ID:   id,
		Data: json.RawMessage(bytes.Clone(data)),
	}
}
