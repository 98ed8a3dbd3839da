package pgstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kode4food/eventway"
)

func (s *Store) SaveModels(ctx context.Context, docs ...*eventway.Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, doc := range docs {
		batch.Queue(
			`INSERT INTO query_models (model_type, model_id, data)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (model_type, model_id) DO UPDATE SET
			   data = EXCLUDED.data`,
			string(doc.Type), doc.SortKey(), []byte(doc.Data),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *Store) GetModel(
	ctx context.Context, typ eventway.ModelType, id uuid.UUID,
) (*eventway.Document, error) {
	doc, err := scanDocument(s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM query_models
		 WHERE model_type = $1 AND model_id = $2`,
		string(typ), id.String(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eventway.ErrModelNotFound
	}
	return doc, err
}

func (s *Store) GetModels(
	ctx context.Context, typ eventway.ModelType, ids ...uuid.UUID,
) ([]*eventway.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM query_models
		 WHERE model_type = $1 AND model_id = ANY($2)
		 ORDER BY model_id COLLATE "C"`,
		string(typ), idStrings(ids),
	)
	if err != nil {
		return nil, err
	}
	return collectDocuments(rows)
}

func (s *Store) DeleteModels(
	ctx context.Context, typ eventway.ModelType, ids ...uuid.UUID,
) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM query_models
		 WHERE model_type = $1 AND model_id = ANY($2)`,
		string(typ), idStrings(ids),
	)
	return err
}

func (s *Store) ListModels(
	ctx context.Context, typ eventway.ModelType,
) ([]*eventway.Document, error) {
	return s.PageModels(ctx, typ, "", 0)
}

func (s *Store) PageModels(
	ctx context.Context, typ eventway.ModelType, after string, limit int,
) ([]*eventway.Document, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM query_models
		 WHERE model_type = $1 AND model_id > $2 COLLATE "C"
		 ORDER BY model_id COLLATE "C" LIMIT $3`,
		string(typ), after, lim,
	)
	if err != nil {
		return nil, err
	}
	return collectDocuments(rows)
}

func (s *Store) CountModels(
	ctx context.Context, typ eventway.ModelType,
) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM query_models WHERE model_type = $1`,
		string(typ),
	).Scan(&n)
	return n, err
}

func (s *Store) ModelExists(
	ctx context.Context, typ eventway.ModelType, id uuid.UUID,
) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM query_models WHERE model_type = $1 AND model_id = $2
		 )`,
		string(typ), id.String(),
	).Scan(&ok)
	return ok, err
}

func (s *Store) ClearModels(ctx context.Context, typ eventway.ModelType) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM query_models WHERE model_type = $1`, string(typ),
	)
	return err
}

func idStrings(ids []uuid.UUID) []string {
	res := make([]string, len(ids))
	for i, id := range ids {
		res[i] = id.String()
	}
	return res
}
