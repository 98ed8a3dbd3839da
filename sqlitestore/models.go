package sqlitestore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/kode4food/eventway"
)

const documentColumns = `model_type, model_id, data`

func (s *Store) SaveModels(ctx context.Context, docs ...*eventway.Document) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO query_models (model_type, model_id, data)
		 VALUES (?, ?, ?)
		 ON CONFLICT (model_type, model_id) DO UPDATE SET
		   data = excluded.data`,
	)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, doc := range docs {
		_, err := stmt.ExecContext(ctx,
			string(doc.Type), doc.ID.String(), []byte(doc.Data),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetModel(
	ctx context.Context, typ eventway.ModelType, id uuid.UUID,
) (*eventway.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM query_models
		 WHERE model_type = ? AND model_id = ?`,
		string(typ), id.String(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventway.ErrModelNotFound
	}
	return doc, err
}

func (s *Store) GetModels(
	ctx context.Context, typ eventway.ModelType, ids ...uuid.UUID,
) ([]*eventway.Document, error) {
	if len(ids) == 0 {
		return []*eventway.Document{}, nil
	}
	args := append([]any{string(typ)}, idArgs(ids)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM query_models
		 WHERE model_type = ? AND model_id IN (`+placeholders(len(ids))+`)
		 ORDER BY model_id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	return scanDocuments(rows)
}

func (s *Store) DeleteModels(
	ctx context.Context, typ eventway.ModelType, ids ...uuid.UUID,
) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{string(typ)}, idArgs(ids)...)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM query_models
		 WHERE model_type = ? AND model_id IN (`+placeholders(len(ids))+`)`,
		args...,
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
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM query_models
		 WHERE model_type = ? AND model_id > ?
		 ORDER BY model_id LIMIT ?`,
		string(typ), after, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanDocuments(rows)
}

func (s *Store) CountModels(
	ctx context.Context, typ eventway.ModelType,
) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM query_models WHERE model_type = ?`,
		string(typ),
	).Scan(&n)
	return n, err
}

func (s *Store) ModelExists(
	ctx context.Context, typ eventway.ModelType, id uuid.UUID,
) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM query_models
		 WHERE model_type = ? AND model_id = ?`,
		string(typ), id.String(),
	).Scan(&n)
	return n > 0, err
}

func (s *Store) ClearModels(ctx context.Context, typ eventway.ModelType) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM query_models WHERE model_type = ?`, string(typ),
	)
	return err
}

func idArgs(ids []uuid.UUID) []any {
	res := make([]any, len(ids))
	for i, id := range ids {
		res[i] = id.String()
	}
	return res
}
