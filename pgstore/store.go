// Package pgstore implements every eventway repository on PostgreSQL
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kode4food/eventway"
)

type (
	// Store persists the event log, snapshots, projection metadata, and query
	// models in PostgreSQL
	Store struct {
		pool *pgxpool.Pool
	}

	Config struct {
		DSN      string `yaml:"dsn"`
		Schema   string `yaml:"schema"`
		MaxConns int32  `yaml:"max_conns"`
	}
)

const (
	DefaultMaxConns = 25

	// appendLockKey serializes appends so that sequences commit in order
	appendLockKey = 0x6576656e74776179

	uniqueViolation = "23505"
)

//go:embed schema.sql
var schema string

var (
	_ eventway.EventRepository      = (*Store)(nil)
	_ eventway.SnapshotRepository   = (*Store)(nil)
	_ eventway.MetadataRepository   = (*Store)(nil)
	_ eventway.QueryModelRepository = (*Store)(nil)
)

// Open connects to PostgreSQL and applies the schema. A non-empty Schema is
// created if missing and used as the connection search path
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MaxConns = DefaultMaxConns
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.Schema != "" {
		pcfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		ident := pgx.Identifier{cfg.Schema}.Sanitize()
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying connection pool
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Append(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	expected int64, evs []*eventway.Event,
) error {
	if len(evs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock($1)`, int64(appendLockKey),
	); err != nil {
		return err
	}

	var head int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events
		 WHERE aggregate_type = $1 AND aggregate_id = $2`,
		string(typ), id,
	).Scan(&head)
	if err != nil {
		return err
	}
	if head != expected {
		return conflict(typ, id, expected, head)
	}

	seqs := make([]int64, len(evs))
	for i, ev := range evs {
		err := tx.QueryRow(ctx,
			`INSERT INTO events (
			   event_id, aggregate_type, aggregate_id, version,
			   event_type, created, payload, metadata
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING sequence`,
			ev.EventID, string(typ), id, ev.Version, string(ev.EventType),
			ev.Created.UTC(), []byte(ev.Payload), nullJSON(ev.Metadata),
		).Scan(&seqs[i])
		if err != nil {
			if isUniqueViolation(err) {
				return conflict(typ, id, expected, head)
			}
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for i, ev := range evs {
		ev.Sequence = seqs[i]
	}
	return nil
}

func (s *Store) GetStream(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID, from int64,
) ([]*eventway.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_type = $1 AND aggregate_id = $2 AND version > $3
		 ORDER BY version`,
		string(typ), id, from,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *Store) GetEvents(
	ctx context.Context, since int64, limit int,
	types ...eventway.AggregateType,
) ([]*eventway.Event, error) {
	names := make([]string, len(types))
	for i, typ := range types {
		names[i] = string(typ)
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE sequence > $1
		   AND (cardinality($2::text[]) = 0 OR aggregate_type = ANY($2))
		 ORDER BY sequence LIMIT $3`,
		since, names, lim,
	)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	var head int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events`,
	).Scan(&head)
	return head, err
}

func (s *Store) GetLatest(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
) (*eventway.Snapshot, error) {
	return scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE aggregate_type = $1 AND aggregate_id = $2
		 ORDER BY version DESC LIMIT 1`,
		string(typ), id,
	))
}

func (s *Store) GetByVersion(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	version int64,
) (*eventway.Snapshot, error) {
	return scanSnapshot(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE aggregate_type = $1 AND aggregate_id = $2 AND version = $3`,
		string(typ), id, version,
	))
}

func (s *Store) SaveSnapshot(
	ctx context.Context, snap *eventway.Snapshot,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (
		   aggregate_type, aggregate_id, version, event_id, created, state
		 ) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (aggregate_type, aggregate_id, version) DO UPDATE SET
		   event_id = EXCLUDED.event_id,
		   created = EXCLUDED.created,
		   state = EXCLUDED.state`,
		string(snap.AggregateType), snap.AggregateID, snap.Version,
		snap.EventID, snap.Created.UTC(), []byte(snap.State),
	)
	return err
}

func (s *Store) ClearBelowVersion(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	version int64,
) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots
		 WHERE aggregate_type = $1 AND aggregate_id = $2 AND version < $3`,
		string(typ), id, version,
	)
	return err
}

func (s *Store) GetMetadata(
	ctx context.Context, projectionID string,
) (*eventway.ProjectionMetadata, error) {
	md := &eventway.ProjectionMetadata{ProjectionID: projectionID}
	err := s.pool.QueryRow(ctx,
		`SELECT event_offset, updated FROM projections
		 WHERE projection_id = $1`,
		projectionID,
	).Scan(&md.EventOffset, &md.Updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eventway.ErrProjectionNotFound
	}
	if err != nil {
		return nil, err
	}
	md.Updated = md.Updated.UTC()
	return md, nil
}

func (s *Store) SaveMetadata(
	ctx context.Context, md *eventway.ProjectionMetadata,
) error {
	updated := md.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projections (projection_id, event_offset, updated)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (projection_id) DO UPDATE SET
		   event_offset = EXCLUDED.event_offset,
		   updated = EXCLUDED.updated
		 WHERE EXCLUDED.event_offset >= projections.event_offset`,
		md.ProjectionID, md.EventOffset, updated.UTC(),
	)
	return err
}

func conflict(
	typ eventway.AggregateType, id uuid.UUID, expected, actual int64,
) error {
	return &eventway.VersionConflictError{
		AggregateType: typ,
		AggregateID:   id,
		Expected:      expected,
		Actual:        actual,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
