// Package sqlitestore implements every eventway repository on a single
// SQLite database file
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/kode4food/eventway"
)

// Store persists the event log, snapshots, projection metadata, and query
// models in SQLite
type Store struct {
	db *sql.DB
}

const pragmas = `
	PRAGMA journal_mode=WAL;
	PRAGMA synchronous=NORMAL;
	PRAGMA foreign_keys=1;
	PRAGMA busy_timeout=5000;
	`

//go:embed schema.sql
var schema string

var (
	_ eventway.EventRepository      = (*Store)(nil)
	_ eventway.SnapshotRepository   = (*Store)(nil)
	_ eventway.MetadataRepository   = (*Store)(nil)
	_ eventway.QueryModelRepository = (*Store)(nil)
)

// Open opens or creates the database at path and applies the schema
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, pragmas); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	expected int64, evs []*eventway.Event,
) error {
	if len(evs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events
		 WHERE aggregate_type = ? AND aggregate_id = ?`,
		string(typ), id.String(),
	).Scan(&head)
	if err != nil {
		return err
	}
	if head != expected {
		return conflict(typ, id, expected, head)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (
		   event_id, aggregate_type, aggregate_id, version,
		   event_type, created, payload, metadata
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	seqs := make([]int64, len(evs))
	for i, ev := range evs {
		res, err := stmt.ExecContext(ctx,
			ev.EventID.String(), string(typ), id.String(), ev.Version,
			string(ev.EventType), toNanos(ev.Created),
			[]byte(ev.Payload), nullBytes(ev.Metadata),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return conflict(typ, id, expected, head)
			}
			return err
		}
		if seqs[i], err = res.LastInsertId(); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE aggregate_type = ? AND aggregate_id = ? AND version > ?
		 ORDER BY version`,
		string(typ), id.String(), from,
	)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) GetEvents(
	ctx context.Context, since int64, limit int,
	types ...eventway.AggregateType,
) ([]*eventway.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE sequence > ?`
	args := []any{since}
	if len(types) > 0 {
		query += ` AND aggregate_type IN (` + placeholders(len(types)) + `)`
		for _, typ := range types {
			args = append(args, string(typ))
		}
	}
	query += ` ORDER BY sequence LIMIT ?`
	if limit > 0 {
		args = append(args, limit)
	} else {
		args = append(args, -1)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	var head int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events`,
	).Scan(&head)
	return head, err
}

func (s *Store) GetLatest(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
) (*eventway.Snapshot, error) {
	return scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE aggregate_type = ? AND aggregate_id = ?
		 ORDER BY version DESC LIMIT 1`,
		string(typ), id.String(),
	))
}

func (s *Store) GetByVersion(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	version int64,
) (*eventway.Snapshot, error) {
	return scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE aggregate_type = ? AND aggregate_id = ? AND version = ?`,
		string(typ), id.String(), version,
	))
}

func (s *Store) SaveSnapshot(
	ctx context.Context, snap *eventway.Snapshot,
) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (
		   aggregate_type, aggregate_id, version, event_id, created, state
		 ) VALUES (?, ?, ?, ?, ?, ?)`,
		string(snap.AggregateType), snap.AggregateID.String(), snap.Version,
		snap.EventID.String(), toNanos(snap.Created),
		[]byte(snap.State),
	)
	return err
}

func (s *Store) ClearBelowVersion(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	version int64,
) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots
		 WHERE aggregate_type = ? AND aggregate_id = ? AND version < ?`,
		string(typ), id.String(), version,
	)
	return err
}

// Compact removes every snapshot older than its stream's newest one and
// reports how many were deleted
func (s *Store) Compact(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots
		 WHERE version < (
		   SELECT MAX(s2.version) FROM snapshots s2
		   WHERE s2.aggregate_type = snapshots.aggregate_type
		     AND s2.aggregate_id = snapshots.aggregate_id
		 )`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetMetadata(
	ctx context.Context, projectionID string,
) (*eventway.ProjectionMetadata, error) {
	var offset, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT event_offset, updated FROM projections
		 WHERE projection_id = ?`,
		projectionID,
	).Scan(&offset, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventway.ErrProjectionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &eventway.ProjectionMetadata{
		ProjectionID: projectionID,
		EventOffset:  offset,
		Updated:      fromNanos(updated),
	}, nil
}

func (s *Store) SaveMetadata(
	ctx context.Context, md *eventway.ProjectionMetadata,
) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projections (projection_id, event_offset, updated)
		 VALUES (?, ?, ?)
		 ON CONFLICT (projection_id) DO UPDATE SET
		   event_offset = excluded.event_offset,
		   updated = excluded.updated
		 WHERE excluded.event_offset >= projections.event_offset`,
		md.ProjectionID, md.EventOffset, toNanos(md.Updated),
	)
	return err
}

// ListMetadata returns every stored projection position ordered by ID
func (s *Store) ListMetadata(
	ctx context.Context,
) ([]*eventway.ProjectionMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT projection_id, event_offset, updated FROM projections
		 ORDER BY projection_id`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	res := []*eventway.ProjectionMetadata{}
	for rows.Next() {
		md := &eventway.ProjectionMetadata{}
		var updated int64
		if err := rows.Scan(&md.ProjectionID, &md.EventOffset, &updated); err != nil {
			return nil, err
		}
		md.Updated = fromNanos(updated)
		res = append(res, md)
	}
	return res, rows.Err()
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
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY,
			sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
