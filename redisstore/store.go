// Package redisstore implements the eventway event, snapshot, and projection
// metadata repositories on Redis or Valkey, and carries saved events across
// processes with Redis Streams
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kode4food/eventway"
)

type (
	// Store is a Redis-backed EventRepository, SnapshotRepository, and
	// MetadataRepository
	Store struct {
		client          redis.UniversalClient
		appendEventsLua *redis.Script
		saveSnapshotLua *redis.Script
		saveMetadataLua *redis.Script
		config          Config
		ownsClient      bool
	}

	Config struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		Prefix   string        `yaml:"prefix"`
		Stream   string        `yaml:"stream"`
		Group    string        `yaml:"group"`
		Consumer string        `yaml:"consumer"`
		DB       int           `yaml:"db"`
		Batch    int64         `yaml:"batch"`
		MaxLen   int64         `yaml:"max_len"`
		MinIdle  time.Duration `yaml:"min_idle"`
	}
)

const (
	RedisConnectTimeout = 5 * time.Second

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "eventway"
	DefaultRedisDB       = 0
	DefaultStream        = "events"
	DefaultGroup         = "eventway"
	DefaultConsumer      = "eventway"
	DefaultBatch         = 64
	DefaultMaxLen        = 100_000
	DefaultMinIdle       = 30 * time.Second

	sequenceSuffix  = ":seq"
	logSuffix       = ":log"
	metadataSuffix  = ":projections"
	streamSegment   = ":stream:"
	snapshotSegment = ":snapshot:"
)

var (
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")
	ErrMalformedEntry      = errors.New("malformed event entry")
)

var (
	_ eventway.EventRepository    = (*Store)(nil)
	_ eventway.SnapshotRepository = (*Store)(nil)
	_ eventway.MetadataRepository = (*Store)(nil)
)

func DefaultConfig() Config {
	return Config{
		Addr:     DefaultRedisEndpoint,
		Prefix:   DefaultRedisPrefix,
		DB:       DefaultRedisDB,
		Stream:   DefaultStream,
		Group:    DefaultGroup,
		Consumer: DefaultConsumer,
		Batch:    DefaultBatch,
		MaxLen:   DefaultMaxLen,
		MinIdle:  DefaultMinIdle,
	}
}

// NewStore connects to Redis and verifies the connection
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, RedisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	s := NewStoreWithClient(client, cfg)
	s.ownsClient = true
	return s, nil
}

// NewStoreWithClient wraps an existing client. Close will not close it
func NewStoreWithClient(client redis.UniversalClient, cfg Config) *Store {
	return &Store{
		client:          client,
		config:          cfg,
		appendEventsLua: redis.NewScript(luaAppendEvents),
		saveSnapshotLua: redis.NewScript(luaSaveSnapshot),
		saveMetadataLua: redis.NewScript(luaSaveMetadata),
	}
}

func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) Append(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	expected int64, evs []*eventway.Event,
) error {
	if len(evs) == 0 {
		return nil
	}

	keys := []string{
		s.streamKey(typ, id),
		s.config.Prefix + sequenceSuffix,
		s.config.Prefix + logSuffix,
		s.typeLogKey(typ),
	}
	args := []any{expected}
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		args = append(args, string(data))
	}

	result, err := s.appendEventsLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return err
	}

	res, ok := result.([]any)
	if !ok || len(res) != 2 {
		return ErrUnexpectedLuaResult
	}
	success, _ := res[0].(int64)
	value, _ := res[1].(int64)

	if success == 0 {
		return &eventway.VersionConflictError{
			AggregateType: typ,
			AggregateID:   id,
			Expected:      expected,
			Actual:        value,
		}
	}

	for i, ev := range evs {
		ev.Sequence = value + int64(i)
	}
	return nil
}

func (s *Store) GetStream(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID, from int64,
) ([]*eventway.Event, error) {
	entries, err := s.client.LRange(
		ctx, s.streamKey(typ, id), max(from, 0), -1,
	).Result()
	if err != nil {
		return nil, err
	}
	return parseEntries(entries)
}

func (s *Store) GetEvents(
	ctx context.Context, since int64, limit int,
	types ...eventway.AggregateType,
) ([]*eventway.Event, error) {
	keys := []string{s.config.Prefix + logSuffix}
	if len(types) > 0 {
		keys = keys[:0]
		for _, typ := range types {
			keys = append(keys, s.typeLogKey(typ))
		}
	}

	rng := &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: "+inf",
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}

	var res []*eventway.Event
	for _, key := range keys {
		entries, err := s.client.ZRangeByScore(ctx, key, rng).Result()
		if err != nil {
			return nil, err
		}
		evs, err := parseEntries(entries)
		if err != nil {
			return nil, err
		}
		res = append(res, evs...)
	}

	if len(keys) > 1 {
		slices.SortFunc(res, func(a, b *eventway.Event) int {
			return int(a.Sequence - b.Sequence)
		})
	}
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	if res == nil {
		res = []*eventway.Event{}
	}
	return res, nil
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	head, err := s.client.Get(ctx, s.config.Prefix+sequenceSuffix).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return head, err
}

func (s *Store) GetLatest(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
) (*eventway.Snapshot, error) {
	entries, err := s.client.ZRevRange(
		ctx, s.snapshotKey(typ, id), 0, 0,
	).Result()
	if err != nil {
		return nil, err
	}
	return firstSnapshot(entries)
}

func (s *Store) GetByVersion(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	version int64,
) (*eventway.Snapshot, error) {
	v := strconv.FormatInt(version, 10)
	entries, err := s.client.ZRangeByScore(ctx, s.snapshotKey(typ, id),
		&redis.ZRangeBy{Min: v, Max: v},
	).Result()
	if err != nil {
		return nil, err
	}
	return firstSnapshot(entries)
}

func (s *Store) SaveSnapshot(
	ctx context.Context, snap *eventway.Snapshot,
) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.saveSnapshotLua.Run(ctx, s.client,
		[]string{s.snapshotKey(snap.AggregateType, snap.AggregateID)},
		snap.Version, string(data),
	).Err()
}

func (s *Store) ClearBelowVersion(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	version int64,
) error {
	return s.client.ZRemRangeByScore(ctx, s.snapshotKey(typ, id),
		"-inf", "("+strconv.FormatInt(version, 10),
	).Err()
}

func (s *Store) GetMetadata(
	ctx context.Context, projectionID string,
) (*eventway.ProjectionMetadata, error) {
	data, err := s.client.HGet(
		ctx, s.config.Prefix+metadataSuffix, projectionID,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, eventway.ErrProjectionNotFound
	}
	if err != nil {
		return nil, err
	}

	md := &eventway.ProjectionMetadata{}
	if err := json.Unmarshal([]byte(data), md); err != nil {
		return nil, err
	}
	return md, nil
}

func (s *Store) SaveMetadata(
	ctx context.Context, md *eventway.ProjectionMetadata,
) error {
	data, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return s.saveMetadataLua.Run(ctx, s.client,
		[]string{s.config.Prefix + metadataSuffix},
		md.ProjectionID, md.EventOffset, string(data),
	).Err()
}

func (s *Store) streamKey(typ eventway.AggregateType, id uuid.UUID) string {
	return fmt.Sprintf("%s%s%s:%s", s.config.Prefix, streamSegment, typ, id)
}

func (s *Store) snapshotKey(typ eventway.AggregateType, id uuid.UUID) string {
	return fmt.Sprintf("%s%s%s:%s", s.config.Prefix, snapshotSegment, typ, id)
}

func (s *Store) typeLogKey(typ eventway.AggregateType) string {
	return fmt.Sprintf("%s%s:%s", s.config.Prefix, logSuffix, typ)
}

// parseEntries decodes "sequence:json" list and sorted set members
func parseEntries(entries []string) ([]*eventway.Event, error) {
	res := make([]*eventway.Event, 0, len(entries))
	for _, entry := range entries {
		seqStr, data, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, ErrMalformedEntry
		}
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
		}
		ev := &eventway.Event{}
		if err := json.Unmarshal([]byte(data), ev); err != nil {
			return nil, err
		}
		ev.Sequence = seq
		res = append(res, ev)
	}
	return res, nil
}

func firstSnapshot(entries []string) (*eventway.Snapshot, error) {
	if len(entries) == 0 {
		return nil, eventway.ErrSnapshotNotFound
	}
	snap := &eventway.Snapshot{}
	if err := json.Unmarshal([]byte(entries[0]), snap); err != nil {
		return nil, err
	}
	return snap, nil
}
