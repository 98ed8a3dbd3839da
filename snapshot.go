package eventway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// SnapshotOffer is the synthetic event an Aggregate publishes when a
	// snapshot is due. It is stored in the log like any other event and
	// restores state through the aggregate's Snapshotter when applied
	SnapshotOffer struct {
		DomainEvent
		State json.RawMessage `json:"state"`
	}

	// Compactor runs ClearBelowVersion in the background for aggregates
	// that just saved a newer snapshot
	Compactor struct {
		snapshots SnapshotRepository
		log       *zap.Logger
		ctx       context.Context
		queue     chan compactRequest
		cancel    context.CancelFunc
		config    CompactionConfig
		wg        sync.WaitGroup
		stopOnce  sync.Once
	}

	compactRequest struct {
		typ     AggregateType
		version int64
		id      uuid.UUID
	}
)

const SnapshotOfferType EventType = "snapshot_offer"

// EventType implements Payload
func (*SnapshotOffer) EventType() EventType {
	return SnapshotOfferType
}

// snapshotDue reports whether an aggregate whose Version has just reached v
// should offer a snapshot. Snapshot events inflate Version, so the count of
// offers already taken is subtracted to keep the cadence anchored to domain
// events
func snapshotDue(v, size int64) bool {
	if size <= 0 || v <= 0 {
		return false
	}
	k := (v - 1) / size
	return (v-k)%size == 0
}

// NewCompactor starts cfg.WorkerCount workers draining a bounded queue.
// When compaction is disabled it returns nil, which accepts no requests
func NewCompactor(
	snaps SnapshotRepository, cfg CompactionConfig, log *zap.Logger,
) *Compactor {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Compactor{
		snapshots: snaps,
		log:       log,
		config:    cfg,
		queue:     make(chan compactRequest, max(cfg.QueueSize, 1)),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < max(cfg.WorkerCount, 1); i++ {
		c.wg.Add(1)
		go c.worker(i)
	}
	return c
}

func (c *Compactor) worker(id int) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.queue:
			c.compact(id, req)
		}
	}
}

func (c *Compactor) compact(workerID int, req compactRequest) {
	ctx := c.ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(c.ctx, c.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := c.snapshots.ClearBelowVersion(ctx, req.typ, req.id, req.version)
	duration := time.Since(start)

	if err != nil {
		c.log.Error("Failed to compact snapshots",
			zap.Int("worker_id", workerID),
			zap.String("aggregate_type", string(req.typ)),
			zap.Stringer("aggregate_id", req.id),
			zap.Int64("version", req.version),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	c.log.Debug("Snapshots compacted",
		zap.Int("worker_id", workerID),
		zap.String("aggregate_type", string(req.typ)),
		zap.Stringer("aggregate_id", req.id),
		zap.Int64("version", req.version),
		zap.Duration("duration", duration),
	)
}

// Enqueue asks for every snapshot of the aggregate below version to be
// removed. A full queue drops the request and returns false
func (c *Compactor) Enqueue(
	typ AggregateType, id uuid.UUID, version int64,
) bool {
	if c == nil {
		return false
	}
	req := compactRequest{typ: typ, id: id, version: version}

	select {
	case <-c.ctx.Done():
		return false
	default:
	}

	select {
	case c.queue <- req:
		return true
	default:
		c.log.Warn("Compaction queue full, dropping request",
			zap.String("aggregate_type", string(typ)),
			zap.Stringer("aggregate_id", id),
			zap.Int64("version", version),
			zap.Int("queue_size", len(c.queue)),
		)
		return false
	}
}

// Stop cancels the workers and waits for them to exit. Queued requests that
// have not started are discarded
func (c *Compactor) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}
