package eventway

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type (
	// Hub is an in-process EventListener and Publisher. Published records
	// are decoded and delivered by a single goroutine, so subscribers see
	// events in the order they were appended
	Hub struct {
		registry  *Registry
		log       *zap.Logger
		subs      map[EventType][]EventHandler
		batches   map[EventType][]BatchHandler
		queue     chan hubMessage
		ctx       context.Context
		cancel    context.CancelFunc
		wg        sync.WaitGroup
		mu        sync.RWMutex
		closeOnce sync.Once
	}

	// HubOption configures a Hub
	HubOption func(*Hub)

	hubMessage struct {
		events []*Event
		done   chan struct{}
	}
)

// NewHub starts a Hub's dispatch goroutine
func NewHub(reg *Registry, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry: reg,
		log:      zap.NewNop(),
		subs:     map[EventType][]EventHandler{},
		batches:  map[EventType][]BatchHandler{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(h)
	}
	if h.queue == nil {
		h.queue = make(chan hubMessage, DefaultHubQueueSize)
	}

	h.wg.Add(1)
	go h.run()
	return h
}

// WithHubQueueSize bounds the number of pending Publish calls
func WithHubQueueSize(size int) HubOption {
	return func(h *Hub) {
		h.queue = make(chan hubMessage, max(size, 1))
	}
}

func WithHubLogger(log *zap.Logger) HubOption {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// Subscribe implements EventListener
func (h *Hub) Subscribe(typ EventType, fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[typ] = append(h.subs[typ], fn)
}

// SubscribeBatch implements EventListener. Consecutive events of typ in a
// single Publish call are delivered together
func (h *Hub) SubscribeBatch(typ EventType, fn BatchHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches[typ] = append(h.batches[typ], fn)
}

// Publish implements Publisher. It blocks while the queue is full
func (h *Hub) Publish(ctx context.Context, evs []*Event) error {
	if len(evs) == 0 {
		return nil
	}
	return h.enqueue(ctx, hubMessage{events: evs})
}

// Flush waits until everything published before the call was delivered
func (h *Hub) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := h.enqueue(ctx, hubMessage{done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

func (h *Hub) enqueue(ctx context.Context, msg hubMessage) error {
	select {
	case <-h.ctx.Done():
		return ErrHubClosed
	default:
	}

	select {
	case h.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Close stops delivery. Pending messages are discarded
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
	})
	return nil
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.queue:
			if len(msg.events) > 0 {
				h.deliver(msg.events)
			}
			if msg.done != nil {
				close(msg.done)
			}
		}
	}
}

func (h *Hub) deliver(evs []*Event) {
	decoded := make([]*OrderedEvent, 0, len(evs))
	for _, ev := range evs {
		oe, err := h.registry.Decode(ev)
		if err != nil {
			// still durable; catch-up will surface it
			h.log.Error("Failed to decode published event",
				zap.String("event_type", string(ev.EventType)),
				zap.Int64("sequence", ev.Sequence),
				zap.Error(err),
			)
			continue
		}
		decoded = append(decoded, oe)
	}

	for _, run := range splitRuns(decoded) {
		h.deliverRun(run)
	}
}

func (h *Hub) deliverRun(run []*OrderedEvent) {
	typ := run[0].Payload.EventType()

	h.mu.RLock()
	subs := h.subs[typ]
	batches := h.batches[typ]
	h.mu.RUnlock()

	for _, fn := range subs {
		for _, oe := range run {
			if err := fn(h.ctx, oe); err != nil {
				h.log.Warn("Subscriber failed",
					zap.String("event_type", string(typ)),
					zap.Int64("ordering", oe.Ordering),
					zap.Error(err),
				)
			}
		}
	}
	for _, fn := range batches {
		if err := fn(h.ctx, run); err != nil {
			h.log.Warn("Batch subscriber failed",
				zap.String("event_type", string(typ)),
				zap.Int("count", len(run)),
				zap.Error(err),
			)
		}
	}
}

// splitRuns groups consecutive events of the same type
func splitRuns(evs []*OrderedEvent) [][]*OrderedEvent {
	var res [][]*OrderedEvent
	start := 0
	for i := 1; i <= len(evs); i++ {
		if i == len(evs) ||
			evs[i].Payload.EventType() != evs[start].Payload.EventType() {
			if i > start {
				res = append(res, evs[start:i])
			}
			start = i
		}
	}
	return res
}
