package eventway

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// Executor runs load-mutate-save cycles against a Store, one at a time
	// per aggregate ID, retrying when a concurrent writer wins the append
	Executor[A Root] struct {
		store      *Store[A]
		locks      *lockTable[*cached[A]]
		log        *zap.Logger
		maxRetries int
	}

	// Mutation is the body of an Exec cycle. It usually calls Tell or Ask
	// on the aggregate
	Mutation[A Root] func(A) error

	cached[A Root] struct {
		agg A
	}
)

// NewExecutor wraps store using the retry and cache settings from cfg
func NewExecutor[A Root](
	store *Store[A], cfg Config, log *zap.Logger,
) *Executor[A] {
	if log == nil {
		log = zap.NewNop()
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	return &Executor[A]{
		store:      store,
		locks:      newLockTable[*cached[A]](cfg.CacheSize),
		log:        log,
		maxRetries: retries,
	}
}

func (e *Executor[A]) Store() *Store[A] {
	return e.store
}

// Exec loads the aggregate, applies fn, and saves the result. A version
// conflict discards the loaded state and starts over, up to the configured
// number of attempts. The returned aggregate is the committed state and
// must not be mutated by the caller
func (e *Executor[A]) Exec(
	ctx context.Context, id uuid.UUID, fn Mutation[A],
) (A, error) {
	var zero A
	entry := e.locks.acquire(id)
	defer e.locks.release(entry)

	for attempt := range e.maxRetries {
		agg, err := e.load(ctx, id, entry)
		if err != nil {
			return zero, err
		}

		if err := fn(agg); err != nil {
			entry.value = nil
			return zero, err
		}

		err = e.store.Save(ctx, agg)
		if err == nil {
			entry.value = &cached[A]{agg: agg}
			return agg, nil
		}

		entry.value = nil
		if !errors.Is(err, ErrVersionConflict) {
			return zero, err
		}
		e.log.Debug("Version conflict, retrying",
			zap.Stringer("aggregate_id", id),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if err := ctx.Err(); err != nil {
			return zero, err
		}
	}

	return zero, ErrMaxRetriesExceeded
}

func (e *Executor[A]) load(
	ctx context.Context, id uuid.UUID, entry *lockEntry[*cached[A]],
) (A, error) {
	if entry.value != nil {
		return entry.value.agg, nil
	}
	return e.store.Load(ctx, id)
}

// Forget drops any cached state for id so the next Exec reloads it
func (e *Executor[A]) Forget(id uuid.UUID) {
	entry := e.locks.acquire(id)
	defer e.locks.release(entry)
	entry.value = nil
}
