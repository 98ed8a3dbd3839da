package eventway_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/kode4food/eventway"
	"github.com/kode4food/eventway/memory"
)

type conflictingEvents struct {
	*memory.Store
	failures int
	mu       sync.Mutex
}

func (c *conflictingEvents) Append(
	ctx context.Context, typ eventway.AggregateType, id uuid.UUID,
	expected int64, evs []*eventway.Event,
) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return &eventway.VersionConflictError{
			AggregateType: typ, AggregateID: id,
			Expected: expected, Actual: expected + 1,
		}
	}
	c.mu.Unlock()
	return c.Store.Append(ctx, typ, id, expected, evs)
}

func TestExecutorExec(t *testing.T) {
	ctx := context.Background()
	exec := eventway.NewExecutor(
		newUserStore(memory.NewStore(), 50), eventway.DefaultConfig(), nil,
	)
	id := uuid.New()

	u, err := exec.Exec(ctx, id, func(u *testUser) error {
		return u.Tell(&RegisterUser{Name: "ada"})
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), u.Version())

	u, err = exec.Exec(ctx, id, func(u *testUser) error {
		return u.Tell(&LogIn{})
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), u.Version())
	assert.Equal(t, "ada", u.state.Name)
	assert.Equal(t, 1, u.state.Logins)
}

func TestExecutorCommandError(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	exec := eventway.NewExecutor(
		newUserStore(mem, 50), eventway.DefaultConfig(), nil,
	)
	id := uuid.New()

	_, err := exec.Exec(ctx, id, func(u *testUser) error {
		u.Publish(&UserLoggedIn{})
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	evs, err := mem.GetStream(ctx, userType, id, 0)
	assert.NoError(t, err)
	assert.Empty(t, evs)

	u, err := exec.Exec(ctx, id, func(u *testUser) error {
		return u.Tell(&DeleteAccount{})
	})
	assert.ErrorIs(t, err, eventway.ErrHandlerNotFound)
	assert.Nil(t, u)
}

func TestExecutorRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	events := &conflictingEvents{Store: memory.NewStore(), failures: 2}
	store := eventway.NewStore(events, events.Store, newRegistry(),
		func(id uuid.UUID) *testUser { return newTestUser(id) },
	)
	exec := eventway.NewExecutor(store, eventway.DefaultConfig(), nil)

	attempts := 0
	u, err := exec.Exec(ctx, uuid.New(), func(u *testUser) error {
		attempts++
		return u.Tell(&LogIn{})
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int64(1), u.Version())
}

func TestExecutorMaxRetries(t *testing.T) {
	ctx := context.Background()
	events := &conflictingEvents{Store: memory.NewStore(), failures: 100}
	store := eventway.NewStore(events, events.Store, newRegistry(),
		func(id uuid.UUID) *testUser { return newTestUser(id) },
	)
	cfg := eventway.DefaultConfig()
	cfg.MaxRetries = 3
	exec := eventway.NewExecutor(store, cfg, nil)

	_, err := exec.Exec(ctx, uuid.New(), func(u *testUser) error {
		return u.Tell(&LogIn{})
	})
	assert.True(t, errors.Is(err, eventway.ErrMaxRetriesExceeded))
}

func TestExecutorConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	cfg := eventway.DefaultConfig()
	cfg.MaxRetries = 100

	// two executors share a log but not a lock table
	a := eventway.NewExecutor(newUserStore(mem, 50), cfg, nil)
	b := eventway.NewExecutor(newUserStore(mem, 50), cfg, nil)
	id := uuid.New()

	var wg sync.WaitGroup
	for i := range 20 {
		exec := a
		if i%2 == 1 {
			exec = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Exec(ctx, id, func(u *testUser) error {
				return u.Tell(&LogIn{})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a.Forget(id)
	u, err := a.Exec(ctx, id, func(*testUser) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, 20, u.state.Logins)
	assert.Equal(t, int64(20), u.Version())
}

func TestExecutorKeepsHeldLocks(t *testing.T) {
	ctx := context.Background()
	cfg := eventway.DefaultConfig()
	cfg.CacheSize = 1
	exec := eventway.NewExecutor(newUserStore(memory.NewStore(), 50), cfg, nil)
	held, other := uuid.New(), uuid.New()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := exec.Exec(ctx, held, func(u *testUser) error {
			close(entered)
			<-release
			return u.Tell(&RegisterUser{Name: "ada"})
		})
		assert.NoError(t, err)
	}()
	<-entered

	// filling the table past its limit must not evict the held entry
	_, err := exec.Exec(ctx, other, func(u *testUser) error {
		return u.Tell(&RegisterUser{Name: "grace"})
	})
	assert.NoError(t, err)

	var second sync.WaitGroup
	var ran atomic.Bool
	second.Add(1)
	go func() {
		defer second.Done()
		_, err := exec.Exec(ctx, held, func(u *testUser) error {
			ran.Store(true)
			return u.Tell(&LogIn{})
		})
		assert.NoError(t, err)
	}()

	assert.Never(t, ran.Load, 50*time.Millisecond, 5*time.Millisecond)
	close(release)
	<-done
	second.Wait()
	assert.True(t, ran.Load())

	u, err := exec.Exec(ctx, held, func(*testUser) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, int64(2), u.Version())
}
