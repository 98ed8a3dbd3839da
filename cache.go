package eventway

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

type (
	// lockTable hands out one lockEntry per aggregate ID and keeps the most
	// recently used idle entries up to a limit. An entry that is held, or
	// waited on, is never evicted
	lockTable[T any] struct {
		entries map[uuid.UUID]*list.Element
		order   *list.List
		limit   int
		mu      sync.Mutex
	}

	lockEntry[T any] struct {
		value T
		id    uuid.UUID
		users int
		mu    sync.Mutex
	}
)

func newLockTable[T any](limit int) *lockTable[T] {
	if limit <= 0 {
		limit = DefaultExecutorCacheSize
	}
	return &lockTable[T]{
		entries: map[uuid.UUID]*list.Element{},
		order:   list.New(),
		limit:   limit,
	}
}

// acquire returns the entry for id with its mutex held
func (t *lockTable[T]) acquire(id uuid.UUID) *lockEntry[T] {
	t.mu.Lock()
	elem, ok := t.entries[id]
	if ok {
		t.order.MoveToFront(elem)
	} else {
		elem = t.order.PushFront(&lockEntry[T]{id: id})
		t.entries[id] = elem
	}
	e := elem.Value.(*lockEntry[T])
	e.users++
	t.trimLocked()
	t.mu.Unlock()

	e.mu.Lock()
	return e
}

func (t *lockTable[T]) release(e *lockEntry[T]) {
	e.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	e.users--
	t.trimLocked()
}

// trimLocked evicts idle entries from the least recently used end. While
// many entries are in use the table can exceed its limit
func (t *lockTable[T]) trimLocked() {
	elem := t.order.Back()
	for elem != nil && t.order.Len() > t.limit {
		prev := elem.Prev()
		if e := elem.Value.(*lockEntry[T]); e.users == 0 {
			t.order.Remove(elem)
			delete(t.entries, e.id)
		}
		elem = prev
	}
}
