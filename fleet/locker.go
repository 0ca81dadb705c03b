package fleet

import (
	"context"
	"slices"
	"sync"

	"github.com/warp/fleet-ledger/generic"
)

// CarSetKey guards the set of cars as a whole. It sorts before every
// "car:" key, so acquiring it together with car keys in one sorted pass
// never inverts the order used by monthly closing.
const CarSetKey = "all:cars"

// Locker serializes operations that touch the same entities.
type Locker interface {
	// Acquire blocks until every key is held or ctx is done. Keys are
	// de-duplicated and taken in sorted order. The returned func releases
	// them all.
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// SortKeys de-duplicates and sorts lock keys.
func SortKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// refKeys returns the lock keys for a set of references.
func refKeys(refs ...generic.Ref) []string {
	keys := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.IsZero() {
			continue
		}
		keys = append(keys, r.LockKey())
	}
	return keys
}

// =============================================================================
// KEYED LOCKER - In-process implementation
// =============================================================================

// KeyedLocker is a per-key mutex table for a single process. Waiting honors
// context cancellation. Idle keys are dropped from the table.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*slot)}
}

func (l *KeyedLocker) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = SortKeys(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, k := range keys {
		if err := l.lock(ctx, k); err != nil {
			release()
			return nil, generic.Unavailable(err)
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *KeyedLocker) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, s)
		return ctx.Err()
	}
}

func (l *KeyedLocker) unlock(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	l.drop(key, s)
}

func (l *KeyedLocker) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
