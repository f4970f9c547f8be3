// Package lock provides the keyed locks that serialize resolves touching the
// same identity or cluster.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"identity-reconciliation/internal/store"
)

// Local is an in-process keyed mutex. Keys are acquired in sorted order so two
// callers locking overlapping key sets cannot deadlock.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates a keyed mutex. A positive wait bounds how long Lock blocks
// per call before failing with store.ErrLockTimeout.
func NewLocal(wait time.Duration) *Local {
	return &Local{slots: make(map[string]*slot), wait: wait}
}

// Lock acquires every key or none of them.
func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	if len(keys) == 0 {
		return func() {}, nil
	}

	if l.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			l.release(held)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, store.ErrLockTimeout
			}
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *Local) acquire(ctx context.Context, key string) error {
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
		l.unref(key)
		return ctx.Err()
	}
}

func (l *Local) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[keys[i]]
		l.mu.Unlock()
		<-s.ch
		l.unref(keys[i])
	}
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
