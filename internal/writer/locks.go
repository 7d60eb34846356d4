package writer

import (
	"context"
	"slices"
	"sync"
)

// KeyLocks serializes writes per row. A row identity is never part of two
// in-flight writes, even when the writes come from different connectors.
type KeyLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewKeyLocks creates an empty lock table
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{held: make(map[string]chan struct{})}
}

// Lock acquires every id in sorted order and returns the matching unlock.
// It gives up with the context error when ctx is done first.
func (l *KeyLocks) Lock(ctx context.Context, ids []string) (func(), error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	for i, id := range ids {
		if err := l.acquire(ctx, id); err != nil {
			l.release(ids[:i])
			return nil, err
		}
	}
	return func() { l.release(ids) }, nil
}

func (l *KeyLocks) acquire(ctx context.Context, id string) error {
	for {
		l.mu.Lock()
		wait, busy := l.held[id]
		if !busy {
			l.held[id] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (l *KeyLocks) release(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		if ch, ok := l.held[id]; ok {
			delete(l.held, id)
			close(ch)
		}
	}
}

// Held returns the number of row identities currently locked
func (l *KeyLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
