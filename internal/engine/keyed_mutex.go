package engine

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Waiters honor context cancellation and idle keys are
// released so the map does not grow with the number of conversations ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done. The returned unlock func is safe to call more
// than once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				m.release(key, s)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, s)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *KeyedMutex) release(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}
