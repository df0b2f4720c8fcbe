// Package syncutil provides locking primitives that respect context cancellation.
package syncutil

import (
	"context"
	"sync"
)

// ContextMutex is a mutex implemented via a buffered channel so that a waiter
// can give up when its context is cancelled. The zero value is ready to use.
type ContextMutex struct {
	ch   chan struct{}
	once sync.Once
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{} // Start unlocked.
	})
}

// LockContext acquires the mutex, respecting context cancellation.
// On success it returns an unlock function the caller MUST call.
// On cancellation it returns nil and the context error.
func (m *ContextMutex) LockContext(ctx context.Context) (func(), error) {
	m.init()

	// Fail fast on an already-cancelled context even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-m.ch:
		var once sync.Once
		return func() { once.Do(func() { m.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lock acquires the mutex without a deadline.
func (m *ContextMutex) Lock() func() {
	unlock, _ := m.LockContext(context.Background())
	return unlock
}
