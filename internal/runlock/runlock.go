// Package runlock keeps two sync runs from overlapping.
package runlock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("another sync run is in progress")

// Locker acquires a named lock. The returned release func is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Distributed)(nil)
)

// Local is an in-process Locker, used when no Valkey address is configured.
type Local struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]bool)}
}

func (l *Local) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLocked
	}
	l.held[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
