package engine

import (
	"fmt"
	"sync"
)

// lazyResource holds a shared engine instance that is constructed on first
// use. Construction is mutually exclusive: a concurrent first caller waits
// for the in-flight construction instead of double-instantiating. A failed
// construction is retried on the next call; a successful one is cached for
// the process lifetime.
type lazyResource[T any] struct {
	mu       sync.Mutex
	build    func() (T, error)
	instance T
	ready    bool
}

func newLazyResource[T any](build func() (T, error)) *lazyResource[T] {
	return &lazyResource[T]{build: build}
}

// get returns the cached instance, constructing it under the lock if needed.
func (l *lazyResource[T]) get() (T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ready {
		return l.instance, nil
	}

	instance, err := l.build()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}

	l.instance = instance
	l.ready = true
	return l.instance, nil
}

// loaded reports whether the instance has been constructed, without
// triggering construction.
func (l *lazyResource[T]) loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}
