package util

import (
	"sync"
)

// Latest keeps only the most recently published value of T. Publishing
// never blocks; readers are woken through a one-slot notification
// channel and then Load the current value.
type Latest[T any] struct {
	mu     sync.Mutex
	value  T
	notify chan struct{}
}

func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{
		notify: make(chan struct{}, 1),
	}
}

// Publish replaces the held value and schedules a notification if none
// is pending.
func (l *Latest[T]) Publish(v T) {
	l.mu.Lock()
	l.value = v
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Updates is meant for select statements.
func (l *Latest[T]) Updates() <-chan struct{} {
	return l.notify
}

func (l *Latest[T]) Load() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Pending reports whether a notification has not been consumed yet.
func (l *Latest[T]) Pending() bool {
	return len(l.notify) > 0
}
