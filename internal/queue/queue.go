// Package queue provides a bounded, in-memory FIFO used to hand frames from
// capture sources to the processing worker.
//
// The queue also tracks the keys of items that have been pushed but not yet
// acknowledged with Done, so a producer that rescans its input cannot
// enqueue the same content twice while it is still in flight.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrFull is returned by Push when no slot frees up within the timeout.
	ErrFull = errors.New("queue full")
	// ErrEmpty is returned by Pop when nothing arrives within the timeout.
	ErrEmpty = errors.New("queue empty")
	// ErrPending is returned by Push when an item with the same key is
	// already queued or being processed.
	ErrPending = errors.New("item already pending")
)

// Bounded is a fixed-capacity FIFO. It is safe for concurrent use by any
// number of producers and consumers.
type Bounded[T any] struct {
	ch  chan T
	key func(T) string

	mu      sync.Mutex
	pending map[string]struct{}
}

// New returns a queue holding at most capacity items. key identifies an item
// for in-flight tracking; nil disables tracking.
func New[T any](capacity int, key func(T) string) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		ch:      make(chan T, capacity),
		key:     key,
		pending: make(map[string]struct{}),
	}
}

// Push enqueues item, waiting up to timeout for space. A timeout <= 0 fails
// immediately when the queue is full.
func (q *Bounded[T]) Push(ctx context.Context, item T, timeout time.Duration) error {
	release, err := q.claim(item)
	if err != nil {
		return err
	}

	select {
	case q.ch <- item:
		return nil
	default:
	}

	if timeout <= 0 {
		release()
		return ErrFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- item:
		return nil
	case <-timer.C:
		release()
		return ErrFull
	case <-ctx.Done():
		release()
		return ctx.Err()
	}
}

// Pop removes the oldest item, waiting up to timeout. It returns ErrEmpty on
// timeout and ctx.Err() on cancellation.
func (q *Bounded[T]) Pop(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	if timeout <= 0 {
		return zero, ErrEmpty
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.ch:
		return item, nil
	case <-timer.C:
		return zero, ErrEmpty
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Done releases the in-flight claim on item once the consumer has finished
// with it, successfully or not.
func (q *Bounded[T]) Done(item T) {
	if q.key == nil {
		return
	}
	q.release(q.key(item))
}

// Pending reports whether an item with key k is queued or in flight.
func (q *Bounded[T]) Pending(k string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[k]
	return ok
}

// Len returns the number of queued items.
func (q *Bounded[T]) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Bounded[T]) Cap() int { return cap(q.ch) }

// claim registers item's key and returns the func that undoes it.
func (q *Bounded[T]) claim(item T) (func(), error) {
	if q.key == nil {
		return func() {}, nil
	}
	k := q.key(item)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[k]; ok {
		return nil, ErrPending
	}
	q.pending[k] = struct{}{}
	return func() { q.release(k) }, nil
}

func (q *Bounded[T]) release(k string) {
	q.mu.Lock()
	delete(q.pending, k)
	q.mu.Unlock()
}
