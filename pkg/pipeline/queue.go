// Package pipeline implements the single-consumer event pipeline: per-source
// bounded ingress queues drained by a time-ordering multiplexer, a burst
// suppressor, a pattern correlator, and a bounded output channel with
// explicit backpressure.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// OverflowPolicy is the rule applied when a bounded queue is full.
type OverflowPolicy uint8

const (
	// DropOldest evicts the oldest queued event to make room. Favors
	// recency; the default for ingress queues.
	DropOldest OverflowPolicy = iota

	// DropNewest rejects the incoming event.
	DropNewest

	// BlockProducer suspends the producer until there is room or its
	// context is cancelled. Favors completeness; the default for the
	// output channel.
	BlockProducer
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case BlockProducer:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy converts a config string into an OverflowPolicy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "drop_newest":
		return DropNewest, nil
	case "block":
		return BlockProducer, nil
	default:
		return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Queue is a bounded FIFO with a configurable overflow policy. Drops are
// never silent: every rejected or evicted event increments the drop counter.
//
// The fast path is a buffered channel, so a single producer and a single
// consumer never contend on a lock; the mutex only serializes DropOldest
// evictions between producers.
type Queue[T any] struct {
	name    string
	ch      chan T
	policy  OverflowPolicy
	dropped atomic.Int64

	evictMu   sync.Mutex
	closeOnce sync.Once
}

// NewQueue creates a bounded queue with the given capacity and policy.
func NewQueue[T any](name string, capacity int, policy OverflowPolicy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		name:   name,
		ch:     make(chan T, capacity),
		policy: policy,
	}
}

// Push enqueues v according to the overflow policy. It returns
// domain.ErrQueueOverflow when the event was dropped under DropNewest, and
// ctx.Err() when a blocked producer was cancelled. DropOldest never fails:
// it evicts queued events until v fits.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	switch q.policy {
	case BlockProducer:
		select {
		case q.ch <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case DropNewest:
		select {
		case q.ch <- v:
			return nil
		default:
			q.dropped.Add(1)
			return fmt.Errorf("%w: %s full, dropped newest", domain.ErrQueueOverflow, q.name)
		}

	default: // DropOldest
		for {
			select {
			case q.ch <- v:
				return nil
			default:
			}
			q.evictMu.Lock()
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
				// Consumer freed space in the meantime.
			}
			q.evictMu.Unlock()
		}
	}
}

// Events exposes the consumer side. The channel closes after Close once all
// queued events are drained by the consumer.
func (q *Queue[T]) Events() <-chan T {
	return q.ch
}

// TryPop dequeues without blocking. closed reports that the queue was closed
// and fully drained.
func (q *Queue[T]) TryPop() (v T, ok bool, closed bool) {
	select {
	case v, ok = <-q.ch:
		return v, ok, !ok
	default:
		return v, false, false
	}
}

// Len returns the current depth, exposed as an observability signal.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Dropped returns the total number of dropped events.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Name returns the queue name used in logs and metrics.
func (q *Queue[T]) Name() string {
	return q.name
}

// Close marks the producer side done. Idempotent. Queued events remain
// readable until drained.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}
