package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// Output is the bounded channel delivering the final stream to downstream
// consumers. With the default BlockProducer policy a stalled consumer
// suspends the pipeline rather than losing events; drop policies count every
// drop.
type Output struct {
	logger *zap.Logger
	queue  *Queue[domain.OutputEvent]

	sent      atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewOutput creates the output channel.
func NewOutput(logger *zap.Logger, capacity int, policy OverflowPolicy) *Output {
	return &Output{
		logger: logger,
		queue:  NewQueue[domain.OutputEvent]("output", capacity, policy),
	}
}

// Send delivers ev under the configured overflow policy. After Close it
// returns domain.ErrShutdown.
func (o *Output) Send(ctx context.Context, ev domain.OutputEvent) error {
	if o.closed.Load() {
		return domain.ErrShutdown
	}
	if err := o.queue.Push(ctx, ev); err != nil {
		return err
	}
	o.sent.Add(1)
	return nil
}

// Events returns the consumer side of the stream.
func (o *Output) Events() <-chan domain.OutputEvent {
	return o.queue.Events()
}

// Close stops accepting sends, waits for the consumer to drain everything
// buffered, then closes the stream. No event is silently dropped on a
// graceful shutdown. Idempotent: a second Close returns the first result.
func (o *Output) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)

		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for o.queue.Len() > 0 {
			select {
			case <-ctx.Done():
				o.logger.Warn("Output close abandoned drain",
					zap.Int("undrained", o.queue.Len()),
					zap.Error(ctx.Err()),
				)
				o.closeErr = ctx.Err()
				o.queue.Close()
				return
			case <-ticker.C:
			}
		}
		o.queue.Close()
	})
	return o.closeErr
}

// Depth returns the current queue depth.
func (o *Output) Depth() int {
	return o.queue.Len()
}

// Sent returns the total events accepted.
func (o *Output) Sent() int64 {
	return o.sent.Load()
}

// Dropped returns the total events dropped by the overflow policy.
func (o *Output) Dropped() int64 {
	return o.queue.Dropped()
}
