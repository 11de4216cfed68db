package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

func passThrough(action string) domain.OutputEvent {
	return domain.PassThroughOutput(testEvent(domain.FileSubject("/tmp/x"), action, 1, time.Now()))
}

func TestOutputBackpressure(t *testing.T) {
	o := NewOutput(zaptest.NewLogger(t), 1, BlockProducer)
	ctx := context.Background()

	require.NoError(t, o.Send(ctx, passThrough(domain.ActionFileCreate)))

	// Consumer is stalled: the next send suspends instead of erroring.
	sent := make(chan error, 1)
	go func() { sent <- o.Send(ctx, passThrough(domain.ActionFileWrite)) }()

	select {
	case <-sent:
		t.Fatal("send should suspend against a stalled consumer")
	case <-time.After(50 * time.Millisecond):
	}

	// Consumer drains one event: the producer resumes.
	<-o.Events()
	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not resume once the consumer drained")
	}
	assert.Equal(t, int64(0), o.Dropped())
	assert.Equal(t, int64(2), o.Sent())
}

func TestOutputCloseDrainsBufferedEvents(t *testing.T) {
	o := NewOutput(zaptest.NewLogger(t), 8, BlockProducer)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Send(ctx, passThrough(domain.ActionFileWrite)))
	}

	// Consumer drains concurrently with Close.
	got := make(chan int, 1)
	go func() {
		n := 0
		for range o.Events() {
			n++
		}
		got <- n
	}()

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, o.Close(closeCtx))

	select {
	case n := <-got:
		assert.Equal(t, 3, n, "every buffered event reaches the consumer")
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never saw the channel close")
	}
}

func TestOutputCloseIdempotent(t *testing.T) {
	o := NewOutput(zaptest.NewLogger(t), 8, BlockProducer)
	ctx := context.Background()

	require.NoError(t, o.Close(ctx))
	require.NoError(t, o.Close(ctx))

	err := o.Send(ctx, passThrough(domain.ActionFileWrite))
	assert.ErrorIs(t, err, domain.ErrShutdown)
}

func TestOutputDropPolicyCountsDrops(t *testing.T) {
	o := NewOutput(zaptest.NewLogger(t), 1, DropNewest)
	ctx := context.Background()

	require.NoError(t, o.Send(ctx, passThrough(domain.ActionFileCreate)))
	err := o.Send(ctx, passThrough(domain.ActionFileWrite))

	assert.ErrorIs(t, err, domain.ErrQueueOverflow)
	assert.Equal(t, int64(1), o.Dropped())
}
