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

func collectMerged(t *testing.T, m *Multiplexer, n int, timeout time.Duration) []*domain.RawEvent {
	t.Helper()
	var got []*domain.RawEvent
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, ok := <-m.Output():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out with %d/%d events", len(got), n)
		}
	}
	return got
}

func TestMultiplexerPreservesSourceOrder(t *testing.T) {
	m := NewMultiplexer(zaptest.NewLogger(t), 50*time.Millisecond, 16)
	q := NewQueue[*domain.RawEvent]("fs", 16, DropOldest)
	m.AddSource("fs", q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Now()
	subject := domain.FileSubject("/tmp/a")
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Push(ctx, testEvent(subject, domain.ActionFileWrite, i, base.Add(time.Duration(i)*time.Millisecond))))
	}
	q.Close()

	go m.Run(ctx)

	got := collectMerged(t, m, 5, 2*time.Second)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq, "per-source sequence order must hold")
	}
}

func TestMultiplexerMergesByTimestamp(t *testing.T) {
	m := NewMultiplexer(zaptest.NewLogger(t), 100*time.Millisecond, 16)
	qa := NewQueue[*domain.RawEvent]("fs", 16, DropOldest)
	qb := NewQueue[*domain.RawEvent]("proc", 16, DropOldest)
	m.AddSource("fs", qa)
	m.AddSource("proc", qb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := time.Now()
	fileSub := domain.FileSubject("/tmp/a")
	procSub := domain.ProcessSubject(42, 1)

	// Interleaved timestamps across the two sources.
	require.NoError(t, qa.Push(ctx, testEvent(fileSub, domain.ActionFileCreate, 1, base)))
	require.NoError(t, qa.Push(ctx, testEvent(fileSub, domain.ActionFileWrite, 2, base.Add(30*time.Millisecond))))
	require.NoError(t, qb.Push(ctx, testEvent(procSub, domain.ActionProcessStart, 1, base.Add(10*time.Millisecond))))
	require.NoError(t, qb.Push(ctx, testEvent(procSub, domain.ActionProcessExit, 2, base.Add(40*time.Millisecond))))
	qa.Close()
	qb.Close()

	go m.Run(ctx)

	got := collectMerged(t, m, 4, 2*time.Second)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].ObservedAt.Before(got[i-1].ObservedAt),
			"merged stream should be time ordered when both sources are staged")
	}
}

func TestMultiplexerToleranceReleasesHeldEvents(t *testing.T) {
	// One source has events, the other stays silent: the staged event must
	// be released after the tolerance window rather than waiting forever.
	tolerance := 50 * time.Millisecond
	m := NewMultiplexer(zaptest.NewLogger(t), tolerance, 16)
	qa := NewQueue[*domain.RawEvent]("fs", 16, DropOldest)
	qb := NewQueue[*domain.RawEvent]("proc", 16, DropOldest)
	m.AddSource("fs", qa)
	m.AddSource("proc", qb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, qa.Push(ctx, testEvent(domain.FileSubject("/tmp/a"), domain.ActionFileCreate, 1, time.Now())))

	go m.Run(ctx)

	start := time.Now()
	select {
	case ev := <-m.Output():
		require.NotNil(t, ev)
		waited := time.Since(start)
		assert.GreaterOrEqual(t, waited, tolerance/2, "event released suspiciously early")
		assert.Less(t, waited, 10*tolerance, "event held far beyond the tolerance window")
	case <-time.After(2 * time.Second):
		t.Fatal("held event was never released")
	}

	qa.Close()
	qb.Close()
}

func TestMultiplexerWakesPromptlyAfterIdle(t *testing.T) {
	m := NewMultiplexer(zaptest.NewLogger(t), 100*time.Millisecond, 16)
	q := NewQueue[*domain.RawEvent]("fs", 16, DropOldest)
	m.AddSource("fs", q)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// A long quiet stretch, then one event: the merge loop must wake on the
	// arrival itself, and a single-source event is a safe merge released
	// without waiting out the tolerance.
	time.Sleep(300 * time.Millisecond)
	pushed := time.Now()
	require.NoError(t, q.Push(ctx, testEvent(domain.FileSubject("/tmp/a"), domain.ActionFileWrite, 1, pushed)))

	select {
	case ev := <-m.Output():
		require.NotNil(t, ev)
		assert.Less(t, time.Since(pushed), 100*time.Millisecond,
			"single staged source merges without a tolerance wait")
	case <-time.After(2 * time.Second):
		t.Fatal("event never emerged after idle period")
	}

	q.Close()
}

func TestMultiplexerClosesOutputWhenAllSourcesDone(t *testing.T) {
	m := NewMultiplexer(zaptest.NewLogger(t), 20*time.Millisecond, 16)
	q := NewQueue[*domain.RawEvent]("fs", 16, DropOldest)
	m.AddSource("fs", q)
	q.Close()

	ctx := context.Background()
	go m.Run(ctx)

	select {
	case _, ok := <-m.Output():
		assert.False(t, ok, "output should close once all sources are drained")
	case <-time.After(2 * time.Second):
		t.Fatal("output never closed")
	}
}

func TestMultiplexerQueueDepths(t *testing.T) {
	m := NewMultiplexer(zaptest.NewLogger(t), 20*time.Millisecond, 16)
	q := NewQueue[*domain.RawEvent]("fs", 16, DropOldest)
	m.AddSource("fs", q)

	require.NoError(t, q.Push(context.Background(), testEvent(domain.FileSubject("/x"), domain.ActionFileWrite, 1, time.Now())))

	depths := m.QueueDepths()
	assert.Equal(t, 1, depths["fs"])
}
