package sources

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/pipeline"
)

type fakeSubscription struct {
	events chan Sample
	errs   chan error
	once   sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		events: make(chan Sample, 16),
		errs:   make(chan error, 1),
	}
}

func (s *fakeSubscription) Events() <-chan Sample { return s.events }
func (s *fakeSubscription) Err() <-chan error     { return s.errs }
func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

// fakeSource fails the first failBeforeSuccess Subscribe calls, then hands
// out scripted subscriptions.
type fakeSource struct {
	mu                sync.Mutex
	failBeforeSuccess int
	subscribeCalls    int
	subs              []*fakeSubscription
}

func (f *fakeSource) Kind() domain.SourceKind { return domain.SourceFileSystem }
func (f *fakeSource) Name() string            { return "fake" }

func (f *fakeSource) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls++
	if f.subscribeCalls <= f.failBeforeSuccess {
		return nil, errors.New("permission denied")
	}
	sub := newFakeSubscription()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribeCalls
}

func (f *fakeSource) sub(i int) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.subs) {
		return nil
	}
	return f.subs[i]
}

type markerRecorder struct {
	mu      sync.Mutex
	markers []*domain.SourceMarker
}

func (r *markerRecorder) PublishMarker(m *domain.SourceMarker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers = append(r.markers, m)
}

func (r *markerRecorder) kinds() []domain.MarkerKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]domain.MarkerKind, len(r.markers))
	for i, m := range r.markers {
		kinds[i] = m.Kind
	}
	return kinds
}

func fastAdapterConfig() AdapterConfig {
	return AdapterConfig{
		MaxFailures: 3,
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAdapterNormalizesAndSequences(t *testing.T) {
	src := &fakeSource{}
	q := pipeline.NewQueue[*domain.RawEvent]("fake", 16, pipeline.DropOldest)
	rec := &markerRecorder{}
	a := NewAdapter(zaptest.NewLogger(t), src, q, rec, fastAdapterConfig())

	require.NoError(t, a.Start(context.Background()))
	waitFor(t, func() bool { return src.sub(0) != nil }, "never subscribed")

	sub := src.sub(0)
	at := time.Now()
	sub.events <- Sample{Subject: domain.FileSubject("/tmp/a"), Action: domain.ActionFileCreate, At: at}
	sub.events <- Sample{Subject: domain.FileSubject("/tmp/a"), Action: domain.ActionFileWrite, At: at}

	waitFor(t, func() bool { return q.Len() == 2 }, "events never reached the queue")

	ev1, ok, _ := q.TryPop()
	require.True(t, ok)
	ev2, ok, _ := q.TryPop()
	require.True(t, ok)

	assert.Equal(t, uint64(1), ev1.Seq)
	assert.Equal(t, uint64(2), ev2.Seq)
	assert.NotEmpty(t, ev1.ID)
	assert.NotEqual(t, ev1.ID, ev2.ID)
	assert.Equal(t, domain.SourceFileSystem, ev1.Source)
	assert.Equal(t, at, ev1.ObservedAt)

	require.NoError(t, a.Stop())
}

func TestAdapterDiscardsMalformedSamples(t *testing.T) {
	src := &fakeSource{}
	q := pipeline.NewQueue[*domain.RawEvent]("fake", 16, pipeline.DropOldest)
	a := NewAdapter(zaptest.NewLogger(t), src, q, &markerRecorder{}, fastAdapterConfig())

	require.NoError(t, a.Start(context.Background()))
	waitFor(t, func() bool { return src.sub(0) != nil }, "never subscribed")

	sub := src.sub(0)
	sub.events <- Sample{Subject: domain.FileSubject("/tmp/a")} // no action
	sub.events <- Sample{Action: domain.ActionFileWrite}        // no subject
	sub.events <- Sample{Subject: domain.FileSubject("/tmp/a"), Action: domain.ActionFileWrite}

	waitFor(t, func() bool { return q.Len() == 1 }, "valid event never queued")
	waitFor(t, func() bool { return a.Statistics().Malformed == 2 }, "malformed samples not counted")

	require.NoError(t, a.Stop())
}

func TestAdapterResubscribesWithFreshSequence(t *testing.T) {
	src := &fakeSource{}
	q := pipeline.NewQueue[*domain.RawEvent]("fake", 16, pipeline.DropOldest)
	rec := &markerRecorder{}
	a := NewAdapter(zaptest.NewLogger(t), src, q, rec, fastAdapterConfig())

	require.NoError(t, a.Start(context.Background()))
	waitFor(t, func() bool { return src.sub(0) != nil }, "never subscribed")

	sub := src.sub(0)
	sub.events <- Sample{Subject: domain.FileSubject("/tmp/a"), Action: domain.ActionFileWrite}
	waitFor(t, func() bool { return q.Len() == 1 }, "first event never queued")

	// Transport failure ends the first subscription.
	sub.errs <- errors.New("watch handle lost")
	waitFor(t, func() bool { return src.sub(1) != nil }, "never resubscribed")

	sub2 := src.sub(1)
	sub2.events <- Sample{Subject: domain.FileSubject("/tmp/b"), Action: domain.ActionFileWrite}
	waitFor(t, func() bool { return q.Len() == 2 }, "post-resubscribe event never queued")

	ev1, _, _ := q.TryPop()
	ev2, _, _ := q.TryPop()
	assert.Equal(t, uint64(1), ev1.Seq)
	assert.Equal(t, uint64(1), ev2.Seq, "sequence space restarts after resubscribe")

	kinds := rec.kinds()
	assert.Contains(t, kinds, domain.MarkerSourceDegraded)
	assert.Contains(t, kinds, domain.MarkerResubscribed)
	assert.Equal(t, int64(1), a.Statistics().Resubscribes)

	require.NoError(t, a.Stop())
}

func TestAdapterMarksSourceDownAfterMaxFailures(t *testing.T) {
	src := &fakeSource{failBeforeSuccess: 100}
	q := pipeline.NewQueue[*domain.RawEvent]("fake", 16, pipeline.DropOldest)
	rec := &markerRecorder{}
	a := NewAdapter(zaptest.NewLogger(t), src, q, rec, fastAdapterConfig())

	require.NoError(t, a.Start(context.Background()))

	waitFor(t, func() bool { return !a.IsHealthy() }, "source never marked down")
	assert.Equal(t, 3, src.calls(), "down after exactly MaxFailures attempts")

	kinds := rec.kinds()
	assert.Equal(t, domain.MarkerSourceDown, kinds[len(kinds)-1])

	// The adapter's run loop exited and closed its queue.
	waitFor(t, func() bool {
		_, _, closed := q.TryPop()
		return closed
	}, "ingress queue never closed")

	require.NoError(t, a.Stop())
}

func TestAdapterRateLimitCountsDrops(t *testing.T) {
	src := &fakeSource{}
	q := pipeline.NewQueue[*domain.RawEvent]("fake", 64, pipeline.DropOldest)
	cfg := fastAdapterConfig()
	cfg.MaxEventsPerSec = 1
	a := NewAdapter(zaptest.NewLogger(t), src, q, &markerRecorder{}, cfg)

	require.NoError(t, a.Start(context.Background()))
	waitFor(t, func() bool { return src.sub(0) != nil }, "never subscribed")

	sub := src.sub(0)
	for i := 0; i < 10; i++ {
		sub.events <- Sample{Subject: domain.FileSubject("/tmp/a"), Action: domain.ActionFileWrite}
	}

	waitFor(t, func() bool {
		stats := a.Statistics()
		return stats.EventsProduced+stats.EventsDropped == 10
	}, "events not fully accounted")

	stats := a.Statistics()
	assert.Greater(t, stats.EventsDropped, int64(0), "rate limit drops are counted")
	assert.Greater(t, stats.EventsProduced, int64(0), "burst allowance admits some events")

	require.NoError(t, a.Stop())
}

func TestAdapterStopIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	q := pipeline.NewQueue[*domain.RawEvent]("fake", 16, pipeline.DropOldest)
	a := NewAdapter(zaptest.NewLogger(t), src, q, &markerRecorder{}, fastAdapterConfig())

	require.NoError(t, a.Start(context.Background()))
	waitFor(t, func() bool { return src.sub(0) != nil }, "never subscribed")

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())

	assert.Error(t, a.Start(context.Background()), "restart is not supported")
}
