package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// muxSource is the multiplexer's view of one ingress queue: at most one
// event staged for merging, so per-source FIFO order is preserved by
// construction. The pump goroutine holds the next event until the merge
// loop acks the staged one, so everything else stays in the bounded queue.
type muxSource struct {
	name     string
	queue    *Queue[*domain.RawEvent]
	staged   *domain.RawEvent
	stagedAt time.Time
	done     bool
	ack      chan struct{}
}

// muxArrival is one pump-to-merge handoff.
type muxArrival struct {
	src    *muxSource
	ev     *domain.RawEvent
	closed bool
}

// Multiplexer drains all per-source ingress queues and yields one merged
// stream ordered by ObservedAt within a bounded out-of-order tolerance: an
// event is held back until either every active source has a candidate staged
// (a safe merge) or it has waited the tolerance window.
type Multiplexer struct {
	logger    *zap.Logger
	tolerance time.Duration

	mu      sync.RWMutex
	sources []*muxSource

	out chan *domain.RawEvent
}

// NewMultiplexer creates a multiplexer with the given out-of-order tolerance
// window and output buffer capacity.
func NewMultiplexer(logger *zap.Logger, tolerance time.Duration, outCapacity int) *Multiplexer {
	if tolerance <= 0 {
		tolerance = 250 * time.Millisecond
	}
	if outCapacity <= 0 {
		outCapacity = 64
	}
	return &Multiplexer{
		logger:    logger,
		tolerance: tolerance,
		out:       make(chan *domain.RawEvent, outCapacity),
	}
}

// AddSource registers an ingress queue. Must be called before Run.
func (m *Multiplexer) AddSource(name string, q *Queue[*domain.RawEvent]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, &muxSource{name: name, queue: q})
}

// Output returns the merged stream. It closes once every ingress queue has
// been closed and drained.
func (m *Multiplexer) Output() <-chan *domain.RawEvent {
	return m.out
}

// QueueDepths snapshots the current depth of every ingress queue.
func (m *Multiplexer) QueueDepths() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	depths := make(map[string]int, len(m.sources))
	for _, s := range m.sources {
		depths[s.name] = s.queue.Len()
	}
	return depths
}

// DroppedTotal sums drop counters across all ingress queues.
func (m *Multiplexer) DroppedTotal() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, s := range m.sources {
		total += s.queue.Dropped()
	}
	return total
}

// Run merges until all sources are done or ctx is cancelled, then closes the
// output. Intended to run on its own goroutine. The merge loop is fully
// event driven: with every ingress queue empty it blocks on the arrival
// channel and burns no cycles.
func (m *Multiplexer) Run(ctx context.Context) {
	m.mu.RLock()
	sources := m.sources
	m.mu.RUnlock()

	arrivals := make(chan muxArrival)
	var pumps sync.WaitGroup
	for _, s := range sources {
		s.ack = make(chan struct{}, 1)
		pumps.Add(1)
		go m.pump(ctx, s, arrivals, &pumps)
	}
	defer close(m.out)
	defer pumps.Wait()

	for {
		allDone := true
		allStaged := true
		var best *muxSource

		for _, s := range sources {
			if s.staged == nil {
				if !s.done {
					allDone = false
					allStaged = false
				}
				continue
			}
			allDone = false
			if best == nil || s.staged.ObservedAt.Before(best.staged.ObservedAt) {
				best = s
			}
		}

		if allDone {
			return
		}

		if best != nil && (allStaged || time.Since(best.stagedAt) >= m.tolerance) {
			select {
			case m.out <- best.staged:
				best.staged = nil
				best.ack <- struct{}{}
			case a := <-arrivals:
				m.stage(a)
			case <-ctx.Done():
				return
			}
			continue
		}

		if best == nil {
			// Every queue is empty: suspend until an event arrives.
			select {
			case a := <-arrivals:
				m.stage(a)
			case <-ctx.Done():
				return
			}
			continue
		}

		// A candidate is held back waiting for slower sources: sleep until
		// its tolerance deadline unless an arrival resolves the merge first.
		timer := time.NewTimer(m.tolerance - time.Since(best.stagedAt))
		select {
		case a := <-arrivals:
			m.stage(a)
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

func (m *Multiplexer) stage(a muxArrival) {
	if a.closed {
		a.src.done = true
		m.logger.Debug("Ingress queue drained", zap.String("source", a.src.name))
		return
	}
	a.src.staged = a.ev
	a.src.stagedAt = time.Now()
}

// pump hands one source's events to the merge loop, one at a time: the next
// event is not taken off the bounded queue until the previous one was
// released, preserving queue backpressure and drop accounting.
func (m *Multiplexer) pump(ctx context.Context, s *muxSource, arrivals chan<- muxArrival, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case ev, ok := <-s.queue.Events():
			if !ok {
				select {
				case arrivals <- muxArrival{src: s, closed: true}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case arrivals <- muxArrival{src: s, ev: ev}:
			case <-ctx.Done():
				return
			}
			select {
			case <-s.ack:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
