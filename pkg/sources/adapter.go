package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/pipeline"
	"github.com/hostsentry/hostsentry/pkg/sources/base"
)

// AdapterConfig tunes one source adapter.
type AdapterConfig struct {
	Filter Filter

	// MaxFailures is how many consecutive subscription failures mark the
	// source down. Default 5.
	MaxFailures int

	// BackoffBase and BackoffMax bound the exponential resubscription
	// backoff. Defaults 1s and 30s.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxEventsPerSec rate-limits the source before its ingress queue.
	// Excess events are dropped and counted. Zero disables limiting.
	MaxEventsPerSec float64

	// HealthCheckTimeout is how long without events before the source
	// reports degraded. Zero disables the idle check.
	HealthCheckTimeout time.Duration
}

func (c *AdapterConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// MarkerSink receives source lifecycle markers for inline delivery on the
// output stream. Satisfied by the pipeline.
type MarkerSink interface {
	PublishMarker(m *domain.SourceMarker)
}

// Adapter wraps one Source: it holds the single live subscription, converts
// native samples into sequenced RawEvents, pushes them onto the source's
// bounded ingress queue, and resubscribes with exponential backoff on
// failure. A failed source degrades, then goes down; it never takes the
// agent with it.
type Adapter struct {
	*base.BaseSource

	logger  *zap.Logger
	source  Source
	queue   *pipeline.Queue[*domain.RawEvent]
	markers MarkerSink
	config  AdapterConfig
	limiter *rate.Limiter

	// seq is owned by the run goroutine; a resubscribe starts a fresh
	// sequence space.
	seq uint64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewAdapter creates an adapter feeding the given ingress queue.
func NewAdapter(logger *zap.Logger, source Source, queue *pipeline.Queue[*domain.RawEvent], markers MarkerSink, config AdapterConfig) *Adapter {
	config.applyDefaults()

	a := &Adapter{
		BaseSource: base.NewBaseSource(source.Name(), config.HealthCheckTimeout),
		logger:     logger.With(zap.String("source", source.Name())),
		source:     source,
		queue:      queue,
		markers:    markers,
		config:     config,
	}
	if config.MaxEventsPerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(config.MaxEventsPerSec), int(config.MaxEventsPerSec)+1)
	}
	return a
}

// Start launches the subscription loop. It returns quickly; collection runs
// in the background until Stop or ctx cancellation.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("adapter %s already started", a.source.Name())
	}
	a.started = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.run(runCtx)

	a.logger.Info("Source adapter started")
	return nil
}

// Stop unsubscribes and closes the ingress queue. Idempotent; safe to call
// before Start.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	return nil
}

// run owns the subscription lifecycle: subscribe, consume until failure,
// back off, resubscribe. After MaxFailures consecutive failures the source
// is marked down and excluded from the active set.
func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()
	defer a.queue.Close()

	failures := 0
	first := true

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := a.source.Subscribe(ctx, a.config.Filter)
		if err != nil {
			a.RecordError(err)
			failures++
			if a.giveUp(failures, err) {
				return
			}
			a.degrade(err)
			if !a.backoff(ctx, failures) {
				return
			}
			continue
		}

		if first {
			first = false
		} else {
			// Fresh sequence-number space, flagged downstream.
			a.seq = 0
			a.RecordResubscribe()
			a.publishMarker(domain.MarkerResubscribed, "subscription restarted")
			a.logger.Info("Resubscribed to source")
		}
		failures = 0

		err = a.consume(ctx, sub)
		if closeErr := sub.Close(); closeErr != nil {
			a.logger.Warn("Failed to close subscription", zap.Error(closeErr))
		}
		if ctx.Err() != nil {
			return
		}

		a.RecordError(err)
		failures++
		if a.giveUp(failures, err) {
			return
		}
		a.degrade(err)
		if !a.backoff(ctx, failures) {
			return
		}
	}
}

// consume drains one subscription until it fails or ctx is cancelled. A nil
// return only happens via ctx cancellation; a dead subscription is an error.
func (a *Adapter) consume(ctx context.Context, sub Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			if err == nil {
				err = domain.ErrSourceUnavailable
			}
			return fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)

		case sample, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("%w: event stream closed", domain.ErrSourceUnavailable)
			}
			a.ingest(ctx, sample)
		}
	}
}

// ingest normalizes one sample and pushes it onto the ingress queue.
func (a *Adapter) ingest(ctx context.Context, sample Sample) {
	observedAt := sample.At
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	ev := &domain.RawEvent{
		ID:         uuid.NewString(),
		Source:     a.source.Kind(),
		Subject:    sample.Subject,
		Action:     sample.Action,
		Attributes: sample.Attributes,
		Seq:        a.nextSeq(),
		ObservedAt: observedAt,
	}

	if err := ev.Validate(); err != nil {
		// Never propagated as a crash: logged, counted, discarded.
		a.RecordMalformed()
		a.logger.Warn("Discarding malformed event", zap.Error(err))
		return
	}

	if a.limiter != nil && !a.limiter.Allow() {
		a.RecordDrop()
		return
	}

	if err := a.queue.Push(ctx, ev); err != nil {
		// Queue overflow under a drop policy, or cancellation while
		// blocked. Either way the loss is counted, never silent.
		a.RecordDrop()
		return
	}
	a.RecordEvent()
}

func (a *Adapter) nextSeq() uint64 {
	a.seq++
	return a.seq
}

func (a *Adapter) giveUp(failures int, err error) bool {
	if failures < a.config.MaxFailures {
		return false
	}
	a.SetHealthy(false)
	a.publishMarker(domain.MarkerSourceDown,
		fmt.Sprintf("%d consecutive failures, last: %v", failures, err))
	a.logger.Error("Source marked down",
		zap.Int("failures", failures),
		zap.Error(err),
	)
	return true
}

func (a *Adapter) degrade(err error) {
	a.publishMarker(domain.MarkerSourceDegraded, err.Error())
	a.logger.Warn("Source degraded, will resubscribe", zap.Error(err))
}

func (a *Adapter) backoff(ctx context.Context, failures int) bool {
	delay := a.config.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= a.config.BackoffMax {
			delay = a.config.BackoffMax
			break
		}
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) publishMarker(kind domain.MarkerKind, reason string) {
	a.markers.PublishMarker(&domain.SourceMarker{
		Kind:   kind,
		Source: a.source.Kind(),
		Reason: reason,
		At:     time.Now(),
	})
}
