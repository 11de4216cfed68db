package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// Config holds pipeline tuning.
type Config struct {
	// OutOfOrderTolerance is the multiplexer's reordering window W.
	OutOfOrderTolerance time.Duration

	// BurstWindow is the suppressor's dedup window.
	BurstWindow time.Duration

	// SweepInterval drives the suppression and correlation expiry sweeps.
	SweepInterval time.Duration

	// Per-source ingress queues.
	IngressQueueSize int
	IngressPolicy    OverflowPolicy

	// Output channel to downstream consumers.
	OutputQueueSize int
	OutputPolicy    OverflowPolicy

	// DrainTimeout bounds the graceful shutdown flush.
	DrainTimeout time.Duration

	Patterns []*domain.Pattern

	MetricsEnabled bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		OutOfOrderTolerance: 250 * time.Millisecond,
		BurstWindow:         2 * time.Second,
		SweepInterval:       500 * time.Millisecond,
		IngressQueueSize:    4096,
		IngressPolicy:       DropOldest,
		OutputQueueSize:     8192,
		OutputPolicy:        BlockProducer,
		DrainTimeout:        5 * time.Second,
		MetricsEnabled:      true,
	}
}

// Pipeline wires multiplexer, suppressor, correlator and output into the
// single-consumer stage. Suppressor and correlator state is owned
// exclusively by the run loop goroutine, so it needs no locking.
type Pipeline struct {
	logger *zap.Logger
	config *Config

	mux     *Multiplexer
	supp    *Suppressor
	corr    *Correlator
	out     *Output
	markers chan *domain.SourceMarker

	ingress map[string]*Queue[*domain.RawEvent]

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	done    chan struct{}

	// Mirrors of single-owner state for metric callbacks.
	openSuppressions atomic.Int64
	openWindows      atomic.Int64

	eventsMerged     metric.Int64Counter
	eventsCollapsed  metric.Int64Counter
	patternMatches   metric.Int64Counter
	windowExpiries   metric.Int64Counter
	passThroughs     metric.Int64Counter
	markersDelivered metric.Int64Counter
	queueDepth       metric.Int64ObservableGauge
	queueDrops       metric.Int64ObservableCounter
	windowGauge      metric.Int64ObservableGauge
}

// New creates a pipeline. Register sources with RegisterSource before Start.
func New(logger *zap.Logger, config *Config) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Pipeline{
		logger:  logger,
		config:  config,
		mux:     NewMultiplexer(logger, config.OutOfOrderTolerance, 256),
		supp:    NewSuppressor(logger, config.BurstWindow),
		corr:    NewCorrelator(logger, config.Patterns),
		out:     NewOutput(logger, config.OutputQueueSize, config.OutputPolicy),
		markers: make(chan *domain.SourceMarker, 64),
		ingress: make(map[string]*Queue[*domain.RawEvent]),
		done:    make(chan struct{}),
	}

	if config.MetricsEnabled {
		p.initMetrics()
	}

	return p
}

// initMetrics initializes OpenTelemetry instruments. Failures are logged,
// never fatal; every instrument use is nil-guarded.
func (p *Pipeline) initMetrics() {
	meter := otel.Meter("pipeline")

	var err error

	p.eventsMerged, err = meter.Int64Counter(
		"pipeline_events_merged_total",
		metric.WithDescription("Events emitted by the ingestion multiplexer"),
	)
	if err != nil {
		p.logger.Warn("Failed to create events merged counter", zap.Error(err))
	}

	p.eventsCollapsed, err = meter.Int64Counter(
		"pipeline_events_collapsed_total",
		metric.WithDescription("Events folded into an open suppression window"),
	)
	if err != nil {
		p.logger.Warn("Failed to create events collapsed counter", zap.Error(err))
	}

	p.patternMatches, err = meter.Int64Counter(
		"pipeline_pattern_matches_total",
		metric.WithDescription("Fully matched correlation patterns"),
	)
	if err != nil {
		p.logger.Warn("Failed to create pattern matches counter", zap.Error(err))
	}

	p.windowExpiries, err = meter.Int64Counter(
		"pipeline_window_expiries_total",
		metric.WithDescription("Correlation windows expired before completion"),
	)
	if err != nil {
		p.logger.Warn("Failed to create window expiries counter", zap.Error(err))
	}

	p.passThroughs, err = meter.Int64Counter(
		"pipeline_pass_through_total",
		metric.WithDescription("Events delivered individually without correlation"),
	)
	if err != nil {
		p.logger.Warn("Failed to create pass through counter", zap.Error(err))
	}

	p.markersDelivered, err = meter.Int64Counter(
		"pipeline_source_markers_total",
		metric.WithDescription("Source lifecycle markers delivered downstream"),
	)
	if err != nil {
		p.logger.Warn("Failed to create markers counter", zap.Error(err))
	}

	p.queueDepth, err = meter.Int64ObservableGauge(
		"pipeline_queue_depth",
		metric.WithDescription("Current depth per bounded queue"),
	)
	if err != nil {
		p.logger.Warn("Failed to create queue depth gauge", zap.Error(err))
	}

	p.queueDrops, err = meter.Int64ObservableCounter(
		"pipeline_queue_drops_total",
		metric.WithDescription("Events dropped by queue overflow policies"),
	)
	if err != nil {
		p.logger.Warn("Failed to create queue drops counter", zap.Error(err))
	}

	p.windowGauge, err = meter.Int64ObservableGauge(
		"pipeline_open_windows",
		metric.WithDescription("Open suppression and correlation windows"),
	)
	if err != nil {
		p.logger.Warn("Failed to create open windows gauge", zap.Error(err))
	}

	if p.queueDepth != nil && p.queueDrops != nil && p.windowGauge != nil {
		_, err = meter.RegisterCallback(
			func(_ context.Context, o metric.Observer) error {
				for name, q := range p.ingress {
					o.ObserveInt64(p.queueDepth, int64(q.Len()),
						metric.WithAttributes(attribute.String("queue", name)))
					o.ObserveInt64(p.queueDrops, q.Dropped(),
						metric.WithAttributes(attribute.String("queue", name)))
				}
				o.ObserveInt64(p.queueDepth, int64(p.out.Depth()),
					metric.WithAttributes(attribute.String("queue", "output")))
				o.ObserveInt64(p.queueDrops, p.out.Dropped(),
					metric.WithAttributes(attribute.String("queue", "output")))
				o.ObserveInt64(p.windowGauge, p.openSuppressions.Load(),
					metric.WithAttributes(attribute.String("stage", "suppressor")))
				o.ObserveInt64(p.windowGauge, p.openWindows.Load(),
					metric.WithAttributes(attribute.String("stage", "correlator")))
				return nil
			},
			p.queueDepth, p.queueDrops, p.windowGauge,
		)
		if err != nil {
			p.logger.Warn("Failed to register metric callback", zap.Error(err))
		}
	}
}

// RegisterSource creates the bounded ingress queue for one source and plugs
// it into the multiplexer. Must be called before Start. The returned queue
// is the adapter's producer handle; the adapter closes it on shutdown.
func (p *Pipeline) RegisterSource(name string) (*Queue[*domain.RawEvent], error) {
	if p.started.Load() {
		return nil, fmt.Errorf("pipeline already started")
	}
	if _, exists := p.ingress[name]; exists {
		return nil, fmt.Errorf("source %s already registered", name)
	}

	q := NewQueue[*domain.RawEvent](name, p.config.IngressQueueSize, p.config.IngressPolicy)
	p.ingress[name] = q
	p.mux.AddSource(name, q)
	return q, nil
}

// PublishMarker delivers a source lifecycle marker downstream, bypassing
// suppression and correlation.
func (p *Pipeline) PublishMarker(m *domain.SourceMarker) {
	select {
	case p.markers <- m:
	default:
		// Marker channel full: deliver the loss to the log rather than
		// blocking an adapter on its failure path.
		p.logger.Warn("Marker channel full, marker not delivered",
			zap.String("kind", m.Kind.String()),
			zap.String("source", m.Source.String()),
		)
	}
}

// Output returns the final stream of correlated events, pass-throughs and
// markers. It closes after the shutdown drain completes.
func (p *Pipeline) Output() <-chan domain.OutputEvent {
	return p.out.Events()
}

// QueueDepths snapshots ingress queue depths per source.
func (p *Pipeline) QueueDepths() map[string]int {
	return p.mux.QueueDepths()
}

// DroppedTotal sums every queue's drop counter.
func (p *Pipeline) DroppedTotal() int64 {
	return p.mux.DroppedTotal() + p.out.Dropped()
}

// Start launches the multiplexer and the consumer loop.
func (p *Pipeline) Start(ctx context.Context) error {
	if len(p.ingress) == 0 {
		return fmt.Errorf("no sources registered")
	}
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}

	// The caller's context does not own the drain: queued events must still
	// reach the output after it is cancelled, so the internal context only
	// dies on the DrainTimeout force path in Stop. Shutdown normally
	// completes through ingress queue closure.
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.mux.Run(p.ctx)
	}()

	p.wg.Add(1)
	go p.run()

	p.logger.Info("Pipeline started",
		zap.Int("sources", len(p.ingress)),
		zap.Int("patterns", len(p.config.Patterns)),
		zap.Duration("burst_window", p.config.BurstWindow),
		zap.Duration("out_of_order_tolerance", p.config.OutOfOrderTolerance),
	)
	return nil
}

// Stop waits for the drain sequence to finish: ingress queues must already
// be closed by their adapters. If the drain exceeds DrainTimeout the context
// is cancelled and remaining state is force-flushed. Idempotent.
func (p *Pipeline) Stop() error {
	if !p.started.Load() {
		return nil
	}

	select {
	case <-p.done:
	case <-time.After(p.config.DrainTimeout):
		p.logger.Warn("Drain timeout exceeded, forcing shutdown")
		p.cancel()
		<-p.done
	}

	p.cancel()
	p.wg.Wait()
	p.logger.Info("Pipeline stopped",
		zap.Int64("dropped_total", p.DroppedTotal()),
	)
	return nil
}

// run is the single consumer task: it owns suppressor and correlator state.
func (p *Pipeline) run() {
	defer p.wg.Done()
	defer close(p.done)

	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	merged := p.mux.Output()
	var lastCollapsed int64
	for {
		select {
		case <-p.ctx.Done():
			p.flush()
			return

		case m := <-p.markers:
			p.sendMarker(p.ctx, m)

		case <-ticker.C:
			now := time.Now()
			for _, rep := range p.supp.Sweep(now) {
				p.emit(p.corr.Process(rep, now))
			}
			p.emit(p.corr.Sweep(now))
			p.syncGauges()

		case ev, ok := <-merged:
			if !ok {
				p.flush()
				return
			}
			now := time.Now()
			if p.eventsMerged != nil {
				p.eventsMerged.Add(p.ctx, 1, metric.WithAttributes(
					attribute.String("source", ev.Source.String()),
				))
			}
			for _, rep := range p.supp.Process(ev, now) {
				p.emit(p.corr.Process(rep, now))
			}
			if collapsed := p.supp.Collapsed(); collapsed > lastCollapsed {
				if p.eventsCollapsed != nil {
					p.eventsCollapsed.Add(p.ctx, collapsed-lastCollapsed)
				}
				lastCollapsed = collapsed
			}
			p.syncGauges()
		}
	}
}

// flush is the shutdown drain: open suppression windows and partially
// matched correlation windows are emitted as-is, tagged truncated, then the
// output channel is closed after its buffer drains.
func (p *Pipeline) flush() {
	drainCtx, cancel := context.WithTimeout(context.Background(), p.config.DrainTimeout)
	defer cancel()

	// Pending markers first, so health context precedes the tail of data.
	for {
		select {
		case m := <-p.markers:
			p.sendMarker(drainCtx, m)
			continue
		default:
		}
		break
	}

	for _, rep := range p.supp.Flush() {
		emission := domain.PassThroughOutput(rep)
		emission.Truncated = true
		if err := p.out.Send(drainCtx, emission); err != nil {
			p.logger.Warn("Failed to flush suppressed event", zap.Error(err))
		}
	}

	for _, emission := range p.corr.Flush() {
		if err := p.out.Send(drainCtx, emission); err != nil {
			p.logger.Warn("Failed to flush correlation window", zap.Error(err))
		}
	}

	p.syncGauges()

	if err := p.out.Close(drainCtx); err != nil {
		p.logger.Warn("Output close did not fully drain", zap.Error(err))
	}
}

func (p *Pipeline) emit(emissions []domain.OutputEvent) {
	for _, emission := range emissions {
		switch emission.Type {
		case domain.OutputCorrelated:
			if p.patternMatches != nil {
				p.patternMatches.Add(p.ctx, 1, metric.WithAttributes(
					attribute.String("pattern", emission.Correlated.PatternID),
				))
			}
		case domain.OutputPassThrough:
			if p.passThroughs != nil {
				p.passThroughs.Add(p.ctx, 1)
			}
		}
		if err := p.out.Send(p.ctx, emission); err != nil {
			p.logger.Warn("Failed to deliver output event",
				zap.String("type", emission.Type.String()),
				zap.Error(err),
			)
		}
	}
}

func (p *Pipeline) sendMarker(ctx context.Context, m *domain.SourceMarker) {
	if p.markersDelivered != nil {
		p.markersDelivered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", m.Kind.String()),
			attribute.String("source", m.Source.String()),
		))
	}
	if err := p.out.Send(ctx, domain.MarkerOutput(m)); err != nil {
		p.logger.Warn("Failed to deliver source marker",
			zap.String("kind", m.Kind.String()),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) syncGauges() {
	p.openSuppressions.Store(int64(p.supp.OpenCount()))
	p.openWindows.Store(int64(p.corr.OpenWindows()))
}
