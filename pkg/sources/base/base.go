// Package base provides common statistics and health tracking for all
// sources, so every adapter reports the same shape of operational data.
package base

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// BaseSource tracks per-source counters and health. Embed it in a source
// adapter to get Statistics() and Health() for free. All counters are atomic
// so the adapter goroutine and health loop never contend.
type BaseSource struct {
	name      string
	startTime time.Time

	eventsProduced atomic.Int64
	eventsDropped  atomic.Int64
	malformed      atomic.Int64
	errorCount     atomic.Int64
	resubscribes   atomic.Int64

	lastEventTime atomic.Value // time.Time
	lastError     atomic.Value // error

	healthy            atomic.Bool
	healthCheckTimeout time.Duration
}

// NewBaseSource creates tracking state for one source. healthCheckTimeout is
// how long without events before the source reports degraded.
func NewBaseSource(name string, healthCheckTimeout time.Duration) *BaseSource {
	b := &BaseSource{
		name:               name,
		startTime:          time.Now(),
		healthCheckTimeout: healthCheckTimeout,
	}
	b.healthy.Store(true)
	b.lastEventTime.Store(time.Now())
	return b
}

// RecordEvent notes a successfully produced event.
func (b *BaseSource) RecordEvent() {
	b.eventsProduced.Add(1)
	b.lastEventTime.Store(time.Now())
}

// RecordDrop notes an event dropped before entering the pipeline.
func (b *BaseSource) RecordDrop() {
	b.eventsDropped.Add(1)
}

// RecordMalformed notes a native sample that could not be normalized.
func (b *BaseSource) RecordMalformed() {
	b.malformed.Add(1)
}

// RecordError notes a source failure.
func (b *BaseSource) RecordError(err error) {
	b.errorCount.Add(1)
	if err != nil {
		b.lastError.Store(err)
	}
}

// RecordResubscribe notes a successful resubscription after failure.
func (b *BaseSource) RecordResubscribe() {
	b.resubscribes.Add(1)
}

// SetHealthy flips the coarse health flag.
func (b *BaseSource) SetHealthy(healthy bool) {
	b.healthy.Store(healthy)
}

// IsHealthy reports the coarse health flag.
func (b *BaseSource) IsHealthy() bool {
	return b.healthy.Load()
}

// Name returns the source name.
func (b *BaseSource) Name() string {
	return b.name
}

// Statistics snapshots the counters.
func (b *BaseSource) Statistics() *domain.SourceStats {
	lastEventTime := time.Time{}
	if t, ok := b.lastEventTime.Load().(time.Time); ok {
		lastEventTime = t
	}

	return &domain.SourceStats{
		EventsProduced: b.eventsProduced.Load(),
		EventsDropped:  b.eventsDropped.Load(),
		Malformed:      b.malformed.Load(),
		ErrorCount:     b.errorCount.Load(),
		Resubscribes:   b.resubscribes.Load(),
		LastEventTime:  lastEventTime,
		Uptime:         time.Since(b.startTime),
	}
}

// Health derives a status from the counters: unhealthy when the source is
// down, degraded when no events arrived within the health check timeout.
func (b *BaseSource) Health() *domain.HealthStatus {
	if !b.healthy.Load() {
		var lastErr error
		if e := b.lastError.Load(); e != nil {
			lastErr = e.(error)
		}
		return domain.NewUnhealthyStatus(
			fmt.Sprintf("%s source is down", b.name),
			lastErr,
		)
	}

	if b.eventsProduced.Load() > 0 && b.healthCheckTimeout > 0 {
		lastEventTime := time.Time{}
		if t, ok := b.lastEventTime.Load().(time.Time); ok {
			lastEventTime = t
		}
		if since := time.Since(lastEventTime); since > b.healthCheckTimeout {
			return domain.NewDegradedStatus(
				fmt.Sprintf("no events from %s for %v", b.name, since.Round(time.Second)),
			)
		}
	}

	return domain.NewHealthyStatus(fmt.Sprintf("%s source operating normally", b.name))
}
