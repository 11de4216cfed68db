package pipeline

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// windowKey indexes correlation state. The invariant of at most one open
// window per (subject, pattern) pair holds because this is the map key.
type windowKey struct {
	subject   domain.SubjectKey
	patternID string
}

// window is the live state machine for one partially matched pattern:
// Idle -> PartiallyMatched(step) -> Matched | Expired.
type window struct {
	pattern   *domain.Pattern
	steps     []*domain.RawEvent
	openedAt  time.Time
	expiresAt time.Time
}

// Correlator evaluates configured multi-event patterns against the
// suppressed stream. It maintains a window table keyed (subject, pattern),
// advanced by arriving events and reaped by explicit expiry sweeps rather
// than per-window timers.
//
// Like the Suppressor, it is owned exclusively by the pipeline's consumer
// task: no locks.
type Correlator struct {
	logger   *zap.Logger
	patterns []*domain.Pattern
	windows  map[windowKey]*window

	matches  int64
	expiries int64
}

// NewCorrelator creates a correlator for the given pattern set.
func NewCorrelator(logger *zap.Logger, patterns []*domain.Pattern) *Correlator {
	return &Correlator{
		logger:   logger,
		patterns: patterns,
		windows:  make(map[windowKey]*window),
	}
}

// Process runs ev through every pattern and returns the resulting emissions:
// completed CorrelatedEvents, pass-throughs from windows the event caused to
// expire, and the event itself as a pass-through when it advanced nothing.
//
// An event may advance more than one pattern's window. When an event could
// both advance an existing window and start a new one for the same pattern,
// advancing the existing (older) window always wins; the window-per-key
// invariant means a second window cannot be opened anyway.
func (c *Correlator) Process(ev *domain.RawEvent, now time.Time) []domain.OutputEvent {
	var out []domain.OutputEvent
	matched := false

	for _, p := range c.patterns {
		key := windowKey{subject: ev.Subject, patternID: p.ID}
		w, open := c.windows[key]

		if open && now.After(w.expiresAt) {
			out = append(out, c.expire(key, w)...)
			open = false
		}

		if open {
			if p.Steps[len(w.steps)] == ev.Action {
				w.steps = append(w.steps, ev)
				matched = true
				if len(w.steps) == len(p.Steps) {
					out = append(out, c.complete(key, w, now))
				}
			}
			continue
		}

		if p.Steps[0] == ev.Action {
			c.windows[key] = &window{
				pattern:   p,
				steps:     []*domain.RawEvent{ev},
				openedAt:  now,
				expiresAt: now.Add(p.TTL),
			}
			matched = true
			if len(p.Steps) == 1 {
				out = append(out, c.complete(key, c.windows[key], now))
			}
		}
	}

	if !matched {
		out = append(out, domain.PassThroughOutput(ev))
	}

	// Process exit is the subject-closed signal: any partial state for the
	// exited process cannot complete and is surfaced immediately.
	if ev.Action == domain.ActionProcessExit {
		out = append(out, c.CloseSubject(ev.Subject)...)
	}

	return out
}

// Sweep expires every window past its deadline, emitting its partially
// matched steps individually as pass-through. Never discards.
func (c *Correlator) Sweep(now time.Time) []domain.OutputEvent {
	var out []domain.OutputEvent
	for key, w := range c.windows {
		if now.After(w.expiresAt) {
			out = append(out, c.expire(key, w)...)
		}
	}
	return out
}

// CloseSubject destroys all windows for a subject, emitting their steps as
// pass-through.
func (c *Correlator) CloseSubject(subject domain.SubjectKey) []domain.OutputEvent {
	var out []domain.OutputEvent
	for key, w := range c.windows {
		if key.subject == subject {
			out = append(out, c.expire(key, w)...)
		}
	}
	return out
}

// Flush emits every open window's steps as pass-through, tagged truncated.
// Used by the shutdown drain sequence; the state machine ends total, with no
// ad-hoc cleanup path.
func (c *Correlator) Flush() []domain.OutputEvent {
	var out []domain.OutputEvent
	for key, w := range c.windows {
		for _, step := range w.steps {
			emission := domain.PassThroughOutput(step)
			emission.Truncated = true
			out = append(out, emission)
		}
		delete(c.windows, key)
	}
	return out
}

// OpenWindows returns the number of live windows.
func (c *Correlator) OpenWindows() int {
	return len(c.windows)
}

// Matches returns how many patterns fully matched.
func (c *Correlator) Matches() int64 {
	return c.matches
}

// Expiries returns how many windows expired before completing.
func (c *Correlator) Expiries() int64 {
	return c.expiries
}

func (c *Correlator) complete(key windowKey, w *window, now time.Time) domain.OutputEvent {
	delete(c.windows, key)
	c.matches++

	ce := &domain.CorrelatedEvent{
		ID:           uuid.NewString(),
		PatternID:    w.pattern.ID,
		Subject:      key.subject,
		Steps:        w.steps,
		SeverityHint: w.pattern.Severity,
		CompletedAt:  now,
	}

	c.logger.Info("Pattern matched",
		zap.String("pattern", ce.PatternID),
		zap.String("subject", ce.Subject.String()),
		zap.Int("steps", len(ce.Steps)),
		zap.String("severity", ce.SeverityHint.String()),
	)
	return domain.CorrelatedOutput(ce)
}

func (c *Correlator) expire(key windowKey, w *window) []domain.OutputEvent {
	delete(c.windows, key)
	c.expiries++

	c.logger.Debug("Correlation window expired",
		zap.String("pattern", key.patternID),
		zap.String("subject", key.subject.String()),
		zap.Int("partial_steps", len(w.steps)),
	)

	out := make([]domain.OutputEvent, 0, len(w.steps))
	for _, step := range w.steps {
		out = append(out, domain.PassThroughOutput(step))
	}
	return out
}
