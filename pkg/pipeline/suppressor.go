package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// Suppressor collapses repeated near-identical events from the same
// (subject, action) within a burst window into a single representative
// carrying a repeat count. The first event of every burst and a summary are
// always surfaced; nothing is silently lost.
//
// The suppressor is a plain state machine with no goroutine of its own: the
// pipeline's single consumer task drives Process and Sweep, so the state
// needs no locking.
type Suppressor struct {
	logger *zap.Logger
	window time.Duration

	// open windows, keyed subject then action so a differing action for the
	// same subject can finalize its siblings without a full scan.
	open map[domain.SubjectKey]map[string]*domain.SuppressedEvent

	collapsed int64
	forwarded int64
}

// NewSuppressor creates a suppressor with the given burst window.
func NewSuppressor(logger *zap.Logger, window time.Duration) *Suppressor {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &Suppressor{
		logger: logger,
		window: window,
		open:   make(map[domain.SubjectKey]map[string]*domain.SuppressedEvent),
	}
}

// Process folds ev into the suppression state and returns any
// representatives that became ready to forward as a result: windows for the
// same subject finalized by a differing action, plus the previous window for
// this key if its burst window had lapsed.
func (s *Suppressor) Process(ev *domain.RawEvent, now time.Time) []*domain.RawEvent {
	var out []*domain.RawEvent

	byAction := s.open[ev.Subject]
	if byAction == nil {
		byAction = make(map[string]*domain.SuppressedEvent, 1)
		s.open[ev.Subject] = byAction
	}

	// A differing action for the same subject closes its sibling windows.
	for action, sup := range byAction {
		if action != ev.Action {
			out = append(out, s.finalize(sup))
			delete(byAction, action)
		}
	}

	if sup, ok := byAction[ev.Action]; ok {
		if now.Sub(sup.LastSeen) <= s.window {
			sup.Observe(ev.ObservedAt)
			s.collapsed++
			return out
		}
		// Stale window: forward it, then reopen with the new arrival.
		out = append(out, s.finalize(sup))
	}

	byAction[ev.Action] = domain.NewSuppressedEvent(ev)
	return out
}

// Sweep finalizes every window whose last arrival has aged past the burst
// window, bounding how long a quiet burst can sit unforwarded.
func (s *Suppressor) Sweep(now time.Time) []*domain.RawEvent {
	var out []*domain.RawEvent
	for subject, byAction := range s.open {
		for action, sup := range byAction {
			if now.Sub(sup.LastSeen) > s.window {
				out = append(out, s.finalize(sup))
				delete(byAction, action)
			}
		}
		if len(byAction) == 0 {
			delete(s.open, subject)
		}
	}
	return out
}

// Flush finalizes all open windows regardless of age. Used by the shutdown
// drain sequence.
func (s *Suppressor) Flush() []*domain.RawEvent {
	var out []*domain.RawEvent
	for subject, byAction := range s.open {
		for _, sup := range byAction {
			out = append(out, s.finalize(sup))
		}
		delete(s.open, subject)
	}
	return out
}

// OpenCount returns the number of open suppression windows.
func (s *Suppressor) OpenCount() int {
	n := 0
	for _, byAction := range s.open {
		n += len(byAction)
	}
	return n
}

// Collapsed returns how many events were folded into an already-open window.
func (s *Suppressor) Collapsed() int64 {
	return s.collapsed
}

// Forwarded returns how many representatives were finalized.
func (s *Suppressor) Forwarded() int64 {
	return s.forwarded
}

func (s *Suppressor) finalize(sup *domain.SuppressedEvent) *domain.RawEvent {
	s.forwarded++
	if sup.RepeatCount > 1 {
		s.logger.Debug("Burst collapsed",
			zap.String("subject", sup.First.Subject.String()),
			zap.String("action", sup.First.Action),
			zap.Uint32("repeat_count", sup.RepeatCount),
		)
	}
	return sup.Representative()
}
