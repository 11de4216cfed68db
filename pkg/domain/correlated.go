package domain

import (
	"fmt"
	"strconv"
	"time"
)

// Severity hints at how interesting a correlated event is to downstream
// consumers. It is a hint, not a verdict; rule evaluation happens downstream.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts a config string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "", "info":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown severity %q", s)
	}
}

// Pattern is an ordered action sequence evaluated per subject. A full match
// within TTL produces one CorrelatedEvent carrying all matched steps.
type Pattern struct {
	ID       string
	Steps    []string
	TTL      time.Duration
	Severity Severity
}

// Validate is called at startup; an invalid pattern is a fatal
// configuration error, reported before any source is subscribed.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pattern has empty id")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pattern %q has no steps", p.ID)
	}
	for i, step := range p.Steps {
		if step == "" {
			return fmt.Errorf("pattern %q step %d is empty", p.ID, i)
		}
	}
	if p.TTL <= 0 {
		return fmt.Errorf("pattern %q has non-positive ttl %v", p.ID, p.TTL)
	}
	return nil
}

// CorrelatedEvent is the final unit delivered to the output channel when a
// pattern fully matches. Immutable.
type CorrelatedEvent struct {
	ID           string
	PatternID    string
	Subject      SubjectKey
	Steps        []*RawEvent
	SeverityHint Severity
	CompletedAt  time.Time

	// Truncated is set when the event was force-flushed by shutdown before
	// the pattern could complete or expire naturally.
	Truncated bool
}

// SuppressedEvent collapses one or more near-identical RawEvents from the
// same (subject, action) within a burst window. Mutated in place while the
// window is open; finalized into a representative when the window closes.
type SuppressedEvent struct {
	First       *RawEvent
	LastSeen    time.Time
	RepeatCount uint32
}

// NewSuppressedEvent opens a suppression window seeded with ev.
func NewSuppressedEvent(ev *RawEvent) *SuppressedEvent {
	return &SuppressedEvent{
		First:       ev,
		LastSeen:    ev.ObservedAt,
		RepeatCount: 1,
	}
}

// Observe folds one more identical event into the open window.
func (s *SuppressedEvent) Observe(at time.Time) {
	s.RepeatCount++
	if at.After(s.LastSeen) {
		s.LastSeen = at
	}
}

// Representative synthesizes the event forwarded downstream when the window
// closes: the first event of the burst, annotated with the repeat count when
// more than one event was collapsed. The correlator only ever sees
// representatives, never the collapsed duplicates.
func (s *SuppressedEvent) Representative() *RawEvent {
	if s.RepeatCount <= 1 {
		return s.First
	}
	rep := s.First.Clone()
	if rep.Attributes == nil {
		rep.Attributes = make(map[string]string, 1)
	}
	rep.Attributes[AttrRepeatCount] = strconv.FormatUint(uint64(s.RepeatCount), 10)
	return rep
}
