package domain

import "time"

// MarkerKind identifies source lifecycle markers delivered inline on the
// output stream, so consumers see agent health next to security data.
type MarkerKind uint8

const (
	// MarkerResubscribed flags a fresh sequence-number space after a source
	// restarted.
	MarkerResubscribed MarkerKind = iota

	// MarkerSourceDegraded reports a recoverable source failure; the adapter
	// is retrying with backoff.
	MarkerSourceDegraded

	// MarkerSourceDown reports that a source exhausted its retries and was
	// excluded from the active set. Terminal for that source only.
	MarkerSourceDown
)

func (k MarkerKind) String() string {
	switch k {
	case MarkerResubscribed:
		return "resubscribed"
	case MarkerSourceDegraded:
		return "source_degraded"
	case MarkerSourceDown:
		return "source_down"
	default:
		return "unknown"
	}
}

// SourceMarker is a source lifecycle notification.
type SourceMarker struct {
	Kind   MarkerKind
	Source SourceKind
	Reason string
	At     time.Time
}

// OutputType discriminates what an OutputEvent carries.
type OutputType uint8

const (
	// OutputCorrelated carries a fully matched CorrelatedEvent.
	OutputCorrelated OutputType = iota

	// OutputPassThrough carries a single event that did not complete any
	// correlation grouping: a representative of a suppressed burst, a step
	// of an expired window, or an event matching no pattern.
	OutputPassThrough

	// OutputMarker carries a source lifecycle marker.
	OutputMarker
)

func (t OutputType) String() string {
	switch t {
	case OutputCorrelated:
		return "correlated"
	case OutputPassThrough:
		return "pass_through"
	case OutputMarker:
		return "marker"
	default:
		return "unknown"
	}
}

// OutputEvent is the unit delivered to downstream consumers (rule engine,
// reporter). Exactly one of Correlated, Event, or Marker is set, selected by
// Type.
type OutputEvent struct {
	Type       OutputType
	Correlated *CorrelatedEvent
	Event      *RawEvent
	Marker     *SourceMarker

	// Truncated is set on pass-throughs flushed by shutdown.
	Truncated bool
}

// CorrelatedOutput wraps a matched pattern for delivery.
func CorrelatedOutput(ce *CorrelatedEvent) OutputEvent {
	return OutputEvent{Type: OutputCorrelated, Correlated: ce}
}

// PassThroughOutput wraps a single event for delivery.
func PassThroughOutput(ev *RawEvent) OutputEvent {
	return OutputEvent{Type: OutputPassThrough, Event: ev}
}

// MarkerOutput wraps a source marker for delivery.
func MarkerOutput(m *SourceMarker) OutputEvent {
	return OutputEvent{Type: OutputMarker, Marker: m}
}
