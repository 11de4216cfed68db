// Package domain defines the unified event model shared by every stage of the
// agent: raw events produced by source adapters, suppressed summaries,
// correlated events, and the markers that report source health inline with
// security data.
package domain

import (
	"fmt"
	"time"
)

// SourceKind identifies the monitored domain an event came from.
type SourceKind uint8

const (
	SourceFileSystem SourceKind = iota
	SourceProcess
	SourceNetwork
	SourceRegistry
)

func (k SourceKind) String() string {
	switch k {
	case SourceFileSystem:
		return "filesystem"
	case SourceProcess:
		return "process"
	case SourceNetwork:
		return "network"
	case SourceRegistry:
		return "registry"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Well-known actions emitted by the built-in sources. Correlation patterns
// reference these by name, but the pipeline treats actions as opaque strings
// so new sources can introduce their own.
const (
	ActionFileCreate = "file_create"
	ActionFileWrite  = "file_write"
	ActionFileDelete = "file_delete"
	ActionFileRename = "file_rename"
	ActionFileChmod  = "file_chmod"

	ActionProcessStart = "process_start"
	ActionProcessExec  = "process_exec"
	ActionProcessExit  = "process_exit"

	ActionConnectionOpen  = "connection_open"
	ActionConnectionClose = "connection_close"

	ActionRegistrySet    = "registry_set"
	ActionRegistryDelete = "registry_delete"
)

// AttrRepeatCount is set on a representative event when a burst was collapsed.
const AttrRepeatCount = "repeat_count"

// RawEvent is one normalized observation from a source. It is immutable once
// the adapter has stamped it; stages that need to annotate an event work on a
// clone.
type RawEvent struct {
	// ID uniquely identifies this event (UUID).
	ID string

	// Source is the monitored domain that produced the event.
	Source SourceKind

	// Subject is the entity the event concerns, used as the correlation and
	// dedup grouping key.
	Subject SubjectKey

	// Action is what happened to the subject, e.g. "file_create".
	Action string

	// Attributes carries source-specific context (comm, exe, file_type...).
	Attributes map[string]string

	// Seq is strictly increasing per source subscription. A resubscribe
	// starts a fresh sequence space, flagged by a Resubscribed marker.
	Seq uint64

	// ObservedAt is the wall-clock time the adapter saw the event.
	ObservedAt time.Time
}

// Validate reports whether the event can enter the pipeline. Sources that
// produce events failing validation are logged and counted, never fatal.
func (e *RawEvent) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if e.Action == "" {
		return fmt.Errorf("%w: empty action", ErrMalformedEvent)
	}
	if e.Subject.IsZero() {
		return fmt.Errorf("%w: zero subject", ErrMalformedEvent)
	}
	if e.ObservedAt.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrMalformedEvent)
	}
	return nil
}

// Attribute returns the named attribute or "" when absent.
func (e *RawEvent) Attribute(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a deep copy. Attributes are copied so the clone can be
// annotated without mutating the original.
func (e *RawEvent) Clone() *RawEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.Attributes != nil {
		c.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
