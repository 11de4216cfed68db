// Package sources defines the abstract event source interface consumed by
// the pipeline and the adapter that normalizes, sequences and queues what
// each OS-specific source produces. The pipeline core never branches on OS
// specifics; each monitored domain is one Source implementation.
package sources

import (
	"context"
	"time"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// Filter narrows what a source watches. Sources use the fields relevant to
// their domain and ignore the rest.
type Filter struct {
	// Paths to watch (filesystem source). Directories are watched
	// recursively.
	Paths []string

	// PollInterval for polling sources (process, network, registry).
	PollInterval time.Duration

	// RegistryKeys to watch (registry source).
	RegistryKeys []string
}

// Sample is one native observation, already shaped by its source but not yet
// stamped with identity, sequence number or validated. The adapter completes
// the normalization.
type Sample struct {
	Subject    domain.SubjectKey
	Action     string
	Attributes map[string]string
	At         time.Time
}

// Subscription is one live OS-level subscription handle. Transport-level
// failures surface on Err, distinctly from "no events currently"; the events
// channel closing also means the subscription ended.
type Subscription interface {
	// Events yields native samples until the subscription ends.
	Events() <-chan Sample

	// Err reports transport-level failures.
	Err() <-chan error

	// Close releases the OS-level handle. Idempotent.
	Close() error
}

// Source is one monitored domain. Implementations hold no subscription state
// between Subscribe calls; the adapter owns exactly one live subscription
// per source at a time and resubscribes on failure.
type Source interface {
	// Kind identifies the monitored domain.
	Kind() domain.SourceKind

	// Name is the unique source name used for queues, logs and metrics.
	Name() string

	// Subscribe acquires an OS-level subscription. The returned
	// subscription is released by Close or when ctx is cancelled.
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}
