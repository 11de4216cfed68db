package domain

import "errors"

// Error taxonomy for the pipeline. Per-source failures never propagate to
// other sources or abort the pipeline; only invalid configuration at startup
// is fatal.
var (
	// ErrSourceUnavailable is a recoverable source failure; the adapter
	// retries with exponential backoff.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSourceDown means a source exhausted its retries and was excluded
	// from the active set.
	ErrSourceDown = errors.New("source down")

	// ErrQueueOverflow means a bounded queue rejected an event under its
	// configured overflow policy. Always counted, never silent.
	ErrQueueOverflow = errors.New("queue overflow")

	// ErrMalformedEvent means a source produced an event the adapter could
	// not normalize. Logged and discarded, counted, never a crash.
	ErrMalformedEvent = errors.New("malformed raw event")

	// ErrShutdown means the operation was rejected because graceful
	// shutdown is in progress.
	ErrShutdown = errors.New("shutdown requested")
)
