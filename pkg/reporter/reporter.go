// Package reporter publishes the pipeline's output stream to the collection
// server over NATS. Without a server URL it degrades to structured logging,
// and with a journal configured it spools undeliverable events to sqlite and
// retries them once the connection returns.
package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
)

// Config tunes the reporter.
type Config struct {
	// AgentID stamps every envelope.
	AgentID string

	// URL is the NATS endpoint. Empty enables log-only mode.
	URL string

	// SubjectPrefix is prepended to the per-kind publish subject, e.g.
	// "hostsentry.events" publishes to "hostsentry.events.correlated".
	SubjectPrefix string

	// JournalPath enables the sqlite store-and-forward spool.
	JournalPath string

	// FlushInterval is how often the spool is retried.
	FlushInterval time.Duration

	// BatchSize bounds one spool drain.
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "hostsentry.events"
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Envelope is the wire format of one reported event.
type Envelope struct {
	AgentID    string           `json:"agent_id"`
	Kind       string           `json:"kind"`
	ReportedAt time.Time        `json:"reported_at"`
	Correlated *CorrelatedDTO   `json:"correlated,omitempty"`
	Event      *EventDTO        `json:"event,omitempty"`
	Marker     *SourceMarkerDTO `json:"marker,omitempty"`
	Truncated  bool             `json:"truncated,omitempty"`
}

// EventDTO is the wire form of one raw event.
type EventDTO struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Subject    string            `json:"subject"`
	Action     string            `json:"action"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Seq        uint64            `json:"seq"`
	ObservedAt time.Time         `json:"observed_at"`
}

// CorrelatedDTO is the wire form of one pattern match.
type CorrelatedDTO struct {
	ID          string      `json:"id"`
	PatternID   string      `json:"pattern_id"`
	Subject     string      `json:"subject"`
	Severity    string      `json:"severity"`
	Steps       []*EventDTO `json:"steps"`
	CompletedAt time.Time   `json:"completed_at"`
	Truncated   bool        `json:"truncated,omitempty"`
}

// SourceMarkerDTO is the wire form of one source lifecycle marker.
type SourceMarkerDTO struct {
	Kind   string    `json:"kind"`
	Source string    `json:"source"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// errSpoolOrdering marks events journaled behind an existing backlog so the
// server never sees new events before older spooled ones.
var errSpoolOrdering = errors.New("spool not empty, queued behind backlog")

// Reporter consumes the pipeline output channel until it closes.
type Reporter struct {
	logger  *zap.Logger
	config  Config
	conn    *nats.Conn
	journal *Journal

	// backlog is true while the journal holds undelivered entries. Only the
	// Run goroutine touches it.
	backlog bool
}

// New connects to the server. Connection failures are not fatal: the client
// reconnects in the background and the journal absorbs the gap.
func New(logger *zap.Logger, config Config) (*Reporter, error) {
	config.applyDefaults()

	r := &Reporter{
		logger: logger.Named("reporter"),
		config: config,
	}

	if config.JournalPath != "" {
		journal, err := OpenJournal(config.JournalPath)
		if err != nil {
			return nil, err
		}
		r.journal = journal

		// Entries left over from a previous run must drain before anything
		// new is published directly.
		if n, err := journal.Len(); err == nil && n > 0 {
			r.backlog = true
			r.logger.Info("Journal holds undelivered events from a previous run",
				zap.Int("count", n))
		}
	}

	if config.URL == "" {
		r.logger.Info("No server URL configured, reporting to log only")
		return r, nil
	}

	conn, err := nats.Connect(config.URL,
		nats.Name("hostsentry-"+config.AgentID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.logger.Warn("Disconnected from server", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			r.logger.Info("Reconnected to server", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", config.URL, err)
	}
	r.conn = conn

	return r, nil
}

// Run consumes events until the channel closes or ctx is cancelled. The
// spool is retried every flush interval.
func (r *Reporter) Run(ctx context.Context, events <-chan domain.OutputEvent) error {
	flush := time.NewTicker(r.config.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-flush.C:
			r.drainJournal()

		case ev, ok := <-events:
			if !ok {
				r.drainJournal()
				return nil
			}
			r.report(ev)
		}
	}
}

func (r *Reporter) report(ev domain.OutputEvent) {
	envelope := r.buildEnvelope(ev)

	payload, err := json.Marshal(envelope)
	if err != nil {
		r.logger.Error("Failed to encode envelope", zap.Error(err))
		return
	}
	subject := r.config.SubjectPrefix + "." + envelope.Kind

	if r.conn == nil {
		r.logger.Info("Event",
			zap.String("subject", subject),
			zap.ByteString("envelope", payload),
		)
		return
	}

	r.deliver(subject, payload)
}

// deliver publishes one envelope, or spools it. While a backlog exists every
// new event is journaled behind it, so replay order matches event order.
func (r *Reporter) deliver(subject string, payload []byte) {
	if r.backlog && r.journal != nil {
		r.spool(subject, payload, errSpoolOrdering)
		return
	}
	if err := r.publish(subject, payload); err != nil {
		r.spool(subject, payload, err)
	}
}

func (r *Reporter) publish(subject string, payload []byte) error {
	if r.conn == nil || !r.conn.IsConnected() {
		return nats.ErrConnectionReconnecting
	}
	return r.conn.Publish(subject, payload)
}

func (r *Reporter) spool(subject string, payload []byte, cause error) {
	if r.journal == nil {
		r.logger.Warn("Dropping undeliverable event, no journal configured",
			zap.String("subject", subject),
			zap.Error(cause),
		)
		return
	}
	if err := r.journal.Append(subject, payload); err != nil {
		r.logger.Error("Failed to spool event", zap.Error(err))
		return
	}
	r.backlog = true
}

// drainJournal replays spooled events oldest first, stopping at the first
// failure so ordering is preserved.
func (r *Reporter) drainJournal() {
	if r.journal == nil || r.conn == nil || !r.conn.IsConnected() {
		return
	}

	entries, err := r.journal.NextBatch(r.config.BatchSize)
	if err != nil {
		r.logger.Error("Failed to read journal", zap.Error(err))
		return
	}
	if len(entries) == 0 {
		r.backlog = false
		return
	}

	delivered := make([]int64, 0, len(entries))
	for _, e := range entries {
		if err := r.publish(e.Subject, e.Payload); err != nil {
			break
		}
		delivered = append(delivered, e.ID)
	}

	if err := r.journal.Delete(delivered); err != nil {
		r.logger.Error("Failed to prune journal", zap.Error(err))
		return
	}
	if len(delivered) > 0 {
		r.logger.Info("Replayed spooled events", zap.Int("count", len(delivered)))
	}
	if len(delivered) == len(entries) && len(entries) < r.config.BatchSize {
		// The whole spool fit in this batch and drained: direct publishing
		// can resume without reordering.
		r.backlog = false
	}
}

func (r *Reporter) buildEnvelope(ev domain.OutputEvent) *Envelope {
	envelope := &Envelope{
		AgentID:    r.config.AgentID,
		ReportedAt: time.Now(),
		Truncated:  ev.Truncated,
	}

	switch ev.Type {
	case domain.OutputCorrelated:
		envelope.Kind = "correlated"
		envelope.Correlated = correlatedDTO(ev.Correlated)
	case domain.OutputMarker:
		envelope.Kind = "marker"
		envelope.Marker = &SourceMarkerDTO{
			Kind:   ev.Marker.Kind.String(),
			Source: ev.Marker.Source.String(),
			Reason: ev.Marker.Reason,
			At:     ev.Marker.At,
		}
	default:
		envelope.Kind = "event"
		envelope.Event = eventDTO(ev.Event)
	}
	return envelope
}

func eventDTO(ev *domain.RawEvent) *EventDTO {
	return &EventDTO{
		ID:         ev.ID,
		Source:     ev.Source.String(),
		Subject:    ev.Subject.String(),
		Action:     ev.Action,
		Attributes: ev.Attributes,
		Seq:        ev.Seq,
		ObservedAt: ev.ObservedAt,
	}
}

func correlatedDTO(ce *domain.CorrelatedEvent) *CorrelatedDTO {
	steps := make([]*EventDTO, len(ce.Steps))
	for i, step := range ce.Steps {
		steps[i] = eventDTO(step)
	}
	return &CorrelatedDTO{
		ID:          ce.ID,
		PatternID:   ce.PatternID,
		Subject:     ce.Subject.String(),
		Severity:    ce.SeverityHint.String(),
		Steps:       steps,
		CompletedAt: ce.CompletedAt,
		Truncated:   ce.Truncated,
	}
}

// Close flushes the connection and closes the journal.
func (r *Reporter) Close() error {
	var errs error
	if r.conn != nil {
		if err := r.conn.Drain(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
