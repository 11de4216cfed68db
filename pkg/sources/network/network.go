// Package network implements the network event source by polling the
// kernel's TCP socket tables (tcp and tcp6) and diffing the set of
// connections between scans. Listening sockets are not connections and are
// excluded from the diff.
package network

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/sources"
)

const (
	// AttrState is the TCP state name at the time of observation.
	AttrState = "state"

	// AttrInode is the socket inode, usable to join against process fds.
	AttrInode = "inode"

	defaultPollInterval = time.Second

	tcpListen = 10
)

var tcpStates = map[uint64]string{
	1:  "established",
	2:  "syn_sent",
	3:  "syn_recv",
	4:  "fin_wait1",
	5:  "fin_wait2",
	6:  "time_wait",
	7:  "close",
	8:  "close_wait",
	9:  "last_ack",
	10: "listen",
	11: "closing",
}

type connInfo struct {
	state uint64
	inode uint64
}

// Source polls the proc net tables. procPath is configurable for tests.
type Source struct {
	logger   *zap.Logger
	procPath string
}

// NewSource creates the network source reading from /proc.
func NewSource(logger *zap.Logger) *Source {
	return &Source{logger: logger.Named("network"), procPath: procfs.DefaultMountPoint}
}

// NewSourceAt creates a network source reading from an alternate proc mount.
func NewSourceAt(logger *zap.Logger, procPath string) *Source {
	return &Source{logger: logger.Named("network"), procPath: procPath}
}

func (s *Source) Kind() domain.SourceKind { return domain.SourceNetwork }
func (s *Source) Name() string            { return "network" }

// Subscribe seeds the known-connection set from the current tables, then
// emits diffs every poll interval. Connections already open at subscribe
// time are not reported.
func (s *Source) Subscribe(ctx context.Context, filter sources.Filter) (sources.Subscription, error) {
	fs, err := procfs.NewFS(s.procPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	known, err := snapshot(fs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	interval := filter.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	sub := &subscription{
		logger:   s.logger,
		fs:       fs,
		known:    known,
		interval: interval,
		events:   make(chan sources.Sample, 128),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	go sub.run(ctx)

	s.logger.Info("TCP connection monitoring started",
		zap.Int("initial_connections", len(known)),
		zap.Duration("poll_interval", interval),
	)
	return sub, nil
}

type subscription struct {
	logger   *zap.Logger
	fs       procfs.FS
	known    map[domain.SubjectKey]connInfo
	interval time.Duration
	events   chan sources.Sample
	errs     chan error
	done     chan struct{}
	once     sync.Once
}

func (s *subscription) Events() <-chan sources.Sample { return s.events }
func (s *subscription) Err() <-chan error             { return s.errs }

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				failures++
				if failures >= 3 {
					select {
					case s.errs <- err:
					default:
					}
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *subscription) scan(ctx context.Context) error {
	current, err := snapshot(s.fs)
	if err != nil {
		return err
	}
	now := time.Now()

	for subject, info := range current {
		if _, seen := s.known[subject]; seen {
			continue
		}
		if !s.emit(ctx, connSample(subject, info, domain.ActionConnectionOpen, now)) {
			return nil
		}
	}

	for subject, info := range s.known {
		if _, alive := current[subject]; alive {
			continue
		}
		if !s.emit(ctx, connSample(subject, info, domain.ActionConnectionClose, now)) {
			return nil
		}
	}

	s.known = current
	return nil
}

func (s *subscription) emit(ctx context.Context, sample sources.Sample) bool {
	select {
	case s.events <- sample:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func connSample(subject domain.SubjectKey, info connInfo, action string, at time.Time) sources.Sample {
	state := tcpStates[info.state]
	if state == "" {
		state = strconv.FormatUint(info.state, 10)
	}
	return sources.Sample{
		Subject: subject,
		Action:  action,
		Attributes: map[string]string{
			AttrState: state,
			AttrInode: strconv.FormatUint(info.inode, 10),
		},
		At: at,
	}
}

// snapshot reads the tcp and tcp6 tables, keyed by 4-tuple. A missing tcp6
// table (IPv6 disabled) is not an error.
func snapshot(fs procfs.FS) (map[domain.SubjectKey]connInfo, error) {
	table := make(map[domain.SubjectKey]connInfo)

	tcp, err := fs.NetTCP()
	if err != nil {
		return nil, err
	}
	addLines(table, tcp)

	if tcp6, err := fs.NetTCP6(); err == nil {
		addLines(table, tcp6)
	}

	return table, nil
}

func addLines(table map[domain.SubjectKey]connInfo, lines procfs.NetTCP) {
	for _, line := range lines {
		if line.St == tcpListen {
			continue
		}
		subject := domain.SocketSubject(
			line.LocalAddr.String(), uint16(line.LocalPort),
			line.RemAddr.String(), uint16(line.RemPort),
		)
		table[subject] = connInfo{state: line.St, inode: line.Inode}
	}
}
