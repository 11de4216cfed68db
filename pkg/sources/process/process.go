// Package process implements the process event source by polling /proc and
// diffing the process table between scans. A new pid yields process_start
// plus a process_exec keyed to the executable's path, so file activity and
// the execution of that file correlate on the same subject. A vanished pid
// yields process_exit.
package process

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/sources"
)

const (
	// AttrPID is the process id, on events keyed to a file subject.
	AttrPID = "pid"

	// AttrComm is the kernel task name.
	AttrComm = "comm"

	// AttrCmdline is the space-joined command line.
	AttrCmdline = "cmdline"

	// AttrExePath is the resolved executable path, on process-keyed events.
	AttrExePath = "exe_path"

	defaultPollInterval = time.Second
)

// procInfo is what we remember about a live process between scans.
type procInfo struct {
	startTime uint64
	exePath   string
	comm      string
	cmdline   string
}

// Source polls the proc filesystem. procPath is configurable for tests.
type Source struct {
	logger   *zap.Logger
	procPath string
}

// NewSource creates the process source reading from /proc.
func NewSource(logger *zap.Logger) *Source {
	return &Source{logger: logger.Named("process"), procPath: procfs.DefaultMountPoint}
}

// NewSourceAt creates a process source reading from an alternate proc mount.
func NewSourceAt(logger *zap.Logger, procPath string) *Source {
	return &Source{logger: logger.Named("process"), procPath: procPath}
}

func (s *Source) Kind() domain.SourceKind { return domain.SourceProcess }
func (s *Source) Name() string            { return "process" }

// Subscribe seeds the known-process set from the current table, then emits
// diffs every poll interval. Processes already running at subscribe time are
// not reported.
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

	s.logger.Info("Process table monitoring started",
		zap.Int("initial_processes", len(known)),
		zap.Duration("poll_interval", interval),
	)
	return sub, nil
}

type subscription struct {
	logger   *zap.Logger
	fs       procfs.FS
	known    map[int]procInfo
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
				// One unreadable scan is noise; a proc mount that stays
				// unreadable is a transport failure.
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

	for pid, info := range current {
		prev, seen := s.known[pid]
		if seen && prev.startTime == info.startTime {
			continue
		}
		// pid reuse within one interval shows up as a changed start time:
		// report the exit of the old incarnation first.
		if seen {
			if !s.emit(ctx, exitSample(pid, prev, now)) {
				return nil
			}
		}
		if !s.emit(ctx, startSample(pid, info, now)) {
			return nil
		}
		if info.exePath != "" {
			if !s.emit(ctx, execSample(pid, info, now)) {
				return nil
			}
		}
	}

	for pid, prev := range s.known {
		if _, alive := current[pid]; alive {
			continue
		}
		if !s.emit(ctx, exitSample(pid, prev, now)) {
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

func startSample(pid int, info procInfo, at time.Time) sources.Sample {
	attrs := map[string]string{AttrComm: info.comm}
	if info.exePath != "" {
		attrs[AttrExePath] = info.exePath
	}
	if info.cmdline != "" {
		attrs[AttrCmdline] = info.cmdline
	}
	return sources.Sample{
		Subject:    domain.ProcessSubject(int32(pid), info.startTime),
		Action:     domain.ActionProcessStart,
		Attributes: attrs,
		At:         at,
	}
}

// execSample keys the execution to the executable's file path so that file
// creation and execution of the same path share a subject.
func execSample(pid int, info procInfo, at time.Time) sources.Sample {
	return sources.Sample{
		Subject: domain.FileSubject(info.exePath),
		Action:  domain.ActionProcessExec,
		Attributes: map[string]string{
			AttrPID:  strconv.Itoa(pid),
			AttrComm: info.comm,
		},
		At: at,
	}
}

func exitSample(pid int, info procInfo, at time.Time) sources.Sample {
	return sources.Sample{
		Subject:    domain.ProcessSubject(int32(pid), info.startTime),
		Action:     domain.ActionProcessExit,
		Attributes: map[string]string{AttrComm: info.comm},
		At:         at,
	}
}

// snapshot reads the current process table. Individual processes may vanish
// mid-read; those are skipped, not errors.
func snapshot(fs procfs.FS) (map[int]procInfo, error) {
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, err
	}

	table := make(map[int]procInfo, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			continue
		}
		info := procInfo{startTime: stat.Starttime, comm: stat.Comm}
		if exe, err := p.Executable(); err == nil {
			info.exePath = exe
		}
		if cmdline, err := p.CmdLine(); err == nil && len(cmdline) > 0 {
			info.cmdline = strings.Join(cmdline, " ")
			if info.comm == "" {
				info.comm = strings.TrimSpace(cmdline[0])
			}
		}
		table[p.PID] = info
	}
	return table, nil
}
