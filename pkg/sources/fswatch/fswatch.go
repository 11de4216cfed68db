// Package fswatch implements the filesystem event source on top of inotify
// (via fsnotify). Configured directories are watched recursively and newly
// created subdirectories are added to the watch set on the fly.
package fswatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/sources"
)

const (
	// AttrFileType carries the sniffed file type of a created or written
	// file, e.g. "application/x-executable".
	AttrFileType = "file_type"

	// AttrExecutable is "true" when the file has an execute bit set.
	AttrExecutable = "executable"

	sniffBytes = 262 // what filetype needs for magic-number detection
)

// Source watches filesystem paths. It holds no subscription state; each
// Subscribe call builds a fresh watcher.
type Source struct {
	logger *zap.Logger
}

// NewSource creates the filesystem source.
func NewSource(logger *zap.Logger) *Source {
	return &Source{logger: logger.Named("fswatch")}
}

func (s *Source) Kind() domain.SourceKind { return domain.SourceFileSystem }
func (s *Source) Name() string            { return "fswatch" }

// Subscribe starts watching filter.Paths recursively. At least one path must
// be watchable or the subscription fails outright.
func (s *Source) Subscribe(ctx context.Context, filter sources.Filter) (sources.Subscription, error) {
	if len(filter.Paths) == 0 {
		return nil, fmt.Errorf("%w: no paths to monitor", domain.ErrSourceUnavailable)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	watched := 0
	for _, root := range filter.Paths {
		if err := addRecursive(watcher, root); err != nil {
			s.logger.Warn("Cannot watch path", zap.String("path", root), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		watcher.Close()
		return nil, fmt.Errorf("%w: none of %d configured paths watchable", domain.ErrSourceUnavailable, len(filter.Paths))
	}

	sub := &subscription{
		logger:  s.logger,
		watcher: watcher,
		events:  make(chan sources.Sample, 128),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go sub.run(ctx)

	s.logger.Info("Watching filesystem paths", zap.Int("paths", watched))
	return sub, nil
}

// addRecursive adds root and every directory below it to the watch set.
func addRecursive(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking siblings
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				return nil
			}
		}
		return nil
	})
}

type subscription struct {
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	events  chan sources.Sample
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) Events() <-chan sources.Sample { return s.events }
func (s *subscription) Err() <-chan error             { return s.errs }

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.watcher.Close()
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			default:
			}
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *subscription) handle(ctx context.Context, ev fsnotify.Event) {
	now := time.Now()

	// A new directory extends the watch set; its own creation is still
	// reported as an event.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(s.watcher, ev.Name); err != nil {
				s.logger.Warn("Cannot extend watch to new directory",
					zap.String("path", ev.Name), zap.Error(err))
			}
		}
	}

	for _, action := range mapOps(ev.Op) {
		sample := sources.Sample{
			Subject: domain.FileSubject(ev.Name),
			Action:  action,
			At:      now,
		}
		if action == domain.ActionFileCreate || action == domain.ActionFileWrite {
			sample.Attributes = describeFile(ev.Name)
		}

		select {
		case s.events <- sample:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// mapOps translates an fsnotify op bitmask into actions. A single inotify
// delivery can carry several bits.
func mapOps(op fsnotify.Op) []string {
	var actions []string
	if op.Has(fsnotify.Create) {
		actions = append(actions, domain.ActionFileCreate)
	}
	if op.Has(fsnotify.Write) {
		actions = append(actions, domain.ActionFileWrite)
	}
	if op.Has(fsnotify.Remove) {
		actions = append(actions, domain.ActionFileDelete)
	}
	if op.Has(fsnotify.Rename) {
		actions = append(actions, domain.ActionFileRename)
	}
	if op.Has(fsnotify.Chmod) {
		actions = append(actions, domain.ActionFileChmod)
	}
	return actions
}

// describeFile sniffs the file's magic number and mode bits. Best effort:
// the file may already be gone or unreadable, in which case no attributes
// are attached.
func describeFile(path string) map[string]string {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}

	attrs := map[string]string{
		AttrExecutable: strconv.FormatBool(info.Mode().Perm()&0o111 != 0),
	}

	f, err := os.Open(path)
	if err != nil {
		return attrs
	}
	defer f.Close()

	head := make([]byte, sniffBytes)
	n, err := f.Read(head)
	if err != nil && err != io.EOF {
		return attrs
	}
	if kind, err := filetype.Match(head[:n]); err == nil && kind != filetype.Unknown {
		attrs[AttrFileType] = kind.MIME.Value
	}
	return attrs
}
