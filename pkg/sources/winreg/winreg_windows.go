//go:build windows

package winreg

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/registry"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/sources"
)

const defaultPollInterval = 2 * time.Second

var hives = map[string]registry.Key{
	"HKLM":                registry.LOCAL_MACHINE,
	"HKEY_LOCAL_MACHINE":  registry.LOCAL_MACHINE,
	"HKCU":                registry.CURRENT_USER,
	"HKEY_CURRENT_USER":   registry.CURRENT_USER,
	"HKU":                 registry.USERS,
	"HKEY_USERS":          registry.USERS,
	"HKCR":                registry.CLASSES_ROOT,
	"HKEY_CLASSES_ROOT":   registry.CLASSES_ROOT,
	"HKCC":                registry.CURRENT_CONFIG,
	"HKEY_CURRENT_CONFIG": registry.CURRENT_CONFIG,
}

var valueTypes = map[uint32]string{
	registry.SZ:        "REG_SZ",
	registry.EXPAND_SZ: "REG_EXPAND_SZ",
	registry.BINARY:    "REG_BINARY",
	registry.DWORD:     "REG_DWORD",
	registry.MULTI_SZ:  "REG_MULTI_SZ",
	registry.QWORD:     "REG_QWORD",
}

type watchedKey struct {
	hive    registry.Key
	subPath string
	display string
}

// valueState fingerprints one registry value for change detection.
type valueState struct {
	valType uint32
	hash    uint64
}

func (s *Source) subscribe(ctx context.Context, filter sources.Filter) (sources.Subscription, error) {
	if len(filter.RegistryKeys) == 0 {
		return nil, fmt.Errorf("%w: no registry keys to monitor", domain.ErrSourceUnavailable)
	}

	keys := make([]watchedKey, 0, len(filter.RegistryKeys))
	for _, path := range filter.RegistryKeys {
		wk, err := parseKeyPath(path)
		if err != nil {
			s.logger.Warn("Skipping unparseable registry key", zap.String("key", path), zap.Error(err))
			continue
		}
		keys = append(keys, wk)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: none of %d configured registry keys usable", domain.ErrSourceUnavailable, len(filter.RegistryKeys))
	}

	interval := filter.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	known := make(map[string]map[string]valueState, len(keys))
	for _, wk := range keys {
		values, err := readKey(wk)
		if err != nil {
			s.logger.Warn("Cannot read registry key", zap.String("key", wk.display), zap.Error(err))
			values = map[string]valueState{}
		}
		known[wk.display] = values
	}

	sub := &subscription{
		logger:   s.logger,
		keys:     keys,
		known:    known,
		interval: interval,
		events:   make(chan sources.Sample, 128),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	go sub.run(ctx)

	s.logger.Info("Registry monitoring started", zap.Int("keys", len(keys)))
	return sub, nil
}

func parseKeyPath(path string) (watchedKey, error) {
	hiveName, subPath, ok := strings.Cut(path, `\`)
	if !ok {
		return watchedKey{}, fmt.Errorf("registry key %q has no hive prefix", path)
	}
	hive, ok := hives[strings.ToUpper(hiveName)]
	if !ok {
		return watchedKey{}, fmt.Errorf("unknown registry hive %q", hiveName)
	}
	return watchedKey{hive: hive, subPath: subPath, display: path}, nil
}

type subscription struct {
	logger   *zap.Logger
	keys     []watchedKey
	known    map[string]map[string]valueState
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

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if !s.scan(ctx) {
				return
			}
		}
	}
}

func (s *subscription) scan(ctx context.Context) bool {
	now := time.Now()
	for _, wk := range s.keys {
		current, err := readKey(wk)
		if err != nil {
			// The key itself may legitimately come and go; treat an
			// unreadable key as empty rather than failing the source.
			current = map[string]valueState{}
		}
		prev := s.known[wk.display]

		for name, state := range current {
			old, seen := prev[name]
			if seen && old == state {
				continue
			}
			if !s.emit(ctx, setSample(wk, name, state, now)) {
				return false
			}
		}
		for name := range prev {
			if _, alive := current[name]; alive {
				continue
			}
			if !s.emit(ctx, deleteSample(wk, name, now)) {
				return false
			}
		}
		s.known[wk.display] = current
	}
	return true
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

func setSample(wk watchedKey, name string, state valueState, at time.Time) sources.Sample {
	valType := valueTypes[state.valType]
	if valType == "" {
		valType = fmt.Sprintf("0x%x", state.valType)
	}
	return sources.Sample{
		Subject: domain.RegistrySubject(wk.display),
		Action:  domain.ActionRegistrySet,
		Attributes: map[string]string{
			AttrValueName: name,
			AttrValueType: valType,
		},
		At: at,
	}
}

func deleteSample(wk watchedKey, name string, at time.Time) sources.Sample {
	return sources.Sample{
		Subject:    domain.RegistrySubject(wk.display),
		Action:     domain.ActionRegistryDelete,
		Attributes: map[string]string{AttrValueName: name},
		At:         at,
	}
}

// readKey fingerprints every value under the key.
func readKey(wk watchedKey) (map[string]valueState, error) {
	k, err := registry.OpenKey(wk.hive, wk.subPath, registry.READ)
	if err != nil {
		return nil, err
	}
	defer k.Close()

	names, err := k.ReadValueNames(0)
	if err != nil {
		return nil, err
	}

	values := make(map[string]valueState, len(names))
	for _, name := range names {
		n, valType, err := k.GetValue(name, nil)
		if err != nil {
			continue
		}
		buf := make([]byte, n)
		if _, _, err := k.GetValue(name, buf); err != nil {
			continue
		}
		h := fnv.New64a()
		h.Write(buf)
		values[name] = valueState{valType: valType, hash: h.Sum64()}
	}
	return values, nil
}
