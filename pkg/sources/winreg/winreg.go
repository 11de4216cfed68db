// Package winreg implements the registry event source. On Windows it polls
// the configured keys and diffs their values between scans; elsewhere the
// source reports itself unavailable so the agent runs with the remaining
// sources.
package winreg

import (
	"context"

	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/sources"
)

const (
	// AttrValueName is the registry value that changed under the key.
	AttrValueName = "value_name"

	// AttrValueType is the registry value type, e.g. "REG_SZ".
	AttrValueType = "value_type"
)

// Source watches registry keys named in the filter.
type Source struct {
	logger *zap.Logger
}

// NewSource creates the registry source.
func NewSource(logger *zap.Logger) *Source {
	return &Source{logger: logger.Named("winreg")}
}

func (s *Source) Kind() domain.SourceKind { return domain.SourceRegistry }
func (s *Source) Name() string            { return "winreg" }

// Subscribe starts polling filter.RegistryKeys. Key paths use the usual
// backslash form with a hive prefix, e.g.
// `HKLM\SOFTWARE\Microsoft\Windows\CurrentVersion\Run`.
func (s *Source) Subscribe(ctx context.Context, filter sources.Filter) (sources.Subscription, error) {
	return s.subscribe(ctx, filter)
}
