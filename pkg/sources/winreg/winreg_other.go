//go:build !windows

package winreg

import (
	"context"
	"fmt"
	"runtime"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/sources"
)

func (s *Source) subscribe(_ context.Context, _ sources.Filter) (sources.Subscription, error) {
	return nil, fmt.Errorf("%w: registry monitoring not available on %s", domain.ErrSourceUnavailable, runtime.GOOS)
}
