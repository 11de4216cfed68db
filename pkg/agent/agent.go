// Package agent assembles the monitoring engine: it builds the enabled
// sources, wires each through an adapter into the pipeline, attaches the
// reporter to the output stream, and owns the ordered shutdown.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hostsentry/hostsentry/pkg/config"
	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/pipeline"
	"github.com/hostsentry/hostsentry/pkg/reporter"
	"github.com/hostsentry/hostsentry/pkg/sources"
	"github.com/hostsentry/hostsentry/pkg/sources/fswatch"
	"github.com/hostsentry/hostsentry/pkg/sources/network"
	"github.com/hostsentry/hostsentry/pkg/sources/process"
	"github.com/hostsentry/hostsentry/pkg/sources/winreg"
	"github.com/hostsentry/hostsentry/pkg/telemetry"
)

// Version is stamped by the build.
var Version = "dev"

// Agent is the assembled monitoring engine.
type Agent struct {
	logger   *zap.Logger
	cfg      *config.Config
	pipe     *pipeline.Pipeline
	adapters []*sources.Adapter
	rep      *reporter.Reporter
	tel      *telemetry.Telemetry

	wg     sync.WaitGroup
	repErr error
}

// New builds the agent from a validated configuration. Nothing subscribes
// or listens yet; Run does that.
func New(logger *zap.Logger, cfg *config.Config) (*Agent, error) {
	pipeCfg, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		logger: logger,
		cfg:    cfg,
		pipe:   pipeline.New(logger.Named("pipeline"), pipeCfg),
	}

	for _, sc := range enabledSources(logger, cfg) {
		queue, err := a.pipe.RegisterSource(sc.source.Name())
		if err != nil {
			return nil, fmt.Errorf("registering source %s: %w", sc.source.Name(), err)
		}
		adapterCfg := sources.AdapterConfig{
			Filter:          sc.filter,
			MaxFailures:     cfg.Sources.MaxFailures,
			BackoffBase:     cfg.Sources.BackoffBase,
			BackoffMax:      cfg.Sources.BackoffMax,
			MaxEventsPerSec: sc.toggle.MaxEventsPerSec,
			// A source idle past two health checks is suspicious.
			HealthCheckTimeout: 2 * cfg.CheckInterval(),
		}
		a.adapters = append(a.adapters, sources.NewAdapter(logger, sc.source, queue, a.pipe, adapterCfg))
	}
	if len(a.adapters) == 0 {
		return nil, fmt.Errorf("no sources enabled")
	}

	rep, err := reporter.New(logger, reporter.Config{
		AgentID:       cfg.AgentID,
		URL:           cfg.ServerURL,
		SubjectPrefix: cfg.Reporter.SubjectPrefix,
		JournalPath:   cfg.Reporter.JournalPath,
		FlushInterval: cfg.Reporter.FlushInterval,
		BatchSize:     cfg.Reporter.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	a.rep = rep

	return a, nil
}

type sourceConfig struct {
	source sources.Source
	toggle config.SourceToggle
	filter sources.Filter
}

func enabledSources(logger *zap.Logger, cfg *config.Config) []sourceConfig {
	var out []sourceConfig
	if cfg.Sources.Filesystem.Enabled {
		out = append(out, sourceConfig{
			source: fswatch.NewSource(logger),
			toggle: cfg.Sources.Filesystem,
			filter: sources.Filter{Paths: cfg.PathsToMonitor},
		})
	}
	if cfg.Sources.Process.Enabled {
		out = append(out, sourceConfig{
			source: process.NewSource(logger),
			toggle: cfg.Sources.Process,
			filter: sources.Filter{PollInterval: cfg.Sources.Process.PollInterval},
		})
	}
	if cfg.Sources.Network.Enabled {
		out = append(out, sourceConfig{
			source: network.NewSource(logger),
			toggle: cfg.Sources.Network,
			filter: sources.Filter{PollInterval: cfg.Sources.Network.PollInterval},
		})
	}
	if cfg.Sources.Registry.Enabled {
		out = append(out, sourceConfig{
			source: winreg.NewSource(logger),
			toggle: cfg.Sources.Registry,
			filter: sources.Filter{
				PollInterval: cfg.Sources.Registry.PollInterval,
				RegistryKeys: cfg.Sources.RegistryKeys,
			},
		})
	}
	return out
}

// Run starts everything and blocks until ctx is cancelled, then performs the
// ordered shutdown: sources stop producing, the pipeline drains and flushes,
// the reporter finishes the output stream, telemetry goes last.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Telemetry.Enabled {
		tel, err := telemetry.New(ctx, a.logger, a.cfg.AgentID, Version, a.cfg.Telemetry.ListenAddr, a.Health)
		if err != nil {
			return err
		}
		a.tel = tel
	}

	if err := a.pipe.Start(ctx); err != nil {
		return err
	}

	started := make([]*sources.Adapter, 0, len(a.adapters))
	for _, adapter := range a.adapters {
		if err := adapter.Start(ctx); err != nil {
			a.logger.Error("Failed to start source adapter",
				zap.String("source", adapter.Name()), zap.Error(err))
			continue
		}
		started = append(started, adapter)
	}
	if len(started) == 0 {
		return fmt.Errorf("no source adapter started")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// The reporter ends when the output channel closes during
		// shutdown; it must not stop on ctx cancellation or drained
		// events would be lost.
		a.repErr = a.rep.Run(context.Background(), a.pipe.Output())
	}()

	a.wg.Add(1)
	go a.healthLoop(ctx)

	a.logger.Info("Agent running",
		zap.String("agent_id", a.cfg.AgentID),
		zap.Int("sources", len(started)),
	)

	<-ctx.Done()
	return a.shutdown()
}

// healthLoop periodically evaluates source health and logs transitions out
// of the healthy state.
func (a *Agent) healthLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, status := range a.Health() {
				switch status.State {
				case domain.HealthDegraded:
					a.logger.Warn("Source degraded",
						zap.String("source", name),
						zap.String("reason", status.Message))
				case domain.HealthUnhealthy:
					a.logger.Error("Source down",
						zap.String("source", name),
						zap.String("reason", status.Message))
				}
			}
		}
	}
}

// Health reports per-source health.
func (a *Agent) Health() map[string]*domain.HealthStatus {
	out := make(map[string]*domain.HealthStatus, len(a.adapters))
	for _, adapter := range a.adapters {
		out[adapter.Name()] = adapter.Health()
	}
	return out
}

// Stats reports per-source counters.
func (a *Agent) Stats() map[string]*domain.SourceStats {
	out := make(map[string]*domain.SourceStats, len(a.adapters))
	for _, adapter := range a.adapters {
		out[adapter.Name()] = adapter.Statistics()
	}
	return out
}

func (a *Agent) shutdown() error {
	a.logger.Info("Agent shutting down")
	var errs error

	// 1. Sources stop producing and close their ingress queues.
	for _, adapter := range a.adapters {
		if err := adapter.Stop(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	// 2. The pipeline drains what is queued and flushes open state.
	if err := a.pipe.Stop(); err != nil {
		errs = multierr.Append(errs, err)
	}

	// 3. The reporter finishes the now-closed output stream.
	a.wg.Wait()
	if a.repErr != nil && a.repErr != context.Canceled {
		errs = multierr.Append(errs, a.repErr)
	}
	if err := a.rep.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}

	// 4. Telemetry goes last so shutdown itself stays observable.
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	a.logger.Info("Agent stopped")
	return errs
}
