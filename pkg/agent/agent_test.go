package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hostsentry/hostsentry/pkg/config"
	"github.com/hostsentry/hostsentry/pkg/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
agent_id: test-agent
check_interval_seconds: 1
paths_to_monitor:
  - ` + t.TempDir() + `
sources:
  filesystem:
    enabled: true
pipeline:
  out_of_order_tolerance: 10ms
  burst_window: 50ms
  sweep_interval: 20ms
  drain_timeout: 2s
telemetry:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNewRejectsNoSources(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources.Filesystem.Enabled = false
	cfg.Sources.Process.Enabled = false

	_, err := New(zaptest.NewLogger(t), cfg)
	assert.ErrorContains(t, err, "no sources enabled")
}

func TestAgentRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Let the watcher come up, then generate some activity.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.PathsToMonitor[0], "probe"), []byte("x"), 0o644))
	time.Sleep(200 * time.Millisecond)

	health := a.Health()
	require.Contains(t, health, "fswatch")
	assert.Equal(t, domain.HealthHealthy, health["fswatch"].State)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not shut down")
	}

	stats := a.Stats()
	require.Contains(t, stats, "fswatch")
	assert.Greater(t, stats["fswatch"].EventsProduced, int64(0))
}
