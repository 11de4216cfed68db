package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/hostsentry/pkg/domain"
	"github.com/hostsentry/hostsentry/pkg/pipeline"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.AgentID, "agent id is generated when absent")
	assert.Equal(t, 30, cfg.CheckIntervalSeconds)
	assert.True(t, cfg.Sources.Filesystem.Enabled)
	assert.True(t, cfg.Sources.Process.Enabled)
	assert.False(t, cfg.Sources.Registry.Enabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.OutOfOrderTolerance)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.BurstWindow)
	assert.Equal(t, "drop_oldest", cfg.Pipeline.IngressPolicy)

	require.Len(t, cfg.Patterns, 1)
	assert.Equal(t, "write_then_execute", cfg.Patterns[0].ID)
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
agent_id: edge-7
server_url: nats://collector:4222
check_interval_seconds: 10
paths_to_monitor:
  - /opt/app
  - /etc
sources:
  filesystem:
    enabled: true
  network:
    enabled: true
    poll_interval: 500ms
    max_events_per_sec: 200
pipeline:
  burst_window: 4s
  ingress_policy: drop_newest
patterns:
  - id: touch_and_go
    steps: [file_create, file_delete]
    ttl: 10s
    severity: medium
reporter:
  journal_path: /var/lib/hostsentry/journal.db
  batch_size: 50
telemetry:
  enabled: true
  listen_addr: ":9100"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "edge-7", cfg.AgentID)
	assert.Equal(t, "nats://collector:4222", cfg.ServerURL)
	assert.Equal(t, 10*time.Second, cfg.CheckInterval())
	assert.Equal(t, []string{"/opt/app", "/etc"}, cfg.PathsToMonitor)
	assert.True(t, cfg.Sources.Network.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Sources.Network.PollInterval)
	assert.Equal(t, 4*time.Second, cfg.Pipeline.BurstWindow)
	assert.Equal(t, "/var/lib/hostsentry/journal.db", cfg.Reporter.JournalPath)
	assert.Equal(t, 50, cfg.Reporter.BatchSize)
	assert.Equal(t, ":9100", cfg.Telemetry.ListenAddr)

	pc, err := cfg.PipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, pipeline.DropNewest, pc.IngressPolicy)
	assert.True(t, pc.MetricsEnabled)

	patterns, err := cfg.ToPatterns()
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "touch_and_go", patterns[0].ID)
	assert.Equal(t, domain.SeverityMedium, patterns[0].Severity)
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  ingress_policy: drop_everything
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "ingress_policy")
}

func TestValidateRejectsBadPattern(t *testing.T) {
	path := writeConfig(t, `
patterns:
  - id: ""
    steps: [file_create]
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsDuplicatePatternIDs(t *testing.T) {
	path := writeConfig(t, `
patterns:
  - id: p1
    steps: [file_create]
  - id: p1
    steps: [file_delete]
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate pattern id")
}

func TestValidateRejectsRegistryWithoutKeys(t *testing.T) {
	path := writeConfig(t, `
sources:
  registry:
    enabled: true
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "registry_keys")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
sources:
  registry:
    enabled: true
pipeline:
  ingress_policy: bogus
  output_policy: bogus
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "registry_keys")
	assert.ErrorContains(t, err, "ingress_policy")
	assert.ErrorContains(t, err, "output_policy")
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
