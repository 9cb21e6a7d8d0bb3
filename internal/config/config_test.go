package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: file
  path: ./data/state.db
governor:
  max_execution_time: 10s
  time_weight: 0.6
  success_weight: 0.4
recovery:
  policies:
    network:
      max_retries: 5
      base_delay: 10s
scheduler:
  enabled: true
  timezone: UTC
  min_interval: 30s
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "file", cfg.Storage.Driver)
	require.Equal(t, 5, *cfg.Recovery.Policies["network"].MaxRetries)
	require.Equal(t, "30s", cfg.Scheduler.MinInterval)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.json", []byte(`{"scheduler":{"enabled":true,"workers":3}}`))
	require.Error(t, err)
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	t.Parallel()
	_, err := Decode("config.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty", Config{}, true},
		{"bad duration", Config{Governor: GovernorConfig{MaxExecutionTime: "soon"}}, false},
		{"negative duration", Config{Scheduler: SchedulerConfig{MinInterval: "-1s"}}, false},
		{"unknown driver", Config{Storage: &StorageConfig{Driver: "etcd"}}, false},
		{"file without path", Config{Storage: &StorageConfig{Driver: "file"}}, false},
		{"unknown category", Config{Recovery: RecoveryConfig{Policies: map[string]PolicyConfig{"disk": {}}}}, false},
		{"unknown fallback", Config{Recovery: RecoveryConfig{Policies: map[string]PolicyConfig{"network": {Fallback: "panic"}}}}, false},
		{"json logs", Config{Logging: LoggingConfig{Format: "JSON"}}, true},
		{"unknown log format", Config{Logging: LoggingConfig{Format: "xml"}}, false},
	}
	for _, tc := range cases {
		err := Validate(&tc.cfg)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Debug: DebugConfig{Token: "a"}}
	nw := &Config{Debug: DebugConfig{Token: "b"}, Scheduler: SchedulerConfig{Enabled: true}}
	changed, _ := SummarizeConfigChange(old, nw)
	// Rotating a token to another non-empty value is not reported.
	require.Equal(t, []string{"scheduler"}, changed)
}

func TestWatchPublishesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":false}}`), 0o600))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":true}}`), 0o600))

	select {
	case cfg := <-ch:
		require.True(t, cfg.Scheduler.Enabled)
		require.True(t, m.Get().Scheduler.Enabled)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published after write")
	}
}
