package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[logging]
level = "debug"
format = "json"

[store]
driver = "sqlite"
sqlite_path = "/tmp/agentcore.db"

[orchestrator]
queue_capacity = 5
requeue_front = true

[eventbus]
default_max_retries = 7

[metrics]
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Orchestrator.QueueCapacity)
	assert.True(t, cfg.Orchestrator.RequeueFront)
	assert.Equal(t, 7, cfg.EventBus.DefaultMaxRetries)
	assert.False(t, cfg.Metrics.On())
	// untouched keys keep their defaults
	assert.Equal(t, 64, cfg.Orchestrator.MailboxCapacity)
	assert.Equal(t, "agentcore:events", cfg.EventBus.Channel)
	assert.Equal(t, path, cfg.Path)
	assert.Contains(t, cfg.Raw, "orchestrator")
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, Duration(250, time.Second))
	assert.Equal(t, time.Second, Duration(0, time.Second))
	assert.Equal(t, 3, IntOrDefault(0, 3))
	assert.Equal(t, "b", FirstNonEmpty("", " ", "b", "c"))
	assert.True(t, Default().Metrics.On())
}
