package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, 15*time.Second, cfg.PresenceConfig.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, cfg.PresenceConfig.SuspectAfter(), "suspect defaults to twice the heartbeat interval")
	assert.Equal(t, 15*time.Second, cfg.PresenceConfig.GraceAfter(), "grace defaults to one heartbeat interval")
	assert.Equal(t, 500, cfg.HistoryConfig.Size())
	assert.Equal(t, 500*time.Millisecond, cfg.HistoryConfig.FlushInterval())
	assert.Equal(t, 64, cfg.HistoryConfig.BatchSize())
	assert.Equal(t, "collab", cfg.FanoutConfig.Prefix())
	assert.Equal(t, 1024, cfg.PersistenceConfig.RoomCacheSize())
	assert.Equal(t, 64, cfg.RoomConfig.Capacity())
}

func TestReadConfigurationFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collab.toml")
	contents := `
log_level = "DEBUG"

[instance]
id = "node-7"

[presence]
heartbeat_seconds = 10
suspect_seconds = 20

[history]
history_size = 250

[fanout]
redis_address = "localhost:6379"
channel_prefix = "study"

[persistence]
type = "buntdb"
dsn = ":memory:"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := ReadConfiguration(path, GetFlagSet())
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "node-7", cfg.InstanceConfig.Id)
	assert.Equal(t, 10*time.Second, cfg.PresenceConfig.HeartbeatInterval())
	assert.Equal(t, 20*time.Second, cfg.PresenceConfig.SuspectAfter())
	assert.Equal(t, 10*time.Second, cfg.PresenceConfig.GraceAfter(), "unset grace falls back to the heartbeat interval")
	assert.Equal(t, 250, cfg.HistoryConfig.Size())
	assert.Equal(t, "localhost:6379", cfg.FanoutConfig.RedisAddress)
	assert.Equal(t, "study", cfg.FanoutConfig.Prefix())
	assert.Equal(t, "buntdb", cfg.PersistenceConfig.Type)
}
