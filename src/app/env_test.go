package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicadb.yaml")
	data := []byte(`
environment: dev
server_port: 9000
data_dir: /var/lib/replicadb
primary_addrs:
  - 10.0.0.1:9090
  - 10.0.0.2:9090
replay:
  group_commit_interval: 5ms
  group_commit_max_size: 50
election:
  enabled: true
  node_id: n1
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("REPLICADB_SERVER_PORT", "9100")
	t.Setenv("REPLICADB_REPLAY_GROUP_COMMIT_MAX_SIZE", "75")
	t.Setenv("REPLICADB_ELECTION_PEERS", "n1=127.0.0.1:7000,n2=127.0.0.1:7001")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, EnvDev, cfg.Environment)
	assert.Equal(t, 9100, cfg.ServerPort)
	assert.Equal(t, "/var/lib/replicadb", cfg.DataDir)
	assert.Equal(t, []string{"10.0.0.1:9090", "10.0.0.2:9090"}, cfg.PrimaryAddrs)
	assert.Equal(t, 5*time.Millisecond, cfg.Replay.GroupCommitInterval)
	assert.Equal(t, 75, cfg.Replay.GroupCommitMaxSize)
	assert.Equal(t, Default().Replay.ReplayQueueCapacity, cfg.Replay.ReplayQueueCapacity)
	assert.True(t, cfg.Election.Enabled)
	assert.Equal(t, "n1", cfg.Election.NodeID)
	assert.Equal(t, []string{"n1=127.0.0.1:7000", "n2=127.0.0.1:7001"}, cfg.Election.Peers)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("REPLICADB_ENVIRONMENT", "staging")
	t.Setenv("REPLICADB_REPLAY_GROUP_COMMIT_MAX_SIZE", "0")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staging")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
