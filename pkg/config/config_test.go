package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	cfg.Cluster.AuthToken = "secret"
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8420", cfg.APIListen)
	assert.Equal(t, 5, cfg.Cluster.HeartbeatIntervalSeconds)
	assert.Equal(t, 0.5, cfg.Cluster.QuorumPercentage)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/burrow
cluster:
  cluster_auth_token: secret
  cluster_node_role: master
  cluster_quorum_percentage: 0.66
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/burrow", cfg.DataDir)
	assert.Equal(t, "master", cfg.Cluster.NodeRole)
	assert.Equal(t, 0.66, cfg.Cluster.QuorumPercentage)
	// untouched settings keep their defaults
	assert.Equal(t, 3, cfg.Cluster.FailureThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BURROW_CLUSTER_TOKEN", "from-env")
	t.Setenv("BURROW_NODE_ID", "node-7")
	t.Setenv("BURROW_PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Cluster.AuthToken)
	assert.Equal(t, "node-7", cfg.Cluster.NodeID)
	assert.Equal(t, 9000, cfg.Cluster.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.Cluster.AuthToken = "" }},
		{"bad role", func(c *Config) { c.Cluster.NodeRole = "arbiter" }},
		{"quorum too high", func(c *Config) { c.Cluster.QuorumPercentage = 1.0 }},
		{"quorum zero", func(c *Config) { c.Cluster.QuorumPercentage = 0 }},
		{"election window inverted", func(c *Config) {
			c.Cluster.ElectionTimeoutMinMs = 500
			c.Cluster.ElectionTimeoutMaxMs = 100
		}},
		{"zero heartbeat", func(c *Config) { c.Cluster.HeartbeatIntervalSeconds = 0 }},
		{"zero failure threshold", func(c *Config) { c.Cluster.FailureThreshold = 0 }},
		{"bad replication mode", func(c *Config) { c.Cluster.ReplicationMode = "eventual" }},
		{"bad read preference", func(c *Config) { c.Cluster.ReadPreference = "nearest" }},
		{"zero package cap", func(c *Config) { c.Migration.MaxCompressedBytes = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Cluster.AuthToken = "secret"
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Cluster.HeartbeatInterval()*3, cfg.Cluster.StaleAfter())
}
