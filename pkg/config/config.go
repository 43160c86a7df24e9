package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/burrowdb/burrow/pkg/types"
)

// Cluster holds the cluster coordination settings
type Cluster struct {
	Enabled          bool   `yaml:"cluster_enabled"`
	NodeID           string `yaml:"cluster_node_id"`
	NodeRole         string `yaml:"cluster_node_role"`
	AdvertiseAddress string `yaml:"cluster_advertise_address"`
	Port             int    `yaml:"cluster_port"`

	HeartbeatIntervalSeconds int     `yaml:"cluster_heartbeat_interval_seconds"`
	FailureThreshold         int     `yaml:"cluster_failure_threshold"`
	ElectionTimeoutMinMs     int     `yaml:"cluster_election_timeout_min_ms"`
	ElectionTimeoutMaxMs     int     `yaml:"cluster_election_timeout_max_ms"`
	QuorumPercentage         float64 `yaml:"cluster_quorum_percentage"`

	ReplicationEnabled bool   `yaml:"cluster_replication_enabled"`
	ReplicationMode    string `yaml:"cluster_replication_mode"`

	LoadBalancingAlgorithm       string `yaml:"cluster_load_balancing_algorithm"`
	StickySessions               bool   `yaml:"cluster_sticky_sessions"`
	CircuitBreakerEnabled        bool   `yaml:"cluster_circuit_breaker_enabled"`
	CircuitBreakerThreshold      int    `yaml:"cluster_circuit_breaker_threshold"`
	CircuitBreakerTimeoutSeconds int    `yaml:"cluster_circuit_breaker_timeout_seconds"`
	RequestTimeoutSeconds        int    `yaml:"cluster_request_timeout_seconds"`
	ReadPreference               string `yaml:"cluster_read_preference"`

	// AuthToken is the shared cluster secret. Only its hash is ever
	// persisted or compared against inbound requests.
	AuthToken string `yaml:"cluster_auth_token"`
}

// Migration holds the export/import pipeline settings
type Migration struct {
	StorageDir            string   `yaml:"migration_storage_dir"`
	MaxCompressedBytes    int64    `yaml:"migration_max_compressed_bytes"`
	MaxDecompressedBytes  int64    `yaml:"migration_max_decompressed_bytes"`
	MaxDecompressionRatio int64    `yaml:"migration_max_decompression_ratio"`
	AllowedIPs            []string `yaml:"migration_allowed_ips"`
	RateLimitHours        int      `yaml:"migration_rate_limit_hours"`
}

// Config is the full node configuration
type Config struct {
	DataDir   string `yaml:"data_dir"`
	APIListen string `yaml:"api_listen"`
	RedisAddr string `yaml:"redis_addr"`
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`

	Cluster   Cluster   `yaml:"cluster"`
	Migration Migration `yaml:"migration"`
}

// Default returns a Config with every setting at its documented default
func Default() *Config {
	return &Config{
		DataDir:   "./burrow-data",
		APIListen: "0.0.0.0:8420",
		LogLevel:  "info",
		LogJSON:   true,
		Cluster: Cluster{
			Enabled:                      true,
			NodeRole:                     string(types.NodeRoleReplica),
			AdvertiseAddress:             "127.0.0.1",
			Port:                         8420,
			HeartbeatIntervalSeconds:     5,
			FailureThreshold:             3,
			ElectionTimeoutMinMs:         150,
			ElectionTimeoutMaxMs:         300,
			QuorumPercentage:             0.5,
			ReplicationEnabled:           true,
			ReplicationMode:              string(types.ReplicationAsync),
			LoadBalancingAlgorithm:       string(types.BalanceRoundRobin),
			StickySessions:               false,
			CircuitBreakerEnabled:        true,
			CircuitBreakerThreshold:      5,
			CircuitBreakerTimeoutSeconds: 30,
			RequestTimeoutSeconds:        30,
			ReadPreference:               string(types.ReadAny),
		},
		Migration: Migration{
			StorageDir:            "./burrow-data/migrations",
			MaxCompressedBytes:    100 << 20, // 100 MB
			MaxDecompressedBytes:  10 << 30,  // 10 GB
			MaxDecompressionRatio: 100,
			RateLimitHours:        1,
		},
	}
}

// Load reads the config file at path (optional), applies BURROW_*
// environment overrides, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BURROW_NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}
	if v := os.Getenv("BURROW_NODE_ROLE"); v != "" {
		cfg.Cluster.NodeRole = v
	}
	if v := os.Getenv("BURROW_ADVERTISE_ADDRESS"); v != "" {
		cfg.Cluster.AdvertiseAddress = v
	}
	if v := os.Getenv("BURROW_CLUSTER_TOKEN"); v != "" {
		cfg.Cluster.AuthToken = v
	}
	if v := os.Getenv("BURROW_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("BURROW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BURROW_API_LISTEN"); v != "" {
		cfg.APIListen = v
	}
	if v := os.Getenv("BURROW_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.Port = p
		}
	}
}

// Validate checks mandatory settings and value ranges. A config that
// fails validation must refuse to start the process.
func (c *Config) Validate() error {
	if c.Cluster.Enabled && c.Cluster.AuthToken == "" {
		return fmt.Errorf("cluster_auth_token is required when clustering is enabled")
	}
	switch types.NodeRole(c.Cluster.NodeRole) {
	case types.NodeRoleMaster, types.NodeRoleReplica, types.NodeRoleStandalone:
	default:
		return fmt.Errorf("invalid cluster_node_role %q", c.Cluster.NodeRole)
	}
	if c.Cluster.QuorumPercentage <= 0 || c.Cluster.QuorumPercentage >= 1 {
		return fmt.Errorf("cluster_quorum_percentage must be in (0,1), got %v", c.Cluster.QuorumPercentage)
	}
	if c.Cluster.ElectionTimeoutMinMs > c.Cluster.ElectionTimeoutMaxMs {
		return fmt.Errorf("cluster_election_timeout_min_ms exceeds max")
	}
	if c.Cluster.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("cluster_heartbeat_interval_seconds must be positive")
	}
	if c.Cluster.FailureThreshold <= 0 {
		return fmt.Errorf("cluster_failure_threshold must be positive")
	}
	switch types.ReplicationMode(c.Cluster.ReplicationMode) {
	case types.ReplicationAsync, types.ReplicationSync, types.ReplicationSemiSync:
	default:
		return fmt.Errorf("invalid cluster_replication_mode %q", c.Cluster.ReplicationMode)
	}
	switch types.ReadPreference(c.Cluster.ReadPreference) {
	case types.ReadPrimary, types.ReadSecondary, types.ReadAny:
	default:
		return fmt.Errorf("invalid cluster_read_preference %q", c.Cluster.ReadPreference)
	}
	if c.Migration.MaxCompressedBytes <= 0 {
		return fmt.Errorf("migration_max_compressed_bytes must be positive")
	}
	return nil
}

// HeartbeatInterval returns the heartbeat interval as a duration
func (c *Cluster) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// StaleAfter returns how old a heartbeat may be before a node is
// considered unhealthy
func (c *Cluster) StaleAfter() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.FailureThreshold)
}

// RequestTimeout returns the forwarded-request timeout as a duration
func (c *Cluster) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CircuitBreakerTimeout returns the open-state cool-down as a duration
func (c *Cluster) CircuitBreakerTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerTimeoutSeconds) * time.Second
}
