// Package config loads the node configuration: identity, cluster
// membership, replication timers and listen addresses.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node    NodeConfig   `mapstructure:"node"`
	Cluster []PeerConfig `mapstructure:"cluster"`
	Raft    RaftConfig   `mapstructure:"raft"`
	HTTP    HTTPConfig   `mapstructure:"http"`
	GRPC    GRPCConfig   `mapstructure:"grpc"`
	Log     LogConfig    `mapstructure:"log"`

	// path the config was loaded from; empty when built from
	// defaults and environment only.
	path string
}

type NodeConfig struct {
	ID      string `mapstructure:"id"`
	DataDir string `mapstructure:"data_dir"`
}

// PeerConfig describes one cluster member. RaftAddr carries peer RPCs;
// ClientAddr is where that member serves its client API, handed to
// clients as a redirect target.
type PeerConfig struct {
	ID         string `mapstructure:"id"`
	RaftAddr   string `mapstructure:"raft_addr"`
	ClientAddr string `mapstructure:"client_addr"`
}

type RaftConfig struct {
	ElectionTimeoutMin time.Duration `mapstructure:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `mapstructure:"election_timeout_max"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	SnapshotEvery      uint64        `mapstructure:"snapshot_every"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
	// ClusterToken authenticates peer RPCs; empty disables the check.
	ClusterToken string `mapstructure:"cluster_token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "n1")
	v.SetDefault("node.data_dir", "./data")
	v.SetDefault("raft.election_timeout_min", 150*time.Millisecond)
	v.SetDefault("raft.election_timeout_max", 300*time.Millisecond)
	v.SetDefault("raft.heartbeat_interval", 50*time.Millisecond)
	v.SetDefault("raft.snapshot_every", 1024)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig reads configuration from path (optional), then the
// environment (CHAT_ prefix), then defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("config: node.data_dir is required")
	}
	if c.Raft.ElectionTimeoutMin <= 0 || c.Raft.ElectionTimeoutMax <= c.Raft.ElectionTimeoutMin {
		return fmt.Errorf("config: election timeout window [%v, %v) is invalid",
			c.Raft.ElectionTimeoutMin, c.Raft.ElectionTimeoutMax)
	}
	if c.Raft.HeartbeatInterval <= 0 || c.Raft.HeartbeatInterval >= c.Raft.ElectionTimeoutMin {
		return fmt.Errorf("config: heartbeat interval %v must sit below the election window",
			c.Raft.HeartbeatInterval)
	}

	if len(c.Cluster) > 0 {
		seen := make(map[string]bool, len(c.Cluster))
		for _, peer := range c.Cluster {
			if peer.ID == "" || peer.RaftAddr == "" {
				return fmt.Errorf("config: cluster member %+v needs id and raft_addr", peer)
			}
			if seen[peer.ID] {
				return fmt.Errorf("config: duplicate cluster member %s", peer.ID)
			}
			seen[peer.ID] = true
		}
		if !seen[c.Node.ID] {
			return fmt.Errorf("config: node %s is not part of the configured cluster", c.Node.ID)
		}
	}
	return nil
}

// Path reports where the config was loaded from.
func (c *Config) Path() string { return c.path }

// PeerIDs lists every cluster member except this node.
func (c *Config) PeerIDs() []string {
	ids := make([]string, 0, len(c.Cluster))
	for _, peer := range c.Cluster {
		if peer.ID != c.Node.ID {
			ids = append(ids, peer.ID)
		}
	}
	return ids
}

// Peer resolves one cluster member by id.
func (c *Config) Peer(id string) (PeerConfig, bool) {
	for _, peer := range c.Cluster {
		if peer.ID == id {
			return peer, true
		}
	}
	return PeerConfig{}, false
}

// LogLevel parses the configured level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	return ParseLevel(c.Log.Level)
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
