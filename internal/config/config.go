// Package config loads a node's YAML configuration file, the way the
// teacher project hands a parsed YAML document to its cluster apply
// path (cmd/warren/apply.go) rather than binding flags directly to
// every tunable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lattice-kv/raftkv/pkg/fallback"
)

// RaftClusterConfig is one Raft cluster this node participates in:
// either the node's primary cluster or one fallback target.
type RaftClusterConfig struct {
	Name      string            `yaml:"name"`
	ClusterID string            `yaml:"clusterId"`
	Identity  string            `yaml:"identity"`
	BindAddr  string            `yaml:"bindAddr"`
	DataDir   string            `yaml:"dataDir"`
	Peers     map[string]string `yaml:"peers"`

	Transport string `yaml:"transport"` // "tcp" (default) or "grpc"

	MinElectionTimeoutMS int `yaml:"minElectionTimeoutMs"`
	MaxElectionTimeoutMS int `yaml:"maxElectionTimeoutMs"`
	HeartbeatTimeoutMS   int `yaml:"heartbeatTimeoutMs"`
}

// FallbackTargetConfig configures one priority-ascending fallback
// target wrapping a RaftClusterConfig (spec.md §4.3).
type FallbackTargetConfig struct {
	Cluster                  RaftClusterConfig `yaml:"cluster"`
	TransactionTimeoutMS     int               `yaml:"transactionTimeoutMs"`
	CheckIntervalMS          int               `yaml:"checkIntervalMs"`
	MinAvailableTimeMS       int               `yaml:"minAvailableTimeMs"`
	MinUnavailableTimeMS     int               `yaml:"minUnavailableTimeMs"`
	UnavailableMergeStrategy string            `yaml:"unavailableMergeStrategy"` // "overwrite" or "null"
	RejoinMergeStrategy      string            `yaml:"rejoinMergeStrategy"`
}

// Config is a node's complete configuration: its primary Raft
// cluster, an ordered fallback target list, the standalone store, and
// logging/metrics options.
type Config struct {
	Primary RaftClusterConfig `yaml:"primary"`

	StandaloneDataDir string                 `yaml:"standaloneDataDir"`
	FallbackStateFile string                 `yaml:"fallbackStateFile"`
	FallbackTargets   []FallbackTargetConfig `yaml:"fallbackTargets"`

	LogLevel    string `yaml:"logLevel"`
	LogJSON     bool   `yaml:"logJson"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// Load reads and parses path, applying defaults to anything the file
// leaves unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyClusterDefaults(&cfg.Primary)
	for i := range cfg.FallbackTargets {
		applyClusterDefaults(&cfg.FallbackTargets[i].Cluster)
		applyTargetDefaults(&cfg.FallbackTargets[i])
	}
	if cfg.FallbackStateFile == "" {
		cfg.FallbackStateFile = cfg.Primary.DataDir + "/fallback.state"
	}
	if cfg.StandaloneDataDir == "" {
		cfg.StandaloneDataDir = cfg.Primary.DataDir + "/standalone"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{MetricsAddr: ":9090"}
}

func applyClusterDefaults(c *RaftClusterConfig) {
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.MinElectionTimeoutMS == 0 {
		c.MinElectionTimeoutMS = 300
	}
	if c.MaxElectionTimeoutMS == 0 {
		c.MaxElectionTimeoutMS = 600
	}
	if c.HeartbeatTimeoutMS == 0 {
		c.HeartbeatTimeoutMS = 75
	}
}

func applyTargetDefaults(t *FallbackTargetConfig) {
	if t.TransactionTimeoutMS == 0 {
		t.TransactionTimeoutMS = 2000
	}
	if t.CheckIntervalMS == 0 {
		t.CheckIntervalMS = 5000
	}
	if t.MinAvailableTimeMS == 0 {
		t.MinAvailableTimeMS = 10000
	}
	if t.MinUnavailableTimeMS == 0 {
		t.MinUnavailableTimeMS = 10000
	}
	if t.UnavailableMergeStrategy == "" {
		t.UnavailableMergeStrategy = "overwrite"
	}
	if t.RejoinMergeStrategy == "" {
		t.RejoinMergeStrategy = "null"
	}
}

// TimingBounds converts this cluster's millisecond-denominated timing
// fields into time.Durations for raft.TimingConfig.
func (c RaftClusterConfig) TimingBounds() (minElection, maxElection, heartbeat time.Duration) {
	return time.Duration(c.MinElectionTimeoutMS) * time.Millisecond,
		time.Duration(c.MaxElectionTimeoutMS) * time.Millisecond,
		time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

// MergeStrategyByName resolves one of the two built-in merge
// strategies named in a config file (spec.md §4.3).
func MergeStrategyByName(name string) (fallback.MergeStrategy, error) {
	switch name {
	case "overwrite":
		return fallback.OverwriteMergeStrategy{}, nil
	case "null":
		return fallback.NullMergeStrategy{}, nil
	default:
		return nil, fmt.Errorf("config: unknown merge strategy %q", name)
	}
}
