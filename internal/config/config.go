// Package config handles configuration loading and validation for meshdfs.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/meshdfs/pkg/bytesize"
	"github.com/tunnelmesh/meshdfs/pkg/proto"
)

// Placement policy names.
const (
	PlacementRoundRobin = "round_robin"
	PlacementCapacity   = "capacity"
)

// MetaConfig holds configuration for the metadata service.
type MetaConfig struct {
	Listen            string       `yaml:"listen"`
	DataDir           string       `yaml:"data_dir"`           // bbolt database directory (default: /var/lib/meshdfs/meta)
	ChunkSize         string       `yaml:"chunk_size"`         // Size string, e.g. "4MB"
	ReplicationFactor int          `yaml:"replication_factor"` // Replicas per chunk (default: 2)
	LeaseDuration     string       `yaml:"lease_duration"`     // Duration string, e.g. "60s"
	ReconcileInterval string       `yaml:"reconcile_interval"` // Duration string, e.g. "60s"
	RPCTimeout        string       `yaml:"rpc_timeout"`        // Per-attempt chunk RPC timeout
	HealthTimeout     string       `yaml:"health_timeout"`     // Health probe timeout
	Placement         string       `yaml:"placement"`          // round_robin or capacity
	RepairRate        float64      `yaml:"repair_rate"`        // Repairs per second, 0 = unlimited
	OrphanGrace       string       `yaml:"orphan_grace"`       // Minimum blob age before orphan reclaim
	OrphanSweepEvery  int          `yaml:"orphan_sweep_every"` // Sweep every N reconcile cycles, 0 disables
	MaxChunks         int          `yaml:"max_chunks"`         // Per-file chunk limit, 0 uses the built-in default
	Nodes             []proto.Node `yaml:"nodes"`
}

// NodeConfig holds configuration for a chunk node.
type NodeConfig struct {
	ID            string `yaml:"id"`
	Listen        string `yaml:"listen"`
	DataDir       string `yaml:"data_dir"`       // Blob directory (default: /var/lib/meshdfs/node)
	Compress      bool   `yaml:"compress"`       // zstd-compress blobs at rest
	EncryptionKey string `yaml:"encryption_key"` // Path to a node secret file; created if missing
}

// LoadMetaConfig loads metadata service configuration from a YAML file.
func LoadMetaConfig(path string) (*MetaConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &MetaConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *MetaConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/meshdfs/meta"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.ChunkSize == "" {
		c.ChunkSize = "4MB"
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 2
	}
	if c.LeaseDuration == "" {
		c.LeaseDuration = "60s"
	}
	if c.ReconcileInterval == "" {
		c.ReconcileInterval = "60s"
	}
	if c.RPCTimeout == "" {
		c.RPCTimeout = "10s"
	}
	if c.HealthTimeout == "" {
		c.HealthTimeout = "2s"
	}
	if c.Placement == "" {
		c.Placement = PlacementRoundRobin
	}
	if c.OrphanGrace == "" {
		c.OrphanGrace = "1h"
	}
}

// Validate checks if the metadata configuration is valid.
func (c *MetaConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	size, err := bytesize.Parse(c.ChunkSize)
	if err != nil {
		return fmt.Errorf("invalid chunk_size: %w", err)
	}
	if size <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1")
	}
	if c.MaxChunks < 0 {
		return fmt.Errorf("max_chunks must not be negative")
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	if c.ReplicationFactor > len(c.Nodes) {
		return fmt.Errorf("replication_factor %d exceeds node count %d", c.ReplicationFactor, len(c.Nodes))
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d].id is required", i)
		}
		if n.Address == "" {
			return fmt.Errorf("nodes[%d].address is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	for name, v := range map[string]string{
		"lease_duration":     c.LeaseDuration,
		"reconcile_interval": c.ReconcileInterval,
		"rpc_timeout":        c.RPCTimeout,
		"health_timeout":     c.HealthTimeout,
		"orphan_grace":       c.OrphanGrace,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.Placement {
	case PlacementRoundRobin, PlacementCapacity:
	default:
		return fmt.Errorf("unknown placement policy %q", c.Placement)
	}
	if c.RepairRate < 0 {
		return fmt.Errorf("repair_rate must not be negative")
	}
	if c.OrphanSweepEvery < 0 {
		return fmt.Errorf("orphan_sweep_every must not be negative")
	}
	return nil
}

// ChunkSizeBytes returns the parsed chunk size. Call after Validate.
func (c *MetaConfig) ChunkSizeBytes() int64 {
	v, _ := bytesize.Parse(c.ChunkSize)
	return v
}

// Durations holds the parsed duration settings of a MetaConfig.
type Durations struct {
	Lease     time.Duration
	Reconcile time.Duration
	RPC       time.Duration
	Health    time.Duration
	Orphan    time.Duration
}

// ParsedDurations returns the duration settings. Call after Validate.
func (c *MetaConfig) ParsedDurations() Durations {
	parse := func(s string) time.Duration {
		d, _ := time.ParseDuration(s)
		return d
	}
	return Durations{
		Lease:     parse(c.LeaseDuration),
		Reconcile: parse(c.ReconcileInterval),
		RPC:       parse(c.RPCTimeout),
		Health:    parse(c.HealthTimeout),
		Orphan:    parse(c.OrphanGrace),
	}
}

// LoadNodeConfig loads chunk node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *NodeConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8001"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/meshdfs/node"
	}
	c.DataDir = expandHome(c.DataDir)
	c.EncryptionKey = expandHome(c.EncryptionKey)
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}
