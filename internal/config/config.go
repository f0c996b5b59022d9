// Package config loads the deployment configuration shared by every node and
// client of a memmesh cluster.
//
// All nodes must load the same file: the order of Servers defines both the
// partition table and each node's index.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/logger"
	"github.com/dreamware/memmesh/internal/wire"
)

const (
	DefaultHeaderLength      = wire.DefaultHeaderLength
	DefaultConnectionTimeout = 5 * time.Second
	DefaultLeaseTimeout      = 5 * time.Second
	DefaultMemorySize        = 300
	DefaultCacheSize         = 16
)

// Config is the cluster configuration.
type Config struct {
	// HeaderLength is the width of the frame length header.
	HeaderLength int `yaml:"header_length"`

	// ConnectionTimeout bounds dialing and sending to another node.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// LeaseTimeout is the lease taken on an owner while validating a cached
	// copy, and the default lease for client locks.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`

	// MemorySize is the number of addresses in the cluster.
	MemorySize int `yaml:"memory_size"`

	// CacheSize is the number of remote-cache slots per node.
	CacheSize int `yaml:"cache_size"`

	// Servers lists every node as "host:port".
	Servers []cluster.NodeAddr `yaml:"servers"`

	Status wire.StatusCodes `yaml:"status"`

	// TagSeed is the initial write tag of every address. Unset means the
	// node's start time in nanoseconds.
	TagSeed *int64 `yaml:"tag_seed"`

	// HealthInterval is how often nodes probe each other. Zero disables
	// probing.
	HealthInterval time.Duration `yaml:"health_interval"`

	// PruneUnhealthyHolders removes a node from every copy-holder list once
	// probing marks it unhealthy.
	PruneUnhealthyHolders bool `yaml:"prune_unhealthy_holders"`

	Log logger.Config `yaml:"log"`
}

// Default returns a configuration with default values and no servers.
func Default() Config {
	return Config{
		HeaderLength:      DefaultHeaderLength,
		ConnectionTimeout: DefaultConnectionTimeout,
		LeaseTimeout:      DefaultLeaseTimeout,
		MemorySize:        DefaultMemorySize,
		CacheSize:         DefaultCacheSize,
		Status:            wire.DefaultStatusCodes(),
		Log:               logger.NewConfig(),
	}
}

// Load reads and validates the YAML file at path. Keys it does not set keep
// their defaults; unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, errors.Wrap(err, "decode")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.HeaderLength <= 0 {
		result = multierror.Append(result, errors.New("header_length must be positive"))
	}
	if c.ConnectionTimeout <= 0 {
		result = multierror.Append(result, errors.New("connection_timeout must be positive"))
	}
	if c.LeaseTimeout <= 0 {
		result = multierror.Append(result, errors.New("lease_timeout must be positive"))
	} else if c.LeaseTimeout > wire.MaxLease {
		result = multierror.Append(result, errors.Errorf("lease_timeout must not exceed %s", wire.MaxLease))
	}
	if c.CacheSize <= 0 {
		result = multierror.Append(result, errors.New("cache_size must be positive"))
	}
	if c.HealthInterval < 0 {
		result = multierror.Append(result, errors.New("health_interval must not be negative"))
	}
	if len(c.Servers) == 0 {
		result = multierror.Append(result, errors.New("servers must list at least one node"))
	} else if c.MemorySize < len(c.Servers) {
		result = multierror.Append(result, errors.Errorf("memory_size %d is smaller than the %d servers", c.MemorySize, len(c.Servers)))
	}

	seen := make(map[cluster.NodeAddr]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Host == "" || s.Port <= 0 {
			result = multierror.Append(result, errors.Errorf("servers[%d]: %q is not a dialable address", i, s))
		}
		if seen[s] {
			result = multierror.Append(result, errors.Errorf("servers[%d]: %s listed twice", i, s))
		}
		seen[s] = true
	}

	codes := map[int]string{}
	for name, code := range map[string]int{
		"success":           c.Status.Success,
		"error":             c.Status.Error,
		"invalid_address":   c.Status.InvalidAddress,
		"invalid_operation": c.Status.InvalidOperation,
	} {
		if other, ok := codes[code]; ok {
			result = multierror.Append(result, errors.Errorf("status codes %s and %s are both %d", other, name, code))
		}
		codes[code] = name
	}

	if err := c.Log.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// PartitionTable splits [0, MemorySize) across Servers in order.
func (c Config) PartitionTable() (*cluster.PartitionTable, error) {
	return cluster.NewPartitionTable(c.Servers, cluster.SplitRanges(c.MemorySize, len(c.Servers)))
}

// Codec returns the frame codec for HeaderLength.
func (c Config) Codec() wire.Codec {
	return wire.NewCodec(c.HeaderLength)
}

// Seed returns the initial write tag, resolving an unset TagSeed against now.
func (c Config) Seed(now time.Time) int64 {
	if c.TagSeed != nil {
		return *c.TagSeed
	}
	return now.UnixNano()
}
