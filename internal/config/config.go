// Package config loads node configuration from a YAML file and the
// environment. Command line flags are applied on top by cmd/server.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrlog/pkg/protocol"
)

const (
	DefaultListenAddr   = ":4440"
	DefaultHTTPAddr     = ":8080"
	DefaultReplication  = 2
	DefaultRingReplicas = 128
	DefaultLeaseTTL     = 10
	DefaultDepartedTTL  = 30 * time.Second
	DefaultShutdownWait = 5 * time.Second
)

var (
	ErrNodeIndexRequired  = errors.New("node index is required")
	ErrNodeIndexRange     = errors.New("node index out of range")
	ErrListenAddrRequired = errors.New("listen address is required")
	ErrHTTPAddrRequired   = errors.New("http address is required")
	ErrInvalidReplication = errors.New("replication factor must be positive")
	ErrInvalidWorkers     = errors.New("worker count must be positive")
	ErrInvalidLeaseTTL    = errors.New("etcd lease ttl must be positive")
)

type EtcdConfig struct {
	// Endpoints is empty when discovery is disabled.
	Endpoints   []string      `yaml:"endpoints"`
	LeaseTTL    int64         `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	// NodeIndex is -1 until set.
	NodeIndex  int    `yaml:"node_index"`
	Generation uint16 `yaml:"generation"`

	ListenAddr string `yaml:"listen_addr"`
	// AdvertiseAddr is what peers dial; defaults to ListenAddr.
	AdvertiseAddr string `yaml:"advertise_addr"`
	HTTPAddr      string `yaml:"http_addr"`

	// Static peers as index=host:port, used alongside etcd discovery.
	Peers map[int]string `yaml:"peers"`

	Replication  int `yaml:"replication"`
	RingReplicas int `yaml:"ring_replicas"`
	Workers      int `yaml:"workers"`

	MinProto uint16 `yaml:"min_proto"`
	MaxProto uint16 `yaml:"max_proto"`

	DepartedTTL  time.Duration `yaml:"departed_ttl"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`

	Etcd EtcdConfig `yaml:"etcd"`
	Log  LogConfig  `yaml:"log"`
}

func Default() *Config {
	return &Config{
		NodeIndex:    -1,
		Generation:   1,
		ListenAddr:   DefaultListenAddr,
		HTTPAddr:     DefaultHTTPAddr,
		Peers:        map[int]string{},
		Replication:  DefaultReplication,
		RingReplicas: DefaultRingReplicas,
		Workers:      4,
		MinProto:     uint16(protocol.MinSupported),
		MaxProto:     uint16(protocol.Latest),
		DepartedTTL:  DefaultDepartedTTL,
		ShutdownWait: DefaultShutdownWait,
		Etcd: EtcdConfig{
			LeaseTTL:    DefaultLeaseTTL,
			DialTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ZEPHYR_* variables. SELF_ID, SELF_ADDR and
// REPLICATION_FACTOR are accepted as older spellings.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(names ...string) (string, bool) {
		for _, n := range names {
			if v, ok := lookup(n); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}
	atoi := func(name, v string) (int, error) {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("env %s: %w", name, err)
		}
		return n, nil
	}

	if v, ok := get("ZEPHYR_NODE_INDEX", "SELF_ID"); ok {
		n, err := atoi("ZEPHYR_NODE_INDEX", v)
		if err != nil {
			return err
		}
		c.NodeIndex = n
	}
	if v, ok := get("ZEPHYR_GENERATION"); ok {
		n, err := atoi("ZEPHYR_GENERATION", v)
		if err != nil {
			return err
		}
		c.Generation = uint16(n)
	}
	if v, ok := get("ZEPHYR_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := get("ZEPHYR_ADVERTISE_ADDR", "SELF_ADDR"); ok {
		c.AdvertiseAddr = v
	}
	if v, ok := get("ZEPHYR_HTTP_ADDR"); ok {
		c.HTTPAddr = v
	}
	if v, ok := get("ZEPHYR_REPLICATION", "REPLICATION_FACTOR"); ok {
		n, err := atoi("ZEPHYR_REPLICATION", v)
		if err != nil {
			return err
		}
		c.Replication = n
	}
	if v, ok := get("ZEPHYR_WORKERS"); ok {
		n, err := atoi("ZEPHYR_WORKERS", v)
		if err != nil {
			return err
		}
		c.Workers = n
	}
	if v, ok := get("ZEPHYR_ETCD_ENDPOINTS"); ok {
		c.Etcd.Endpoints = splitList(v)
	}
	if v, ok := get("ZEPHYR_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("ZEPHYR_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.NodeIndex < 0 {
		return ErrNodeIndexRequired
	}
	if c.NodeIndex > math.MaxUint16 {
		return fmt.Errorf("%w: %d", ErrNodeIndexRange, c.NodeIndex)
	}
	for idx := range c.Peers {
		if idx < 0 || idx > math.MaxUint16 {
			return fmt.Errorf("%w: peer %d", ErrNodeIndexRange, idx)
		}
	}
	if c.ListenAddr == "" {
		return ErrListenAddrRequired
	}
	if c.HTTPAddr == "" {
		return ErrHTTPAddrRequired
	}
	if c.Replication <= 0 {
		return ErrInvalidReplication
	}
	if c.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.LeaseTTL <= 0 {
		return ErrInvalidLeaseTTL
	}
	return c.ProtoRange().Validate()
}

func (c *Config) ProtoRange() protocol.Range {
	return protocol.Range{Min: protocol.Version(c.MinProto), Max: protocol.Version(c.MaxProto)}
}

// Advertise is the transport address announced to peers.
func (c *Config) Advertise() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.ListenAddr
}
