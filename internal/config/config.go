// Package config loads the YAML configuration shared by
// the controller, storage node and client processes.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/i5heu/ouroboros-chunkstore/internal/wire"
	"gopkg.in/yaml.v2"
)

const (
	SchemeReplication = "replication"
	SchemeErasure     = "erasure"

	DefaultChunkSize         = 64000
	DefaultSliceSize         = 8000
	DefaultReplicationFactor = 3
	DefaultDataShards        = 6
	DefaultParityShards      = 3
	DefaultControllerHost    = "localhost"
	DefaultControllerPort    = 4242
	DefaultNodeListen        = ":0"
	DefaultNodeHost          = "127.0.0.1"
	DefaultStorageRoot       = "./storage"
	DefaultHeartbeat         = 5 * time.Second
	DefaultDownloadDir       = "."
	DefaultLogLevel          = "info"
)

type Controller struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Node struct {
	Listen            string        `yaml:"listen"`
	Host              string        `yaml:"host"`
	StorageRoot       string        `yaml:"storageRoot"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

type Erasure struct {
	DataShards   int `yaml:"dataShards"`
	ParityShards int `yaml:"parityShards"`
}

type Client struct {
	DownloadDir string `yaml:"downloadDir"`
}

type Config struct {
	Controller        Controller `yaml:"controller"`
	Node              Node       `yaml:"node"`
	ChunkSize         int        `yaml:"chunkSize"`
	SliceSize         int        `yaml:"sliceSize"`
	ReplicationFactor int        `yaml:"replicationFactor"`
	Scheme            string     `yaml:"scheme"`
	Erasure           Erasure    `yaml:"erasure"`
	Client            Client     `yaml:"client"`
	LogLevel          string     `yaml:"logLevel"`
}

// Default returns a configuration with every default
// applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads path, applies defaults and validates. A
// missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML data, applies defaults and
// validates.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Controller.Host == "" {
		c.Controller.Host = DefaultControllerHost
	}
	if c.Controller.Port == 0 {
		c.Controller.Port = DefaultControllerPort
	}
	if c.Node.Listen == "" {
		c.Node.Listen = DefaultNodeListen
	}
	if c.Node.Host == "" {
		c.Node.Host = DefaultNodeHost
	}
	if c.Node.StorageRoot == "" {
		c.Node.StorageRoot = DefaultStorageRoot
	}
	if c.Node.HeartbeatInterval == 0 {
		c.Node.HeartbeatInterval = DefaultHeartbeat
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SliceSize == 0 {
		c.SliceSize = DefaultSliceSize
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = DefaultReplicationFactor
	}
	if c.Scheme == "" {
		c.Scheme = SchemeReplication
	}
	if c.Erasure.DataShards == 0 {
		c.Erasure.DataShards = DefaultDataShards
	}
	if c.Erasure.ParityShards == 0 {
		c.Erasure.ParityShards = DefaultParityShards
	}
	if c.Client.DownloadDir == "" {
		c.Client.DownloadDir = DefaultDownloadDir
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunkSize must be > 0, got %d", c.ChunkSize)
	case c.SliceSize <= 0:
		return fmt.Errorf("sliceSize must be > 0, got %d", c.SliceSize)
	case c.ChunkSize%c.SliceSize != 0:
		return fmt.Errorf(
			"chunkSize %d is not a multiple of sliceSize %d",
			c.ChunkSize, c.SliceSize,
		)
	case c.ReplicationFactor < 1 || c.ReplicationFactor > wire.MaxChainWidth:
		return fmt.Errorf(
			"replicationFactor must be in 1..%d, got %d",
			wire.MaxChainWidth, c.ReplicationFactor,
		)
	case c.Controller.Port < 1 || c.Controller.Port > 65535:
		return fmt.Errorf("controller.port out of range: %d", c.Controller.Port)
	case c.Node.HeartbeatInterval < 0:
		return fmt.Errorf("node.heartbeatInterval must not be negative")
	}
	switch c.Scheme {
	case SchemeReplication:
	case SchemeErasure:
		if c.Erasure.DataShards < 1 || c.Erasure.ParityShards < 0 {
			return fmt.Errorf(
				"bad shard counts: %d data, %d parity",
				c.Erasure.DataShards, c.Erasure.ParityShards,
			)
		}
		if c.Erasure.DataShards+c.Erasure.ParityShards > wire.MaxChainWidth {
			return fmt.Errorf("at most %d shards are supported", wire.MaxChainWidth)
		}
	default:
		return fmt.Errorf("unknown scheme %q", c.Scheme)
	}
	return nil
}

// IsErasure reports whether chunks are erasure coded.
func (c Config) IsErasure() bool { return c.Scheme == SchemeErasure }

// WriteWidth is the number of nodes each chunk is
// placed on.
func (c Config) WriteWidth() int {
	if c.IsErasure() {
		return c.Erasure.DataShards + c.Erasure.ParityShards
	}
	return c.ReplicationFactor
}

// ControllerAddr is the controller's host:port.
func (c Config) ControllerAddr() string {
	return net.JoinHostPort(c.Controller.Host, strconv.Itoa(c.Controller.Port))
}
