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
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 64000, c.ChunkSize)
	assert.Equal(t, 8000, c.SliceSize)
	assert.Equal(t, 3, c.ReplicationFactor)
	assert.Equal(t, SchemeReplication, c.Scheme)
	assert.Equal(t, 6, c.Erasure.DataShards)
	assert.Equal(t, 3, c.Erasure.ParityShards)
	assert.Equal(t, 3, c.WriteWidth())
	assert.Equal(t, "localhost:4242", c.ControllerAddr())
	assert.Equal(t, 5*time.Second, c.Node.HeartbeatInterval)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
controller:
  host: ctrl.example
  port: 7000
node:
  storageRoot: /var/chunks
  heartbeatInterval: 2s
chunkSize: 1200
sliceSize: 300
scheme: erasure
erasure:
  dataShards: 4
  parityShards: 2
client:
  downloadDir: /tmp/out
logLevel: debug
`), 0o644))

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "ctrl.example:7000", c.ControllerAddr())
	assert.Equal(t, "/var/chunks", c.Node.StorageRoot)
	assert.Equal(t, 2*time.Second, c.Node.HeartbeatInterval)
	assert.True(t, c.IsErasure())
	assert.Equal(t, 6, c.WriteWidth())
	assert.Equal(t, "/tmp/out", c.Client.DownloadDir)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, DefaultNodeHost, c.Node.Host)
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("chunksize: 10\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"slice does not divide chunk": func(c *Config) { c.SliceSize = 7000 },
		"negative chunk":              func(c *Config) { c.ChunkSize = -1 },
		"zero replication":            func(c *Config) { c.ReplicationFactor = -2 },
		"unknown scheme":              func(c *Config) { c.Scheme = "mirror" },
		"bad port":                    func(c *Config) { c.Controller.Port = 70000 },
		"too many shards": func(c *Config) {
			c.Scheme = SchemeErasure
			c.Erasure.DataShards = 250
			c.Erasure.ParityShards = 10
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestControllerAddrBracketsIPv6(t *testing.T) {
	c := Default()
	c.Controller.Host = "::1"
	c.Controller.Port = 7000
	assert.Equal(t, "[::1]:7000", c.ControllerAddr())
}

func TestValidateBoundsReplicationFactor(t *testing.T) {
	c := Default()
	c.ReplicationFactor = 257
	assert.Error(t, c.Validate())
}
