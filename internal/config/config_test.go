package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	_, err := uuid.Parse(cfg.Self.ID)
	assert.NoError(t, err)
	assert.NotEmpty(t, cfg.Self.Name)
	assert.Equal(t, cfg.Admin.Addr, cfg.Self.AdvertiseAddr)
	assert.Equal(t, "zephyr.mailbox."+cfg.Self.ID, cfg.Mailbox())
	assert.Equal(t, cfg.Self.ID, cfg.SelfID().String())
}

func TestLoadYAMLFile(t *testing.T) {
	for _, k := range []string{"SELF_ID", "SELF_NAME", "ADMIN_ADDR", "OPS_ADDR", "ETCD_ENDPOINTS", "FANOUT_TIMEOUT", "LOG_LEVEL", "CLOSE_AGENTS", "METADATA_MAX_RETRIES"} {
		t.Setenv(k, "")
	}
	id := uuid.NewString()
	path := filepath.Join(t.TempDir(), "admin.yaml")
	yml := `
self:
  id: ` + id + `
  name: alpha
admin:
  addr: ":9001"
  read_timeout: 2s
  close_agents: ["BrokenBrowser/1"]
etcd:
  endpoints: ["http://etcd:2379"]
fanout:
  peer_timeout: 750ms
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, id, cfg.Self.ID)
	assert.Equal(t, "alpha", cfg.Self.Name)
	assert.Equal(t, ":9001", cfg.Admin.Addr)
	assert.Equal(t, 2*time.Second, cfg.Admin.ReadTimeout)
	assert.Equal(t, []string{"BrokenBrowser/1"}, cfg.Admin.CloseAgents)
	assert.Equal(t, []string{"http://etcd:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, 750*time.Millisecond, cfg.Fanout.PeerTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched sections keep their defaults
	assert.Equal(t, ":8080", cfg.Ops.Addr)
	assert.Equal(t, 3, cfg.Metadata.MaxRetries)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admin: [unclosed"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	id := uuid.NewString()
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"SELF_ID":                id,
		"SELF_NAME":              "beta",
		"ADMIN_ADDR":             ":7001",
		"OPS_ADDR":               ":7000",
		"ETCD_ENDPOINTS":         "http://a:2379, http://b:2379,",
		"NATS_URL":               "nats://nats:4222",
		"FANOUT_TIMEOUT":         "1s",
		"METADATA_MAX_RETRIES":   "5",
		"LENIENT_CONTENT_LENGTH": "true",
		"CLOSE_AGENTS":           "Old/1,Older/2",
		"LOG_LEVEL":              "warn",
	}))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, id, cfg.Self.ID)
	assert.Equal(t, "beta", cfg.Self.Name)
	assert.Equal(t, ":7001", cfg.Admin.Addr)
	assert.Equal(t, ":7000", cfg.Ops.Addr)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, time.Second, cfg.Fanout.PeerTimeout)
	assert.Equal(t, 5, cfg.Metadata.MaxRetries)
	assert.True(t, cfg.Admin.LenientContentLength)
	assert.Equal(t, []string{"Old/1", "Older/2"}, cfg.Admin.CloseAgents)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestEnvOverrideErrors(t *testing.T) {
	for _, kv := range [][2]string{
		{"FANOUT_TIMEOUT", "soon"},
		{"METADATA_MAX_RETRIES", "many"},
		{"LENIENT_CONTENT_LENGTH", "perhaps"},
	} {
		cfg := Default()
		err := cfg.applyEnv(env(map[string]string{kv[0]: kv[1]}))
		assert.ErrorContains(t, err, kv[0])
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad id", func(c *Config) { c.Self.ID = "node-1" }},
		{"no admin addr", func(c *Config) { c.Admin.Addr = "" }},
		{"no ops addr", func(c *Config) { c.Ops.Addr = "" }},
		{"same addrs", func(c *Config) { c.Ops.Addr = c.Admin.Addr }},
		{"zero body limit", func(c *Config) { c.Admin.MaxBodyBytes = 0 }},
		{"zero fanout timeout", func(c *Config) { c.Fanout.PeerTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Metadata.MaxRetries = -1 }},
		{"negative retention", func(c *Config) { c.Log.RetainBytes = -1 }},
		{"zero lease", func(c *Config) { c.Etcd.LeaseTTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
