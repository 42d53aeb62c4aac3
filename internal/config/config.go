// Package config loads the admin node's configuration from an optional YAML
// file overlaid by environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Self     SelfConfig     `yaml:"self"`
	Admin    AdminConfig    `yaml:"admin"`
	Ops      OpsConfig      `yaml:"ops"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Metadata MetadataConfig `yaml:"metadata"`
}

// SelfConfig identifies this node. An empty ID is replaced by a random one.
type SelfConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	// Advertised admin address; defaults to Admin.Addr.
	AdvertiseAddr string `yaml:"advertise_addr"`
}

type AdminConfig struct {
	Addr                 string        `yaml:"addr"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes       int           `yaml:"max_header_bytes"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`
	LenientContentLength bool          `yaml:"lenient_content_length"`
	CloseAgents          []string      `yaml:"close_agents"`
}

type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// EtcdConfig configures peer registration and the metadata store. With no
// endpoints the node runs standalone on an in-memory store.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	PeerPrefix  string        `yaml:"peer_prefix"`
	MetadataKey string        `yaml:"metadata_key"`
	LeaseTTL    int64         `yaml:"lease_ttl"`
}

// NATSConfig configures the mailbox transport. With no URL mailboxes are
// delivered in-process.
type NATSConfig struct {
	URL           string `yaml:"url"`
	MailboxPrefix string `yaml:"mailbox_prefix"`
}

type LogConfig struct {
	Level       string        `yaml:"level"`
	Development bool          `yaml:"development"`
	RetainBytes int           `yaml:"retain_bytes"`
	RetainAge   time.Duration `yaml:"retain_age"`
}

type FanoutConfig struct {
	PeerTimeout time.Duration `yaml:"peer_timeout"`
}

type MetadataConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// Default returns the configuration used for anything a file or the
// environment leaves unset.
func Default() Config {
	return Config{
		Admin: AdminConfig{
			Addr:           ":8081",
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   30 * time.Second,
			MaxHeaderBytes: 64 << 10,
			MaxBodyBytes:   16 << 20,
		},
		Ops: OpsConfig{Addr: ":8080"},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			PeerPrefix:  "/zephyr/peers/",
			MetadataKey: "/zephyr/metadata/cluster",
			LeaseTTL:    10,
		},
		NATS:     NATSConfig{MailboxPrefix: "zephyr.mailbox."},
		Log:      LogConfig{Level: "info", RetainBytes: 4 << 20},
		Fanout:   FanoutConfig{PeerTimeout: 5 * time.Second},
		Metadata: MetadataConfig{MaxRetries: 3},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config.Load: read failed: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config.Load: parse %s failed: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("SELF_ID", &c.Self.ID)
	str("SELF_NAME", &c.Self.Name)
	str("SELF_ADDR", &c.Self.AdvertiseAddr)
	str("ADMIN_ADDR", &c.Admin.Addr)
	str("OPS_ADDR", &c.Ops.Addr)
	str("NATS_URL", &c.NATS.URL)
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("ETCD_ENDPOINTS"); ok && v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	if v, ok := lookup("CLOSE_AGENTS"); ok && v != "" {
		c.Admin.CloseAgents = splitList(v)
	}
	if v, ok := lookup("FANOUT_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FANOUT_TIMEOUT: %w", err)
		}
		c.Fanout.PeerTimeout = d
	}
	if v, ok := lookup("METADATA_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("METADATA_MAX_RETRIES: %w", err)
		}
		c.Metadata.MaxRetries = n
	}
	if v, ok := lookup("LENIENT_CONTENT_LENGTH"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LENIENT_CONTENT_LENGTH: %w", err)
		}
		c.Admin.LenientContentLength = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration and fills in derived values: a random
// node id, a node name and the advertised address.
func (c *Config) Validate() error {
	if c.Self.ID == "" {
		c.Self.ID = uuid.NewString()
	}
	if _, err := uuid.Parse(c.Self.ID); err != nil {
		return fmt.Errorf("self.id %q is not a uuid: %w", c.Self.ID, err)
	}
	if c.Self.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "zephyr"
		}
		c.Self.Name = host
	}
	if c.Admin.Addr == "" {
		return errors.New("admin.addr is required")
	}
	if c.Ops.Addr == "" {
		return errors.New("ops.addr is required")
	}
	if c.Admin.Addr == c.Ops.Addr {
		return fmt.Errorf("admin.addr and ops.addr must differ, both are %q", c.Admin.Addr)
	}
	if c.Self.AdvertiseAddr == "" {
		c.Self.AdvertiseAddr = c.Admin.Addr
	}
	if c.Admin.MaxHeaderBytes <= 0 || c.Admin.MaxBodyBytes <= 0 {
		return errors.New("admin.max_header_bytes and admin.max_body_bytes must be positive")
	}
	if c.Fanout.PeerTimeout <= 0 {
		return fmt.Errorf("fanout.peer_timeout must be positive, got %s", c.Fanout.PeerTimeout)
	}
	if c.Metadata.MaxRetries < 0 {
		return fmt.Errorf("metadata.max_retries must not be negative, got %d", c.Metadata.MaxRetries)
	}
	if c.Log.RetainBytes < 0 {
		return fmt.Errorf("log.retain_bytes must not be negative, got %d", c.Log.RetainBytes)
	}
	if c.Etcd.LeaseTTL <= 0 {
		return fmt.Errorf("etcd.lease_ttl must be positive, got %d", c.Etcd.LeaseTTL)
	}
	return nil
}

// SelfID is the validated node id.
func (c *Config) SelfID() uuid.UUID {
	return uuid.MustParse(c.Self.ID)
}

// Mailbox is the subject this node answers fan-out queries on.
func (c *Config) Mailbox() string {
	return c.NATS.MailboxPrefix + c.Self.ID
}
