package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ServerConfig configures the push-channel HTTP server.
type ServerConfig struct {
	Listen        string   `yaml:"listen"`
	AllowedOrigin string   `yaml:"allowed_origin,omitempty"`
	TLSCert       string   `yaml:"tls_cert,omitempty"`
	TLSKey        string   `yaml:"tls_key,omitempty"`
	WriteTimeout  Duration `yaml:"write_timeout,omitempty"`
}

// BrokerConfig describes how to reach the upstream NGSI-LD context broker.
type BrokerConfig struct {
	EntitiesURL string   `yaml:"entities_url"`
	HistoryURL  string   `yaml:"history_url"`
	RelayPrefix string   `yaml:"relay_prefix,omitempty"`
	ContextLink string   `yaml:"context_link,omitempty"`
	Service     string   `yaml:"service,omitempty"`
	ServicePath string   `yaml:"service_path,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	Insecure    bool     `yaml:"insecure,omitempty"`
}

// PollConfig controls the per-connection polling defaults.
type PollConfig struct {
	Interval    Duration `yaml:"interval"`
	MinInterval Duration `yaml:"min_interval,omitempty"`
}

// CacheConfig configures the advisory snapshot cache.
type CacheConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Address  string   `yaml:"address,omitempty"`
	Password string   `yaml:"password,omitempty"`
	DB       int      `yaml:"db,omitempty"`
	TTL      Duration `yaml:"ttl,omitempty"`
}

// AuthConfig configures verified-identity gating of the push channel.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

// WatchRuleConfig defines a boolean expression evaluated against every snapshot.
type WatchRuleConfig struct {
	ID         string `yaml:"id"`
	Expression string `yaml:"expression"`
	Message    string `yaml:"message,omitempty"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig configures runtime telemetry exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// Config is the root configuration structure for the relay.
type Config struct {
	Name      string            `yaml:"name,omitempty"`
	Server    ServerConfig      `yaml:"server"`
	Broker    BrokerConfig      `yaml:"broker"`
	Poll      PollConfig        `yaml:"poll"`
	Cache     CacheConfig       `yaml:"cache"`
	Auth      AuthConfig        `yaml:"auth"`
	Watches   []WatchRuleConfig `yaml:"watches,omitempty"`
	Logging   LoggingConfig     `yaml:"logging"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
}

// Load reads and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", abs, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", abs, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":5000"
	}
	if c.Server.WriteTimeout.Duration <= 0 {
		c.Server.WriteTimeout.Duration = 10 * time.Second
	}
	if c.Broker.Timeout.Duration <= 0 {
		c.Broker.Timeout.Duration = 30 * time.Second
	}
	if c.Poll.Interval.Duration <= 0 {
		c.Poll.Interval.Duration = 5 * time.Second
	}
	if c.Poll.MinInterval.Duration <= 0 {
		c.Poll.MinInterval.Duration = 100 * time.Millisecond
	}
	if c.Cache.TTL.Duration <= 0 {
		c.Cache.TTL.Duration = time.Minute
	}
}

// Validate checks the configuration for structural problems before the service starts.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Broker.EntitiesURL == "" {
		return errors.New("broker.entities_url is required")
	}
	if _, err := url.Parse(c.Broker.EntitiesURL); err != nil {
		return fmt.Errorf("broker.entities_url: %w", err)
	}
	if c.Broker.HistoryURL == "" {
		return errors.New("broker.history_url is required")
	}
	if _, err := url.Parse(c.Broker.HistoryURL); err != nil {
		return fmt.Errorf("broker.history_url: %w", err)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	if c.Poll.Interval.Duration < c.Poll.MinInterval.Duration {
		return fmt.Errorf("poll.interval %s below poll.min_interval %s", c.Poll.Interval, c.Poll.MinInterval)
	}
	if c.Auth.Enabled {
		if c.Auth.Domain == "" {
			return errors.New("auth.domain is required when auth is enabled")
		}
		if c.Auth.Audience == "" {
			return errors.New("auth.audience is required when auth is enabled")
		}
	}
	if c.Cache.Enabled && c.Cache.Address == "" {
		return errors.New("cache.address is required when cache is enabled")
	}
	seen := make(map[string]struct{}, len(c.Watches))
	for _, watch := range c.Watches {
		if watch.ID == "" {
			return errors.New("watch rule missing id")
		}
		if _, ok := seen[watch.ID]; ok {
			return fmt.Errorf("duplicate watch rule %q", watch.ID)
		}
		seen[watch.ID] = struct{}{}
		if strings.TrimSpace(watch.Expression) == "" {
			return fmt.Errorf("watch rule %q missing expression", watch.ID)
		}
	}
	return nil
}

// PollInterval returns the configured default refresh interval.
func (c *Config) PollInterval() time.Duration {
	if c == nil || c.Poll.Interval.Duration <= 0 {
		return 5 * time.Second
	}
	return c.Poll.Interval.Duration
}
