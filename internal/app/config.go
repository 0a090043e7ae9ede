package app

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Usage    UsageConfig    `yaml:"usage"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// BootstrapAdminToken is upserted as an admin token at startup so a
	// fresh deployment can mint its first tokens.
	BootstrapAdminToken string `yaml:"bootstrap_admin_token"`

	LookupTimeout    time.Duration `yaml:"-"`
	LookupTimeoutRaw string        `yaml:"lookup_timeout"`
}

type UsageConfig struct {
	FlushInterval    time.Duration `yaml:"-"`
	FlushIntervalRaw string        `yaml:"flush_interval"`
}

type UpstreamConfig struct {
	URL string `yaml:"url"`
}

type EventsConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "./tokengate.sqlite"},
		Auth:     AuthConfig{LookupTimeout: 2 * time.Second},
		Usage:    UsageConfig{FlushInterval: 5 * time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadConfig reads a YAML file over DefaultConfig. ${VAR} references are
// expanded from the environment before parsing; unset variables become empty.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	expanded := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.parseDurations(); err != nil {
		return Config{}, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) parseDurations() error {
	var err error
	if c.Auth.LookupTimeoutRaw != "" {
		c.Auth.LookupTimeout, err = time.ParseDuration(c.Auth.LookupTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing auth.lookup_timeout %q: %w", c.Auth.LookupTimeoutRaw, err)
		}
	}
	if c.Usage.FlushIntervalRaw != "" {
		c.Usage.FlushInterval, err = time.ParseDuration(c.Usage.FlushIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing usage.flush_interval %q: %w", c.Usage.FlushIntervalRaw, err)
		}
	}
	return nil
}

// Validate returns the first invalid setting it finds.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.LookupTimeout <= 0 {
		return fmt.Errorf("auth.lookup_timeout must be positive")
	}
	if c.Usage.FlushInterval <= 0 {
		return fmt.Errorf("usage.flush_interval must be positive")
	}
	for name, raw := range map[string]string{"upstream.url": c.Upstream.URL, "events.webhook_url": c.Events.WebhookURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", name)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
