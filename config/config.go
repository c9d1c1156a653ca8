// Package config loads service configuration from a YAML file with
// environment variable overrides for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fulcrum-mc/fulcrum/slots"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "5s" or "2m30s". Bare integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

type (
	// Bus holds transport settings.
	Bus struct {
		// RedisURL is the Redis connection string. Empty selects the
		// in-memory bus.
		RedisURL string `yaml:"redisUrl"`
		// QueueCap bounds publishes buffered while disconnected.
		QueueCap int `yaml:"queueCap"`
	}

	// Service holds the identity settings every process shares.
	Service struct {
		// Family overrides the id family derived from the role.
		Family string `yaml:"family"`
		// Address is the host:port peers reach this service at.
		Address string `yaml:"address"`
		// HeartbeatInterval between liveness reports.
		HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	}

	// Slots holds the backend's slot orchestrator settings.
	Slots struct {
		Families         []slots.FamilyConfig `yaml:"families"`
		ProvisionTimeout Duration             `yaml:"provisionTimeout"`
		IdleTimeout      Duration             `yaml:"idleTimeout"`
		QueueDepth       int                  `yaml:"queueDepth"`
	}

	// Config is the full service configuration.
	Config struct {
		Bus     Bus     `yaml:"bus"`
		Service Service `yaml:"service"`
		Slots   Slots   `yaml:"slots"`
	}
)

// Default timing values applied when the file omits them.
const (
	defaultHeartbeatInterval = 5 * time.Second
)

// Load reads a config file and applies defaults and environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.HeartbeatInterval <= 0 {
		c.Service.HeartbeatInterval = Duration(defaultHeartbeatInterval)
	}
	if c.Slots.ProvisionTimeout <= 0 {
		c.Slots.ProvisionTimeout = Duration(slots.DefaultProvisionTimeout)
	}
	if c.Slots.IdleTimeout <= 0 {
		c.Slots.IdleTimeout = Duration(slots.DefaultIdleTimeout)
	}
	if c.Slots.QueueDepth <= 0 {
		c.Slots.QueueDepth = slots.DefaultQueueDepth
	}
}

// applyEnv overrides file settings with deployment environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("FULCRUM_REDIS_URL"); v != "" {
		c.Bus.RedisURL = v
	}
	if v := os.Getenv("FULCRUM_ADDRESS"); v != "" {
		c.Service.Address = v
	}
	if v := os.Getenv("FULCRUM_FAMILY"); v != "" {
		c.Service.Family = v
	}
}

func (c *Config) validate() error {
	for _, f := range c.Slots.Families {
		if f.FamilyID == "" {
			return fmt.Errorf("slot family with empty familyId")
		}
		if f.MaxSlots <= 0 {
			return fmt.Errorf("slot family %q: maxSlots must be positive", f.FamilyID)
		}
	}
	return nil
}
