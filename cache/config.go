package cache

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	cstr "github.com/agentuity/go-cache/string"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from configuration either as an
// integer number of seconds or as a duration string such as "90s", "1h"
// or "2d".
type Duration time.Duration

// ParseDuration parses s the way configuration durations are read.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(n) * time.Second), nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidConfig, "invalid duration %q", s)
	}
	return Duration(d), nil
}

func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Wrapf(ErrInvalidConfig, "line %d: duration must be a scalar", value.Line)
	}
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config is the cache-wide configuration.
//
//	store: redis
//	prefix: "app:"
//	ttl: 1h
//	events:
//	  hit: true
//	stores:
//	  redis:
//	    driver: redis
//	    url: ${REDIS_URL:-redis://localhost:6379/0}
type Config struct {
	// Store names the default entry in Stores.
	Store  string                 `yaml:"store"`
	Prefix string                 `yaml:"prefix"`
	TTL    Duration               `yaml:"ttl"`
	Events EventsConfig           `yaml:"events"`
	Stores map[string]StoreConfig `yaml:"stores"`
}

// StoreConfig configures one named store. Only the fields of its driver
// are read.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Prefix overrides Config.Prefix for this store when set, even to "".
	Prefix *string `yaml:"prefix,omitempty"`

	// redis and blob
	URL string `yaml:"url,omitempty"`

	// database
	Dialect string `yaml:"dialect,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`

	// database and dynamodb
	Table string `yaml:"table,omitempty"`

	// dynamodb
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`

	// memcached
	Servers []string `yaml:"servers,omitempty"`

	// composite, fastest first
	Tiers []string `yaml:"tiers,omitempty"`

	// memory
	Shards int `yaml:"shards,omitempty"`

	QueryTimeout Duration `yaml:"query_timeout,omitempty"`
	ExpiryCheck  Duration `yaml:"expiry_check,omitempty"`
}

// Options converts the store settings into constructor options.
func (c StoreConfig) Options() []Option {
	return []Option{
		WithQueryTimeout(time.Duration(c.QueryTimeout)),
		WithExpiryCheck(time.Duration(c.ExpiryCheck)),
		WithShards(c.Shards),
		WithTable(c.Table),
		WithDialect(Dialect(c.Dialect)),
	}
}

// DefaultTTL returns the configured TTL, or DefaultTTL when none is set.
func (c *Config) DefaultTTL() time.Duration {
	if c == nil || c.TTL <= 0 {
		return DefaultTTL
	}
	return time.Duration(c.TTL)
}

// StoreNames returns the configured store names, sorted.
func (c *Config) StoreNames() []string {
	names := make([]string, 0, len(c.Stores))
	for name := range c.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the default store exists, that every store names a
// registered driver and that composite tiers resolve without cycles.
func (c *Config) Validate() error {
	return c.validate(isRegisteredDriver)
}

func (c *Config) validate(known func(string) bool) error {
	if c.TTL < 0 {
		return invalidConfig("ttl must not be negative")
	}
	if len(c.Stores) == 0 {
		return invalidConfig("no stores configured")
	}
	if c.Store == "" {
		return invalidConfig("no default store set")
	}
	if _, ok := c.Stores[c.Store]; !ok {
		return invalidConfig("default store %q is not configured", c.Store)
	}
	for _, name := range c.StoreNames() {
		sc := c.Stores[name]
		if sc.Driver == "" {
			return invalidConfig("store %q has no driver", name)
		}
		if !known(sc.Driver) {
			return invalidConfig("store %q uses unknown driver %q", name, sc.Driver)
		}
		if sc.Driver == DriverComposite {
			if len(sc.Tiers) == 0 {
				return invalidConfig("composite store %q has no tiers", name)
			}
			if err := c.checkTiers(name, map[string]bool{}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) checkTiers(name string, visiting map[string]bool) error {
	if visiting[name] {
		return invalidConfig("composite store %q refers to itself", name)
	}
	visiting[name] = true
	defer delete(visiting, name)
	for _, tier := range c.Stores[name].Tiers {
		sc, ok := c.Stores[tier]
		if !ok {
			return invalidConfig("composite store %q refers to unknown store %q", name, tier)
		}
		if sc.Driver == DriverComposite {
			if err := c.checkTiers(tier, visiting); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseConfig expands ${VAR} references from the environment in data,
// decodes it and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	expanded, err := cstr.InterpolateEnv(string(data))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "failed to expand configuration: %v", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "failed to parse configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: failed to read %s", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "cache: %s", path)
	}
	return cfg, nil
}
