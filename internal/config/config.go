// Package config loads server configuration from a YAML file with
// environment-variable overrides (prefix CONCAVE_, dots become
// underscores). Every field has a usable default so an empty file, or no
// file at all, yields a runnable in-memory configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `mapstructure:"listen" yaml:"listen"`

	Database  Database   `mapstructure:"database" yaml:"database"`
	KV        KV         `mapstructure:"kv" yaml:"kv"`
	Subscribe Subscribe  `mapstructure:"subscribe" yaml:"subscribe"`
	Requests  Requests   `mapstructure:"requests" yaml:"requests"`
	Resources []Resource `mapstructure:"resources" yaml:"resources,omitempty"`
}

// Database selects the SQL backend.
type Database struct {
	// Driver is "sqlite" or "mysql".
	Driver string `mapstructure:"driver" yaml:"driver"`

	// DSN is the driver-specific connection string; for sqlite, a file
	// path or ":memory:".
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// KV selects the shared key-value backend.
type KV struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// RedisURL is a redis:// URL, used when Backend is "redis".
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url,omitempty"`
}

// Subscribe tunes the SSE engine.
type Subscribe struct {
	Heartbeat time.Duration `mapstructure:"heartbeat" yaml:"heartbeat"`
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// Requests tunes the request pipeline.
type Requests struct {
	MutationTimeout time.Duration `mapstructure:"mutation_timeout" yaml:"mutation_timeout"`
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl"`
}

// Resource declares one table the server exposes. Code-level descriptors
// can do more (hooks, scopes, custom operators); this is the subset that
// makes sense in a file.
type Resource struct {
	Name       string   `mapstructure:"name" yaml:"name"`
	Table      string   `mapstructure:"table" yaml:"table"`
	PrimaryKey string   `mapstructure:"primary_key" yaml:"primary_key"`
	Columns    []string `mapstructure:"columns" yaml:"columns"`

	Create        bool `mapstructure:"create" yaml:"create"`
	Update        bool `mapstructure:"update" yaml:"update"`
	Replace       bool `mapstructure:"replace" yaml:"replace"`
	Delete        bool `mapstructure:"delete" yaml:"delete"`
	Subscriptions bool `mapstructure:"subscriptions" yaml:"subscriptions"`
	Aggregations  bool `mapstructure:"aggregations" yaml:"aggregations"`

	Public bool `mapstructure:"public" yaml:"public"`

	DefaultLimit int `mapstructure:"default_limit" yaml:"default_limit,omitempty"`
	MaxLimit     int `mapstructure:"max_limit" yaml:"max_limit,omitempty"`

	VersionField string `mapstructure:"version_field" yaml:"version_field,omitempty"`
	ETagField    string `mapstructure:"etag_field" yaml:"etag_field,omitempty"`
}

// Default returns the built-in configuration: sqlite in memory, in-memory
// KV, no resources.
func Default() *Config {
	return &Config{
		Listen:   ":8372",
		Database: Database{Driver: "sqlite", DSN: ":memory:"},
		KV:       KV{Backend: "memory"},
		Subscribe: Subscribe{
			Heartbeat: 15 * time.Second,
			QueueSize: 1000,
		},
		Requests: Requests{
			MutationTimeout: 30 * time.Second,
			IdempotencyTTL:  24 * time.Hour,
		},
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("CONCAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("listen", def.Listen)
	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("kv.backend", def.KV.Backend)
	v.SetDefault("kv.redis_url", "")
	v.SetDefault("subscribe.heartbeat", def.Subscribe.Heartbeat)
	v.SetDefault("subscribe.queue_size", def.Subscribe.QueueSize)
	v.SetDefault("requests.mutation_timeout", def.Requests.MutationTimeout)
	v.SetDefault("requests.idempotency_ttl", def.Requests.IdempotencyTTL)
	return v
}

// Load reads the configuration at path. An empty path, or a missing file,
// yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	switch c.KV.Backend {
	case "memory":
	case "redis":
		if c.KV.RedisURL == "" {
			return fmt.Errorf("config: kv backend redis needs kv.redis_url")
		}
	default:
		return fmt.Errorf("config: unknown kv backend %q", c.KV.Backend)
	}
	seen := make(map[string]bool)
	for i := range c.Resources {
		r := &c.Resources[i]
		if r.Name == "" {
			return fmt.Errorf("config: resource %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("config: duplicate resource %q", r.Name)
		}
		seen[r.Name] = true
		if r.Table == "" {
			r.Table = r.Name
		}
		if r.PrimaryKey == "" {
			r.PrimaryKey = "id"
		}
		if len(r.Columns) == 0 {
			return fmt.Errorf("config: resource %q declares no columns", r.Name)
		}
	}
	return nil
}

// WriteDefault writes a commented starter configuration to path, refusing
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	def := Default()
	// Durations are rendered as strings ("15s"), not nanosecond counts.
	out, err := yaml.Marshal(map[string]any{
		"listen":   def.Listen,
		"database": map[string]any{"driver": def.Database.Driver, "dsn": def.Database.DSN},
		"kv":       map[string]any{"backend": def.KV.Backend},
		"subscribe": map[string]any{
			"heartbeat":  def.Subscribe.Heartbeat.String(),
			"queue_size": def.Subscribe.QueueSize,
		},
		"requests": map[string]any{
			"mutation_timeout": def.Requests.MutationTimeout.String(),
			"idempotency_ttl":  def.Requests.IdempotencyTTL.String(),
		},
	})
	if err != nil {
		return err
	}
	header := "# concave server configuration.\n" +
		"# Every value can be overridden with CONCAVE_* environment\n" +
		"# variables, e.g. CONCAVE_DATABASE_DSN.\n"
	return os.WriteFile(path, append([]byte(header), out...), 0o644)
}
