// Package config loads coordinator settings from TOML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/taskmesh/errors"
)

// Config is the full coordinator configuration.
type Config struct {
	Bus       BusConfig       `toml:"bus"`
	Store     StoreConfig     `toml:"store"`
	Registry  RegistryConfig  `toml:"registry"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Breaker   BreakerConfig   `toml:"breaker"`
	HTTP      HTTPConfig      `toml:"http"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// BusConfig selects and tunes the message bus.
type BusConfig struct {
	// Driver is "nats", "redis" or "memory".
	Driver string `toml:"driver"`

	// URL of the NATS server.
	URL           string        `toml:"url"`
	Name          string        `toml:"name"`
	ReconnectWait time.Duration `toml:"reconnect_wait"`
	MaxReconnects int           `toml:"max_reconnects"`

	// Redis connection, used when Driver is "redis".
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`

	// BufferSize of each subscription channel.
	BufferSize int `toml:"buffer_size"`

	// Queue group shared by coordinator replicas for task.result and
	// task.claim. Empty means every replica handles every message.
	Queue string `toml:"queue"`
}

// StoreConfig selects the job store.
type StoreConfig struct {
	// Driver is "sqlite", "nats" or "memory".
	Driver string `toml:"driver"`

	// Path is the SQLite database file or DSN.
	Path string `toml:"path"`

	// Bucket and Replicas configure the JetStream KV store.
	Bucket   string `toml:"bucket"`
	Replicas int    `toml:"replicas"`
}

// RegistryConfig tunes agent liveness.
type RegistryConfig struct {
	TTL time.Duration `toml:"ttl"`

	// RefreshOnStart sends a discovery poke once the coordinator is up.
	RefreshOnStart bool `toml:"refresh_on_start"`
}

// DispatchConfig tunes task dispatch and the outbox relay.
type DispatchConfig struct {
	// Outbox enables republishing of undispatched pending jobs.
	Outbox        bool          `toml:"outbox"`
	RelayInterval time.Duration `toml:"relay_interval"`
	Grace         time.Duration `toml:"grace"`
	Batch         int           `toml:"batch"`

	// MaxInFlight caps concurrently handled bus messages per subject.
	MaxInFlight int `toml:"max_in_flight"`
}

// BreakerConfig guards bus publishes with a circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `toml:"enabled"`
	MaxFailures uint32        `toml:"max_failures"`
	Timeout     time.Duration `toml:"timeout"`
	Interval    time.Duration `toml:"interval"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	// Exporter is "stdout" or "noop".
	Exporter    string `toml:"exporter"`
	ServiceName string `toml:"service_name"`
	Pretty      bool   `toml:"pretty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Driver:        "nats",
			URL:           "nats://localhost:4222",
			Name:          "taskmesh",
			ReconnectWait: 2 * time.Second,
			MaxReconnects: 60,
			RedisAddr:     "localhost:6379",
			BufferSize:    256,
		},
		Store: StoreConfig{
			Driver:   "sqlite",
			Path:     "taskmesh.db",
			Bucket:   "taskmesh-jobs",
			Replicas: 1,
		},
		Registry: RegistryConfig{
			TTL:            15 * time.Second,
			RefreshOnStart: true,
		},
		Dispatch: DispatchConfig{
			Outbox:        true,
			RelayInterval: 5 * time.Second,
			Grace:         10 * time.Second,
			Batch:         100,
			MaxInFlight:   64,
		},
		Breaker: BreakerConfig{
			Enabled:     true,
			MaxFailures: 5,
			Timeout:     10 * time.Second,
			Interval:    60 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:            ":3000",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "noop",
			ServiceName: "taskmesh",
		},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"taskmesh.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskmesh", "taskmesh.toml"))
	}

	return paths
}

// Find returns the first standard path that exists, or "".
func Find() string {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads path over the defaults, applies TASKMESH_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if err := rejectUndecoded(path, md); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults without touching the
// environment.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, err
	}
	if err := rejectUndecoded("config", md); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// rejectUndecoded fails on keys that matched no field, which are usually
// typos.
func rejectUndecoded(source string, md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	return errors.Validation(fmt.Sprintf("%s: unknown keys %s", source, strings.Join(keys, ", ")))
}

// ApplyEnv overrides fields from environment variables. NATS_URL is
// honored when TASKMESH_BUS_URL is unset.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var firstErr error
	fail := func(key, v string, err error) {
		if firstErr == nil {
			firstErr = errors.Validation(fmt.Sprintf("%s=%q: %v", key, v, err))
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, v, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(key, v, err)
				return
			}
			*dst = b
		}
	}

	str("NATS_URL", &c.Bus.URL)
	str("TASKMESH_BUS_DRIVER", &c.Bus.Driver)
	str("TASKMESH_BUS_URL", &c.Bus.URL)
	str("TASKMESH_BUS_QUEUE", &c.Bus.Queue)
	str("TASKMESH_REDIS_ADDR", &c.Bus.RedisAddr)
	str("TASKMESH_REDIS_PASSWORD", &c.Bus.RedisPassword)
	str("TASKMESH_STORE_DRIVER", &c.Store.Driver)
	str("TASKMESH_STORE_PATH", &c.Store.Path)
	str("TASKMESH_STORE_BUCKET", &c.Store.Bucket)
	dur("TASKMESH_REGISTRY_TTL", &c.Registry.TTL)
	boolean("TASKMESH_DISPATCH_OUTBOX", &c.Dispatch.Outbox)
	boolean("TASKMESH_BREAKER_ENABLED", &c.Breaker.Enabled)
	str("TASKMESH_HTTP_ADDR", &c.HTTP.Addr)
	str("TASKMESH_LOG_LEVEL", &c.Log.Level)
	str("TASKMESH_TELEMETRY_EXPORTER", &c.Telemetry.Exporter)

	return firstErr
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.Validation(fmt.Sprintf(format, args...))
	}

	switch c.Bus.Driver {
	case "nats":
		if c.Bus.URL == "" {
			return invalid("bus.url is required for the nats driver")
		}
	case "redis":
		if c.Bus.RedisAddr == "" {
			return invalid("bus.redis_addr is required for the redis driver")
		}
	case "memory":
	default:
		return invalid("bus.driver %q: use nats, redis or memory", c.Bus.Driver)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return invalid("store.path is required for the sqlite driver")
		}
	case "nats":
		if c.Bus.Driver != "nats" {
			return invalid("store.driver nats needs bus.driver nats")
		}
	case "memory":
	default:
		return invalid("store.driver %q: use sqlite, nats or memory", c.Store.Driver)
	}

	if c.Registry.TTL <= 0 {
		return invalid("registry.ttl must be positive")
	}
	if c.Dispatch.Outbox && (c.Dispatch.RelayInterval <= 0 || c.Dispatch.Grace <= 0) {
		return invalid("dispatch.relay_interval and dispatch.grace must be positive")
	}
	if c.HTTP.Addr == "" {
		return invalid("http.addr is required")
	}

	switch c.Telemetry.Exporter {
	case "", "noop", "stdout":
	default:
		return invalid("telemetry.exporter %q: use stdout or noop", c.Telemetry.Exporter)
	}

	return nil
}
