package courseinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/courseinfo/store"
)

// envPrefix is prepended to every env override, e.g. COURSEINFO_HTTP_ADDR.
const envPrefix = "COURSEINFO"

// DatabaseConfig selects the row source backend.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `json:"driver" yaml:"driver" toml:"driver" env:"DB_DRIVER" default:"sqlite"`
	// DSN is the driver connection string (a file path for sqlite).
	DSN string `json:"dsn" yaml:"dsn" toml:"dsn" env:"DB_DSN"`
}

// ServerConfig configures the HTTP front end of the daemon.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr" toml:"addr" env:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

// JanitorConfig configures the periodic process-cache sweep.
type JanitorConfig struct {
	// Schedule is a cron expression; empty disables the janitor.
	Schedule string `json:"schedule" yaml:"schedule" toml:"schedule" env:"JANITOR_SCHEDULE" default:"@every 5m"`
	// MaxIdle is how long a graph may go unaccessed before the sweep
	// drops it.
	MaxIdle time.Duration `json:"max_idle" yaml:"max_idle" toml:"max_idle" env:"JANITOR_MAX_IDLE" default:"30m"`
}

// Config is the daemon configuration, loadable from YAML or TOML with
// environment overrides.
type Config struct {
	LogLevel  string         `json:"log_level" yaml:"log_level" toml:"log_level" env:"LOG_LEVEL" default:"info"`
	GraphSize int            `json:"graph_cache_size" yaml:"graph_cache_size" toml:"graph_cache_size" env:"GRAPH_CACHE_SIZE" default:"10"`
	Store     store.Config   `json:"store" yaml:"store" toml:"store"`
	Database  DatabaseConfig `json:"database" yaml:"database" toml:"database"`
	Server    ServerConfig   `json:"server" yaml:"server" toml:"server"`
	Janitor   JanitorConfig  `json:"janitor" yaml:"janitor" toml:"janitor"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(reflect.ValueOf(cfg).Elem())
	cfg.Store.Defaults()
	return cfg
}

// LoadConfig reads a YAML or TOML file (chosen by extension), applies
// defaults for anything the file omits, then applies COURSEINFO_*
// environment overrides. An empty path skips the file step.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		switch ext := filepath.Ext(path); ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case ".toml":
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		default:
			return nil, fmt.Errorf("%w: %s", ErrConfigUnknownExtension, ext)
		}
	}
	if err := feedFromEnv(reflect.ValueOf(cfg).Elem(), envPrefix); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the tag layer cannot express.
func (c *Config) Validate() error {
	switch c.Store.Engine {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return ErrConfigMissingRedisURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrConfigInvalidEngine, c.Store.Engine)
	}
	if c.GraphSize < 1 {
		return ErrConfigInvalidCapacity
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return ErrConfigMissingDatabase
		}
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrConfigMissingDatabase, c.Database.Driver)
	}
	return nil
}

// applyDefaults fills zero-valued fields from their `default` tags,
// recursing into nested structs.
func applyDefaults(rv reflect.Value) {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)

		if field.Kind() == reflect.Struct {
			applyDefaults(field)
			continue
		}
		def, ok := fieldType.Tag.Lookup("default")
		if !ok || !field.IsZero() || !field.CanSet() {
			continue
		}
		converted, err := convertConfigValue(def, field.Type())
		if err != nil {
			continue
		}
		field.Set(converted)
	}
}

// feedFromEnv overrides tagged fields from COURSEINFO_<tag> environment
// variables, recursing into nested structs.
func feedFromEnv(rv reflect.Value, prefix string) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)

		if field.Kind() == reflect.Struct {
			if err := feedFromEnv(field, prefix); err != nil {
				return err
			}
			continue
		}
		envTag, ok := fieldType.Tag.Lookup("env")
		if !ok {
			continue
		}
		envValue := os.Getenv(prefix + "_" + strings.ToUpper(envTag))
		if envValue == "" {
			continue
		}
		converted, err := convertConfigValue(envValue, field.Type())
		if err != nil {
			return fmt.Errorf("config field %s: cannot convert %q to %v: %w",
				fieldType.Name, envValue, field.Type(), err)
		}
		if !field.CanSet() {
			continue
		}
		field.Set(converted)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func convertConfigValue(s string, t reflect.Type) (reflect.Value, error) {
	if t == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(d), nil
	}
	v, err := cast.FromType(s, t)
	if err != nil {
		return reflect.Value{}, err
	}
	return reflect.ValueOf(v).Convert(t), nil
}
