// Package config loads the service configuration from YAML with
// SAMPLECORE_* environment overrides for the knobs deployments most often
// change.
package config

import (
	"fmt"
	"os"
	"time"

	"samplecore/pkg/metadata"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and parameterizes the storage backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LinkConfig caps data-link cardinality.
type LinkConfig struct {
	MaxPerSample int `yaml:"max_per_sample"`
	MaxPerObject int `yaml:"max_per_object"`
}

// ScrubberConfig paces the background consistency scrubber.
type ScrubberConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Grace         time.Duration `yaml:"grace"`
	DocsPerSecond float64       `yaml:"docs_per_second"`
}

// S3Config parameterizes the S3 archive backend.
type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// ArchiveConfig selects the snapshot archive backend.
type ArchiveConfig struct {
	Driver   string        `yaml:"driver"`
	Interval time.Duration `yaml:"interval"`
	Root     string        `yaml:"root"`
	Prefix   string        `yaml:"prefix"`
	S3       S3Config      `yaml:"s3"`
}

// IdentityConfig tunes the user-lookup caches.
type IdentityConfig struct {
	CacheSize int           `yaml:"cache_size"`
	AdminTTL  time.Duration `yaml:"admin_ttl"`
	UserTTL   time.Duration `yaml:"user_ttl"`
}

// ValidatorSpec declares one metadata validator. Exactly one of Key and
// Prefix must be set. Builder names resolve against the builder registry.
type ValidatorSpec struct {
	Key     string         `yaml:"key"`
	Prefix  string         `yaml:"prefix"`
	Builder string         `yaml:"builder"`
	Params  map[string]any `yaml:"params"`
	Meta    map[string]any `yaml:"meta"`
}

// Config is the full service configuration.
type Config struct {
	ListenAddr          string          `yaml:"listen_addr"`
	ExternalCallTimeout time.Duration   `yaml:"external_call_timeout"`
	Storage             StorageConfig   `yaml:"storage"`
	Links               LinkConfig      `yaml:"links"`
	Scrubber            ScrubberConfig  `yaml:"scrubber"`
	Archive             ArchiveConfig   `yaml:"archive"`
	Identity            IdentityConfig  `yaml:"identity"`
	Validators          []ValidatorSpec `yaml:"validators"`
}

// Default returns the configuration used when no file is provided.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Storage:    StorageConfig{Driver: "sqlite", SQLitePath: "samplecore.db"},
		Scrubber: ScrubberConfig{
			Interval:      time.Hour,
			Grace:         24 * time.Hour,
			DocsPerSecond: 100,
		},
		Archive: ArchiveConfig{Driver: "fs", Root: "./archive"},
	}
}

// Load reads the YAML file at path (optional, empty path skips it) and
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment overrides, applied after the file:
//
//	SAMPLECORE_LISTEN_ADDR
//	SAMPLECORE_STORAGE_DRIVER: memory|sqlite|postgres
//	SAMPLECORE_SQLITE_PATH
//	SAMPLECORE_POSTGRES_DSN
//	SAMPLECORE_ARCHIVE_DRIVER: fs|s3|memory
//	SAMPLECORE_ARCHIVE_S3_BUCKET
func (c *Config) applyEnv() {
	if v := os.Getenv("SAMPLECORE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("SAMPLECORE_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("SAMPLECORE_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("SAMPLECORE_POSTGRES_DSN"); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := os.Getenv("SAMPLECORE_ARCHIVE_DRIVER"); v != "" {
		c.Archive.Driver = v
	}
	if v := os.Getenv("SAMPLECORE_ARCHIVE_S3_BUCKET"); v != "" {
		c.Archive.S3.Bucket = v
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Archive.Driver {
	case "", "fs", "s3", "memory":
	default:
		return fmt.Errorf("unknown archive driver %q", c.Archive.Driver)
	}
	for i, spec := range c.Validators {
		if (spec.Key == "") == (spec.Prefix == "") {
			return fmt.Errorf("validator %d: exactly one of key and prefix must be set", i)
		}
		if spec.Builder == "" {
			return fmt.Errorf("validator %d: builder is required", i)
		}
	}
	return nil
}

// BuildValidators resolves the validator specs against the registry.
func (c *Config) BuildValidators(registry *metadata.Registry) (*metadata.ValidatorSet, error) {
	if registry == nil {
		registry = metadata.DefaultRegistry()
	}
	validators := make([]metadata.Validator, 0, len(c.Validators))
	for i, spec := range c.Validators {
		if spec.Prefix != "" {
			fn, err := registry.BuildPrefix(spec.Builder, spec.Params)
			if err != nil {
				return nil, fmt.Errorf("validator %d (prefix %s): %w", i, spec.Prefix, err)
			}
			v, err := metadata.NewPrefixValidator(spec.Prefix, spec.Meta, fn)
			if err != nil {
				return nil, fmt.Errorf("validator %d (prefix %s): %w", i, spec.Prefix, err)
			}
			validators = append(validators, v)
			continue
		}
		fn, err := registry.Build(spec.Builder, spec.Params)
		if err != nil {
			return nil, fmt.Errorf("validator %d (key %s): %w", i, spec.Key, err)
		}
		v, err := metadata.NewValidator(spec.Key, spec.Meta, fn)
		if err != nil {
			return nil, fmt.Errorf("validator %d (key %s): %w", i, spec.Key, err)
		}
		validators = append(validators, v)
	}
	return metadata.NewValidatorSet(validators...)
}
