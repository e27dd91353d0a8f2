// Package config provides configuration management for archivist.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quillhq/archivist/internal/util"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// ArchivistDir is the archivist configuration directory
	ArchivistDir = ".archivist"
)

// StoreConfig selects and configures the object store backend.
type StoreConfig struct {
	// Backend is "s3" or "memory" (memory is for smoke runs only)
	Backend string `yaml:"backend"`

	// Bucket holds all source and destination objects
	Bucket string `yaml:"bucket"`

	// Region is the bucket region (S3 only)
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the service URL for S3-compatible stores
	// such as MinIO; empty means AWS
	Endpoint string `yaml:"endpoint,omitempty"`

	// PathStyle forces path-style addressing, required by most
	// S3-compatible services
	PathStyle bool `yaml:"path_style,omitempty"`

	// AccessKeyID / SecretAccessKey are static credentials; when
	// empty the default AWS credential chain is used
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// EngineConfig holds the archive engine defaults. Per-job values on
// the command line override these.
type EngineConfig struct {
	// MaxPartSize is the multipart part size in bytes (default 10 MiB)
	MaxPartSize int64 `yaml:"max_part_size"`

	// MaxParallel bounds concurrent source fetches when zipping and
	// destination writers when unzipping (default 3)
	MaxParallel int `yaml:"max_parallel"`
}

// Config is the root archivist configuration.
type Config struct {
	Version int          `yaml:"version"`
	Store   StoreConfig  `yaml:"store"`
	Engine  EngineConfig `yaml:"engine"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Store: StoreConfig{
			Backend: "s3",
		},
		Engine: EngineConfig{
			MaxPartSize: 10 << 20,
			MaxParallel: 3,
		},
	}
}

// LoadFrom loads the config from a specific path. A missing file
// yields the defaults.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to a specific path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "s3":
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Engine.MaxPartSize < 0 {
		return fmt.Errorf("engine.max_part_size must be positive")
	}
	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine.max_parallel must be positive")
	}
	return nil
}
