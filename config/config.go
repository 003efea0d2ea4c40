// Package config loads the Funnel configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/funneldb/funnel/pkg/logger"
	"github.com/funneldb/funnel/pkg/telemetry"
)

// ManagerConfig configures one transaction manager instance.
type ManagerConfig struct {
	// Name identifies the manager; transactions are bound in context under
	// this name. Must be unique across the managers section.
	Name string `yaml:"name"`
	// QueueCapacity bounds the manager's task queue. 0 means effectively
	// unbounded.
	QueueCapacity int `yaml:"queue_capacity"`
}

// StoreConfig configures the journal-backed snapshot store.
type StoreConfig struct {
	// Dir is the journal directory.
	Dir string `yaml:"dir"`
	// SegmentSizeLimit is the rotation threshold in bytes; 0 selects the
	// store default.
	SegmentSizeLimit int64 `yaml:"segment_size_limit"`
}

// ServerConfig configures the standalone server binary.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root of the configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Store     StoreConfig      `yaml:"store"`
	Managers  []ManagerConfig  `yaml:"managers"`
	Server    ServerConfig     `yaml:"server"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates the yaml configuration at path, filling in
// defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Dir == "" {
		c.Store.Dir = "data/journal"
	}
	if len(c.Managers) == 0 {
		c.Managers = []ManagerConfig{{Name: "default"}}
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "localhost:9090"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "funnel"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 2112
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, mc := range c.Managers {
		if mc.Name == "" {
			return fmt.Errorf("manager name must not be empty")
		}
		if seen[mc.Name] {
			return fmt.Errorf("duplicate manager name %q", mc.Name)
		}
		seen[mc.Name] = true
		if mc.QueueCapacity < 0 {
			return fmt.Errorf("manager %q: queue capacity must not be negative", mc.Name)
		}
	}
	if c.Store.SegmentSizeLimit < 0 {
		return fmt.Errorf("store segment size limit must not be negative")
	}
	return nil
}
