// Package config loads the small YAML document cmd/corrserve starts
// from: listen address, debug flag, metrics address,
// log file path, and the exception-handler tunables described in
// SPEC_FULL.md. Shape follows the teacher's own config.Load: read file,
// unmarshal, apply defaults, validate.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the document corrserve reads at startup.
type Config struct {
	Address     string `yaml:"address"`
	Debug       bool   `yaml:"debug"`
	MetricsAddr string `yaml:"metrics_address"`
	LogFile     string `yaml:"log_file"`

	HandlerTimeoutSeconds int `yaml:"handler_timeout_seconds"`
	CorrespondenceBuffer  int `yaml:"correspondence_buffer"`
}

// Default returns a Config with every field set to its default value, for
// callers that want to run without a config file on disk.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads filename, unmarshals it as YAML, applies defaults for any
// zero-valued field, and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Address == "" {
		c.Address = ":7890"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":7891"
	}
	if c.LogFile == "" {
		c.LogFile = "nlon.log"
	}
	if c.HandlerTimeoutSeconds == 0 {
		c.HandlerTimeoutSeconds = 30
	}
	if c.CorrespondenceBuffer == 0 {
		c.CorrespondenceBuffer = 16
	}
}

func (c *Config) validate() error {
	if c.HandlerTimeoutSeconds < 0 {
		return fmt.Errorf("handler timeout seconds cannot be negative: %d", c.HandlerTimeoutSeconds)
	}
	if c.CorrespondenceBuffer < 0 {
		return fmt.Errorf("correspondence buffer cannot be negative: %d", c.CorrespondenceBuffer)
	}
	return nil
}
