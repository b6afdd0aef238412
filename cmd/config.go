package cmd

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/saudelab/susetl/pkg/datasus"
	"github.com/saudelab/susetl/pkg/sink"
	"github.com/saudelab/susetl/pkg/sweep"
)

// Config is the top-level application configuration.
type Config struct {
	// Logging level
	Logging string `yaml:"logging" default:"info" validate:"oneof=panic fatal warn info debug trace"`

	// MetricsAddr exposes Prometheus metrics when non-empty
	MetricsAddr string `yaml:"metricsAddr"`

	// DataRoot is the base directory of the partitioned output tree
	DataRoot string `yaml:"dataRoot" default:"./data"`

	// ErrorLogPath is the shared append-only failure log
	ErrorLogPath string `yaml:"errorLogPath" default:"./error.log"`

	// ChunkSize caps rows per intermediate chunk file
	ChunkSize int `yaml:"chunkSize"`

	// Fetch configures the remote source
	Fetch datasus.Config `yaml:"fetch"`

	// Sweep configures full-pass planning and pacing
	Sweep sweep.Config `yaml:"sweep"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Fetch.Validate(); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	return nil
}

// SetDefaults sets default values for the configuration.
func (c *Config) SetDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = sink.DefaultChunkSize
	}

	c.Fetch.SetDefaults()
	c.Sweep.SetDefaults()

	// The sweep reads paths from the top-level settings.
	c.Sweep.DataRoot = c.DataRoot
	c.Sweep.ErrorLogPath = c.ErrorLogPath
}

// loadConfigFromFile loads configuration from a YAML file. A missing file is
// not an error; single-unit invocations work on defaults alone.
func loadConfigFromFile(file string) (*Config, error) {
	if file == "" {
		file = "config.yaml"
	}

	config := &Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file) //nolint:gosec // User-provided config file path
	if err != nil {
		if os.IsNotExist(err) {
			config.SetDefaults()
			return config, nil
		}

		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
