package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/st3v3nmw/drover/internal/cluster"
)

const configPath = "drover.yaml"

type Build struct {
	Dir   string `yaml:"dir"`
	Image string `yaml:"image"`
	Skip  bool   `yaml:"skip"`
}

type Nodes struct {
	Port             int               `yaml:"port"`
	ExternalPortBase int               `yaml:"external_port_base"`
	Env              map[string]string `yaml:"env"`
}

type Timing struct {
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
}

type Config struct {
	Build         Build  `yaml:"build"`
	Nodes         Nodes  `yaml:"nodes"`
	Timing        Timing `yaml:"timing"`
	FabricRetries int    `yaml:"fabric_retries"`
	OutputDir     string `yaml:"output_dir"`
}

func Load() (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no drover.yaml found\nRun this command from a project directory containing a drover.yaml")
	}

	bytes, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(bytes)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse unmarshals a config document and fills in defaults for zero values.
func Parse(bytes []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Build.Dir == "" {
		cfg.Build.Dir = "."
	}

	defaults := cluster.DefaultConfig()
	if cfg.Build.Image == "" {
		cfg.Build.Image = defaults.Image
	}

	if cfg.Nodes.Port == 0 {
		cfg.Nodes.Port = defaults.Port
	}

	if cfg.Nodes.ExternalPortBase == 0 {
		cfg.Nodes.ExternalPortBase = defaults.ExternalPortBase
	}

	if cfg.Timing.ReadyTimeout == 0 {
		cfg.Timing.ReadyTimeout = defaults.ReadyTimeout
	}

	if cfg.Timing.PollInterval == 0 {
		cfg.Timing.PollInterval = defaults.PollInterval
	}

	if cfg.Timing.StopTimeout == 0 {
		cfg.Timing.StopTimeout = defaults.StopTimeout
	}

	if cfg.Timing.SettleDelay == 0 {
		cfg.Timing.SettleDelay = defaults.SettleDelay
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = "logs"
	}

	return &cfg, nil
}

// Cluster converts the loaded config into a runtime configuration
// for the given scenario group.
func (c *Config) Cluster(group string) cluster.Config {
	return cluster.Config{
		Group:            group,
		Image:            c.Build.Image,
		Port:             c.Nodes.Port,
		ExternalPortBase: c.Nodes.ExternalPortBase,
		Env:              c.Nodes.Env,
		ReadyTimeout:     c.Timing.ReadyTimeout,
		PollInterval:     c.Timing.PollInterval,
		StopTimeout:      c.Timing.StopTimeout,
		SettleDelay:      c.Timing.SettleDelay,
		FabricRetries:    c.FabricRetries,
	}
}
