package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/recon-orchestrator/internal/config"
	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
)

// DefaultMaxDuration bounds a scheduled batch when none is configured
const DefaultMaxDuration = 12 * time.Hour

// BatchConfig is one cron-driven set of targets to run
type BatchConfig struct {
	Name             string          `toml:"name"`
	Cron             string          `toml:"cron"`
	Targets          []string        `toml:"targets"`
	Only             []string        `toml:"only"`
	MaxDuration      config.Duration `toml:"max_duration"`
	NotifyOnComplete bool            `toml:"notify_on_complete"`
}

// ScheduleConfig holds all batch configurations. It is read from the
// [[batch]] tables of the application config file.
type ScheduleConfig struct {
	Batches []BatchConfig `toml:"batch"`
}

// Validate checks if the config is valid and fills defaults
func (c *BatchConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("batch name is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(c.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("batch %s has no targets", c.Name)
	}
	for _, target := range c.Targets {
		if err := pipeline.ValidateTarget(target); err != nil {
			return err
		}
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = config.Duration(DefaultMaxDuration)
	}
	return nil
}

// LoadScheduleConfig loads batch configuration from a TOML file
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Batches {
		if err := cfg.Batches[i].Validate(); err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
	}

	return &cfg, nil
}
