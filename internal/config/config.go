// Package config loads stackalign configuration from YAML files and provides
// default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"stackalign/internal/compose"
	"stackalign/internal/settings"
	"stackalign/internal/worker"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	Workers worker.Config `yaml:"workers"`

	// Levels lists the downsampling factor of each level, coarsest first.
	Levels []int `yaml:"levels" validate:"required,min=1,dive,min=1"`

	Defaults struct {
		Grid GridDefaults `yaml:"grid"`
	} `yaml:"defaults"`

	Compose struct {
		// BiasOrder is the drift polynomial order, or -1 for none.
		BiasOrder int `yaml:"biasOrder" validate:"min=-1,max=4"`
	} `yaml:"compose"`

	Cache struct {
		// Dir holds the result database; empty keeps results in the project file only.
		Dir        string `yaml:"dir"`
		SyncWrites bool   `yaml:"syncWrites"`
	} `yaml:"cache"`

	Log struct {
		Verbose bool `yaml:"verbose"`
	} `yaml:"log"`
}

// GridDefaults seeds the defaults of every level.
type GridDefaults struct {
	WindowFull  int      `yaml:"windowFull" validate:"min=8"`
	WindowQuad  int      `yaml:"windowQuad" validate:"min=8"`
	Iterations  int      `yaml:"iterations" validate:"min=1"`
	Whitening   float64  `yaml:"whitening" validate:"gte=-1,lte=0"`
	Clobber     bool     `yaml:"clobber"`
	ClobberSize int      `yaml:"clobberSize" validate:"min=0"`
	Quadrants   []string `yaml:"quadrants" validate:"min=3,max=4,dive,oneof=TL TR BL BR tl tr bl br"`
}

var validate = validator.New()

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Workers = worker.DefaultConfig()
	cfg.Levels = []int{24, 6, 2, 1}

	g := settings.DefaultGrid()
	cfg.Defaults.Grid = GridDefaults{
		WindowFull:  g.WindowFull,
		WindowQuad:  g.WindowQuad,
		Iterations:  g.Iterations,
		Whitening:   g.Whitening,
		Clobber:     g.Clobber,
		ClobberSize: g.ClobberSize,
		Quadrants:   []string{"TL", "TR", "BL", "BR"},
	}

	cfg.Compose.BiasOrder = compose.NoBias
	cfg.Cache.SyncWrites = false
	cfg.Log.Verbose = false
	return cfg
}

// LoadConfig loads configuration from a YAML file. A missing file yields the
// defaults; keys absent from the file keep their default values.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Validate checks field ranges and that levels get strictly finer.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for i := 1; i < len(c.Levels); i++ {
		if c.Levels[i] >= c.Levels[i-1] {
			return fmt.Errorf("levels: %d does not follow %d", c.Levels[i], c.Levels[i-1])
		}
	}
	if c.Workers.FinestWorkers > c.Workers.Workers {
		return errors.New("workers: finestCount exceeds count")
	}
	return nil
}

// Swim returns the default settings described by the grid section.
func (g GridDefaults) Swim() (settings.Swim, error) {
	quads, err := settings.ParseQuadrants(g.Quadrants)
	if err != nil {
		return settings.Swim{}, err
	}
	sw := settings.Swim{
		Reference: settings.NoReference,
		Method: settings.Grid{
			WindowFull:  g.WindowFull,
			WindowQuad:  g.WindowQuad,
			Iterations:  g.Iterations,
			Whitening:   g.Whitening,
			Clobber:     g.Clobber,
			ClobberSize: g.ClobberSize,
			Quadrants:   quads,
		},
	}
	if err := sw.Ready(); err != nil {
		return settings.Swim{}, err
	}
	return sw, nil
}
