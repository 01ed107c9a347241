// Package config loads the fedtools YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mchmarny/fedtools/pkg/dataset"
	"github.com/mchmarny/fedtools/pkg/sweep"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFileName = "fedtools.yaml"
	fileMode        = 0644
)

// Config represents the app config file.
type Config struct {
	Aggregate Aggregate `yaml:"aggregate"`
	Sweep     Sweep     `yaml:"sweep"`
}

// Aggregate configures the dataset aggregator.
type Aggregate struct {
	Pattern      string           `yaml:"pattern"`
	LabelSegment int              `yaml:"label_segment"`
	Labels       map[string]int64 `yaml:"labels"`
	Inputs       string           `yaml:"inputs"`
	LabelsOutput string           `yaml:"labels_output"`
	Workers      int              `yaml:"workers"`
}

// Sweep configures the sweep runner.
type Sweep struct {
	Clients          []int         `yaml:"clients"`
	Examples         []int         `yaml:"examples"`
	SyncEvery        []int         `yaml:"sync_every"`
	AvgEvery         []int         `yaml:"avg_every"`
	Shell            string        `yaml:"shell"`
	Script           string        `yaml:"script"`
	LogDir           string        `yaml:"log_dir"`
	MaxTotalExamples int           `yaml:"max_total_examples"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	DoneMarker       string        `yaml:"done_marker"`
}

// Default returns the built-in configuration.
func Default() *Config {
	g := sweep.DefaultGrid()
	return &Config{
		Aggregate: Aggregate{
			Pattern:      dataset.DefaultPattern,
			LabelSegment: dataset.DefaultLabelSegment,
			Labels:       dataset.DefaultLabels(),
			Inputs:       dataset.DefaultInputsPath,
			LabelsOutput: dataset.DefaultLabelsPath,
		},
		Sweep: Sweep{
			Clients:    g.Clients,
			Examples:   g.Examples,
			SyncEvery:  g.SyncEvery,
			AvgEvery:   g.AvgEvery,
			Shell:      sweep.DefaultShell,
			Script:     sweep.DefaultScript,
			LogDir:     sweep.DefaultLogDir,
			DoneMarker: sweep.DefaultDoneMarker,
		},
	}
}

// Load reads the config at path over the defaults. A missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	// yaml merges into non-nil maps, the label mapping must replace instead
	c.Aggregate.Labels = nil
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if c.Aggregate.Labels == nil {
		c.Aggregate.Labels = dataset.DefaultLabels()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return c, nil
}

// Save writes c to path. An existing file is only replaced when overwrite
// is set.
func Save(path string, c *Config, overwrite bool) error {
	if path == "" {
		return errors.New("config path required")
	}
	if c == nil {
		return errors.New("config required")
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
	}

	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, b, fileMode); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks both sections.
func (c *Config) Validate() error {
	a := c.Aggregate
	if a.Pattern == "" {
		return errors.New("aggregate.pattern required")
	}
	if a.LabelSegment < 1 {
		return fmt.Errorf("aggregate.label_segment must be at least 1, got %d", a.LabelSegment)
	}
	if len(a.Labels) == 0 {
		return errors.New("aggregate.labels must not be empty")
	}
	if a.Inputs == "" || a.LabelsOutput == "" {
		return errors.New("aggregate.inputs and aggregate.labels_output required")
	}
	if a.Workers < 0 {
		return fmt.Errorf("aggregate.workers must not be negative, got %d", a.Workers)
	}

	if err := c.Grid().Validate(); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	s := c.Sweep
	if s.Script == "" {
		return errors.New("sweep.script required")
	}
	if s.MaxTotalExamples < 0 {
		return fmt.Errorf("sweep.max_total_examples must not be negative, got %d", s.MaxTotalExamples)
	}
	if s.IdleTimeout < 0 {
		return fmt.Errorf("sweep.idle_timeout must not be negative, got %s", s.IdleTimeout)
	}
	return nil
}

// Grid is the sweep parameter grid.
func (c *Config) Grid() sweep.Grid {
	return sweep.Grid{
		Clients:   c.Sweep.Clients,
		Examples:  c.Sweep.Examples,
		SyncEvery: c.Sweep.SyncEvery,
		AvgEvery:  c.Sweep.AvgEvery,
	}
}

// DatasetConfig converts the aggregate section for the dataset package.
func (c *Config) DatasetConfig() *dataset.Config {
	return &dataset.Config{
		Pattern:      c.Aggregate.Pattern,
		LabelSegment: c.Aggregate.LabelSegment,
		Labels:       c.Aggregate.Labels,
		InputsPath:   c.Aggregate.Inputs,
		LabelsPath:   c.Aggregate.LabelsOutput,
		Workers:      c.Aggregate.Workers,
	}
}

// Trial builds the script launcher for the sweep section.
func (c *Config) Trial() *sweep.ScriptTrial {
	return &sweep.ScriptTrial{
		Shell:       c.Sweep.Shell,
		Script:      c.Sweep.Script,
		IdleTimeout: c.Sweep.IdleTimeout,
		DoneMarker:  c.Sweep.DoneMarker,
	}
}
