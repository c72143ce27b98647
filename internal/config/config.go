// Package config loads the runtime knobs for a detection training run from a
// YAML file, the environment, and command-line flags, in ascending precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainImages      string `mapstructure:"train_images" yaml:"train_images"`
	TrainAnnotations string `mapstructure:"train_annotations" yaml:"train_annotations"`
	ValImages        string `mapstructure:"val_images" yaml:"val_images"`
	ValAnnotations   string `mapstructure:"val_annotations" yaml:"val_annotations"`
	Augmentations    string `mapstructure:"augmentations" yaml:"augmentations"`

	Resize    int `mapstructure:"resize" yaml:"resize"`
	MaxSize   int `mapstructure:"max_size" yaml:"max_size"`
	JitterMin int `mapstructure:"jitter_min" yaml:"jitter_min"`
	JitterMax int `mapstructure:"jitter_max" yaml:"jitter_max"`

	BatchSize      int  `mapstructure:"batch_size" yaml:"batch_size"`
	Iterations     int  `mapstructure:"iterations" yaml:"iterations"`
	ValIterations  int  `mapstructure:"val_iterations" yaml:"val_iterations"`
	NumWorkers     int  `mapstructure:"num_workers" yaml:"num_workers"`
	World          int  `mapstructure:"world" yaml:"world"`
	MixedPrecision bool `mapstructure:"mixed_precision" yaml:"mixed_precision"`

	LR             float64 `mapstructure:"lr" yaml:"lr"`
	Warmup         int     `mapstructure:"warmup" yaml:"warmup"`
	Milestones     []int   `mapstructure:"milestones" yaml:"milestones"`
	ReduceFactor   float64 `mapstructure:"rop_reduce_factor" yaml:"rop_reduce_factor"`
	ReducePatience int     `mapstructure:"rop_patience" yaml:"rop_patience"`
	Patience       int     `mapstructure:"patience" yaml:"patience"`

	Seed         int64  `mapstructure:"seed" yaml:"seed"`
	MetricsURL   string `mapstructure:"metrics_url" yaml:"metrics_url"`
	ScalarDB     string `mapstructure:"scalar_db" yaml:"scalar_db"`
	Checkpoint   string `mapstructure:"checkpoint" yaml:"checkpoint"`
	LogWindowSec int    `mapstructure:"log_window" yaml:"log_window"`
	LogFile      string `mapstructure:"log_file" yaml:"log_file"`
	Verbose      bool   `mapstructure:"verbose" yaml:"verbose"`
	Debug        bool   `mapstructure:"debug" yaml:"debug"`
}

func defaults() map[string]any {
	return map[string]any{
		"resize":            800,
		"max_size":          1333,
		"batch_size":        2,
		"val_iterations":    1000,
		"num_workers":       2,
		"world":             1,
		"lr":                0.01,
		"rop_reduce_factor": 0.1,
		"rop_patience":      5,
		"patience":          10,
		"seed":              42,
		"log_window":        60,
		"verbose":           true,
	}
}

// Load builds a Config from the file at path (optional), environment variables
// prefixed with RETINAFORGE, and any flags bound on cmd. Flags win over the
// environment, which wins over the file.
func Load(cmd *cobra.Command, path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("retina-forge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("retinaforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies the config is runnable and fills derived defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainImages == "" {
		return errors.New("train_images must be set")
	}
	if c.TrainAnnotations == "" {
		return errors.New("train_annotations must be set")
	}
	if (c.ValImages == "") != (c.ValAnnotations == "") {
		return errors.New("val_images and val_annotations must be set together")
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("iterations must be > 0 (got %d)", c.Iterations)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Resize <= 0 {
		return fmt.Errorf("resize must be > 0 (got %d)", c.Resize)
	}
	if c.MaxSize < c.Resize {
		return fmt.Errorf("max_size must be >= resize (got %d < %d)", c.MaxSize, c.Resize)
	}
	if c.JitterMin == 0 && c.JitterMax == 0 {
		c.JitterMin, c.JitterMax = c.Resize, c.Resize
	}
	if c.JitterMin > c.JitterMax {
		return fmt.Errorf("jitter_min must be <= jitter_max (got %d > %d)", c.JitterMin, c.JitterMax)
	}
	if c.World <= 0 {
		return fmt.Errorf("world must be > 0 (got %d)", c.World)
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.ValIterations <= 0 {
		c.ValIterations = c.Iterations
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.ReduceFactor <= 0 || c.ReduceFactor >= 1 {
		return fmt.Errorf("rop_reduce_factor must be in (0, 1) (got %g)", c.ReduceFactor)
	}
	if c.Patience <= 0 {
		c.Patience = 10
	}
	if c.LogWindowSec <= 0 {
		c.LogWindowSec = 60
	}
	return nil
}
