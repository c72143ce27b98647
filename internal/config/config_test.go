package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"train_images: /data/coco/train2017",
		"train_annotations: /data/coco/annotations/train.json",
		"val_images: /data/coco/val2017",
		"val_annotations: /data/coco/annotations/val.json",
		"iterations: 90000",
		"val_iterations: 5000",
		"batch_size: 8",
		"jitter_min: 640",
		"jitter_max: 1024",
		"lr: 0.02",
		"mixed_precision: true",
	}, "\n"))

	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Iterations != 90000 {
		t.Fatalf("iterations=%d want 90000", cfg.Iterations)
	}
	if cfg.BatchSize != 8 {
		t.Fatalf("batch_size=%d want 8", cfg.BatchSize)
	}
	if !cfg.MixedPrecision {
		t.Fatal("mixed_precision not set")
	}
	if cfg.Resize != 800 || cfg.MaxSize != 1333 {
		t.Fatalf("defaults not applied: resize=%d max_size=%d", cfg.Resize, cfg.MaxSize)
	}
	if cfg.LogWindowSec != 60 {
		t.Fatalf("log_window default=%d want 60", cfg.LogWindowSec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			TrainImages:      "/data/train",
			TrainAnnotations: "/data/train.json",
			Iterations:       100,
			BatchSize:        2,
			Resize:           800,
			MaxSize:          1333,
			World:            1,
			LR:               0.01,
			ReduceFactor:     0.1,
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no train images", func(c *Config) { c.TrainImages = "" }},
		{"no annotations", func(c *Config) { c.TrainAnnotations = "" }},
		{"val images without annotations", func(c *Config) { c.ValImages = "/data/val" }},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"max size below resize", func(c *Config) { c.MaxSize = 400 }},
		{"inverted jitter", func(c *Config) { c.JitterMin = 900; c.JitterMax = 700 }},
		{"zero world", func(c *Config) { c.World = 0 }},
		{"bad reduce factor", func(c *Config) { c.ReduceFactor = 1.5 }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateDerivedDefaults(t *testing.T) {
	cfg := &Config{
		TrainImages:      "/data/train",
		TrainAnnotations: "/data/train.json",
		Iterations:       500,
		BatchSize:        2,
		Resize:           640,
		MaxSize:          1024,
		World:            2,
		LR:               0.01,
		ReduceFactor:     0.1,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.JitterMin != 640 || cfg.JitterMax != 640 {
		t.Fatalf("jitter defaults=%d,%d want resize", cfg.JitterMin, cfg.JitterMax)
	}
	if cfg.ValIterations != 500 {
		t.Fatalf("val_iterations default=%d want iterations", cfg.ValIterations)
	}
	if cfg.NumWorkers != 1 {
		t.Fatalf("num_workers default=%d want 1", cfg.NumWorkers)
	}
	if cfg.Patience != 10 {
		t.Fatalf("patience default=%d want 10", cfg.Patience)
	}
}
