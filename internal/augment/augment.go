// Package augment builds data-augmentation pipelines from declarative
// configuration. A pipeline is a list of {name, params} entries resolved
// through a registry, composed with COCO-format bounding-box handling.
package augment

import (
	"encoding/json"
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Box is a COCO-format bounding box (x, y, width, height) in pixels.
type Box struct {
	X, Y, W, H float64
	Category   int
}

// Area returns the box area in square pixels.
func (b Box) Area() float64 {
	return b.W * b.H
}

// Sample is an image with its boxes. Transforms clip boxes in place and keep
// their order; the pipeline drops degenerate boxes at the end.
type Sample struct {
	Image *image.RGBA
	Boxes []Box
}

// Transform mutates a sample, typically with some probability.
type Transform interface {
	fmt.Stringer
	Apply(rng *rand.Rand, s Sample) Sample
}

// TransformConfig is one entry of the pipeline configuration.
type TransformConfig struct {
	Name   string
	Params map[string]any
}

type factory func(params map[string]any) (Transform, error)

var registry = map[string]factory{
	"HorizontalFlip":           newHorizontalFlip,
	"VerticalFlip":             newVerticalFlip,
	"RandomBrightnessContrast": newRandomBrightnessContrast,
	"RandomCrop":               newRandomCrop,
	"RandomRotate90":           newRandomRotate90,
}

// Names lists the supported transform names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile reads a transform list from a JSON or YAML file. Each entry must
// carry a "name" key; the remaining keys are transform parameters.
func LoadFile(path string) ([]TransformConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read augmentations: %w", err)
	}
	var entries []map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &entries)
	default:
		err = json.Unmarshal(raw, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("parse augmentations: %w", err)
	}

	cfgs := make([]TransformConfig, 0, len(entries))
	for i, entry := range entries {
		name, ok := entry["name"].(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("augmentation %d: missing name", i)
		}
		params := make(map[string]any, len(entry)-1)
		for k, v := range entry {
			if k != "name" {
				params[k] = v
			}
		}
		cfgs = append(cfgs, TransformConfig{Name: name, Params: params})
	}
	return cfgs, nil
}

// Build resolves transform configs through the registry.
func Build(cfgs []TransformConfig) ([]Transform, error) {
	transforms := make([]Transform, 0, len(cfgs))
	for _, cfg := range cfgs {
		create, ok := registry[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("unknown augmentation %q (supported: %s)",
				cfg.Name, strings.Join(Names(), ", "))
		}
		t, err := create(cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("augmentation %s: %w", cfg.Name, err)
		}
		transforms = append(transforms, t)
	}
	return transforms, nil
}

// BBoxParams controls box filtering after the transforms run.
type BBoxParams struct {
	Format        string  `json:"format" yaml:"format"`
	MinArea       float64 `json:"min_area" yaml:"min_area"`
	MinVisibility float64 `json:"min_visibility" yaml:"min_visibility"`
}

// DefaultCOCOParams matches the driver's dataset format.
func DefaultCOCOParams() BBoxParams {
	return BBoxParams{Format: "coco"}
}

// Pipeline applies transforms in order and filters the resulting boxes.
type Pipeline struct {
	Transforms []Transform
	Params     BBoxParams
}

// Compose builds a pipeline. An empty transform list yields a nil pipeline,
// which callers treat as "no augmentation".
func Compose(transforms []Transform, params BBoxParams) (*Pipeline, error) {
	if params.Format != "coco" {
		return nil, fmt.Errorf("unsupported bbox format %q", params.Format)
	}
	if len(transforms) == 0 {
		return nil, nil
	}
	return &Pipeline{Transforms: transforms, Params: params}, nil
}

// Apply runs the pipeline on a sample using the caller's RNG, so loaders can
// keep augmentation deterministic per item.
func (p *Pipeline) Apply(rng *rand.Rand, s Sample) Sample {
	if p == nil {
		return s
	}
	origAreas := make([]float64, len(s.Boxes))
	for i, b := range s.Boxes {
		origAreas[i] = b.Area()
	}

	for _, t := range p.Transforms {
		s = t.Apply(rng, s)
	}

	kept := s.Boxes[:0]
	for i, b := range s.Boxes {
		if b.W <= 0 || b.H <= 0 {
			continue
		}
		if b.Area() < p.Params.MinArea {
			continue
		}
		if origAreas[i] > 0 && b.Area()/origAreas[i] < p.Params.MinVisibility {
			continue
		}
		kept = append(kept, b)
	}
	s.Boxes = kept
	return s
}
