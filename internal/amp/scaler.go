// Package amp implements loss scaling for mixed-precision training. The
// backward pass runs with the loss multiplied by the scale; gradients are
// divided back down before the optimizer step, and a step whose gradients
// contain non-finite values is skipped.
package amp

import (
	"math"

	"retina-forge/internal/model"
)

const (
	initialScale = 128.0
	minScale     = 1.0
	backoff      = 0.5
)

// OptLevel names the precision mode the way the driver logs it.
func OptLevel(mixed bool) string {
	if mixed {
		return "O2"
	}
	return "O0"
}

// Scaler holds the current loss scale. A disabled scaler (full precision)
// scales by 1 and never skips.
type Scaler struct {
	enabled    bool
	scale      float64
	skipped    int
	overflowAt float64
}

// NewScaler builds a scaler for the given precision mode.
func NewScaler(mixed bool) *Scaler {
	return &Scaler{enabled: mixed, scale: initialScale}
}

// Scale is the factor to apply to the loss before the backward pass.
func (s *Scaler) Scale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// Unscale divides the gradients by the current scale. If any gradient is
// non-finite the buffers are left zeroed, the scale backs off, and false is
// returned: the caller must skip the optimizer step.
func (s *Scaler) Unscale(params []*model.Param) bool {
	inv := 1 / s.Scale()
	finite := true
	for _, p := range params {
		for _, g := range p.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				finite = false
				break
			}
		}
		if !finite {
			break
		}
	}
	if !finite {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] = 0
			}
		}
		s.skipped++
		s.overflowAt = s.Scale()
		if s.enabled {
			s.scale = math.Max(minScale, s.scale*backoff)
		}
		return false
	}
	if inv != 1 {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= inv
			}
		}
	}
	return true
}

// Skipped counts the steps rejected for non-finite gradients.
func (s *Scaler) Skipped() int {
	return s.skipped
}

// OverflowScale is the scale in effect when the most recent overflow was
// detected, before any backoff.
func (s *Scaler) OverflowScale() float64 {
	return s.overflowAt
}
