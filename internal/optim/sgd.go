// Package optim provides the SGD optimizer and learning-rate schedules used
// by the training driver.
package optim

import (
	"fmt"

	"retina-forge/internal/model"
)

// SGD applies momentum SGD with decoupled weight decay to a parameter set.
type SGD struct {
	params      []*model.Param
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    map[string][]float64
}

// State is a serializable optimizer snapshot.
type State struct {
	LR       float64              `json:"lr"`
	Velocity map[string][]float64 `json:"velocity"`
}

// NewSGD builds the optimizer over params.
func NewSGD(params []*model.Param, lr, momentum, weightDecay float64) *SGD {
	velocity := make(map[string][]float64, len(params))
	for _, p := range params {
		velocity[p.Name] = make([]float64, len(p.Data))
	}
	return &SGD{
		params:      params,
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    velocity,
	}
}

// LR returns the current learning rate.
func (s *SGD) LR() float64 {
	return s.lr
}

// SetLR overrides the current learning rate.
func (s *SGD) SetLR(lr float64) {
	s.lr = lr
}

// ZeroGrad clears all gradient buffers.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Step applies one update from the current gradients.
func (s *SGD) Step() {
	for _, p := range s.params {
		v := s.velocity[p.Name]
		for i := range p.Data {
			g := p.Grad[i] + s.weightDecay*p.Data[i]
			v[i] = s.momentum*v[i] + g
			p.Data[i] -= s.lr * v[i]
		}
	}
}

// State snapshots the learning rate and momentum buffers.
func (s *SGD) State() State {
	velocity := make(map[string][]float64, len(s.velocity))
	for name, v := range s.velocity {
		velocity[name] = append([]float64(nil), v...)
	}
	return State{LR: s.lr, Velocity: velocity}
}

// LoadState restores a snapshot taken by State.
func (s *SGD) LoadState(st State) error {
	if st.LR > 0 {
		s.lr = st.LR
	}
	for name, v := range st.Velocity {
		dst, ok := s.velocity[name]
		if !ok {
			return fmt.Errorf("optimizer state has unknown tensor %s", name)
		}
		if len(v) != len(dst) {
			return fmt.Errorf("velocity %s has %d values, want %d", name, len(v), len(dst))
		}
		copy(dst, v)
	}
	return nil
}
