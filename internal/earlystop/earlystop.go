// Package earlystop tracks a validation metric and signals when it has
// stopped improving.
package earlystop

import "fmt"

// Mode selects the improvement direction.
type Mode string

const (
	// Min treats lower metric values as better.
	Min Mode = "min"
	// Max treats higher metric values as better.
	Max Mode = "max"
)

// DefaultPatience is the number of non-improving checks tolerated before
// stopping.
const DefaultPatience = 10

// State is the serializable snapshot of a Monitor.
type State struct {
	Best    float64 `json:"best"`
	Wait    int     `json:"wait"`
	Started bool    `json:"started"`
	Stopped bool    `json:"stopped"`
}

// Monitor decides when training should stop. Not safe for concurrent use.
type Monitor struct {
	mode     Mode
	patience int

	best    float64
	wait    int
	started bool
	stopped bool
}

// NewMonitor builds a monitor. A patience of 0 or less falls back to
// DefaultPatience.
func NewMonitor(mode Mode, patience int) (*Monitor, error) {
	if mode != Min && mode != Max {
		return nil, fmt.Errorf("earlystop: unknown mode %q", mode)
	}
	if patience <= 0 {
		patience = DefaultPatience
	}
	return &Monitor{mode: mode, patience: patience}, nil
}

// Step records one validation metric and reports whether training should
// stop. Once stopped the monitor stays stopped.
func (m *Monitor) Step(value float64) bool {
	if m.stopped {
		return true
	}
	if !m.started || m.improved(value) {
		m.best = value
		m.wait = 0
		m.started = true
		return false
	}
	m.wait++
	if m.wait >= m.patience {
		m.stopped = true
	}
	return m.stopped
}

func (m *Monitor) improved(value float64) bool {
	if m.mode == Min {
		return value < m.best
	}
	return value > m.best
}

// Best is the best metric seen so far.
func (m *Monitor) Best() float64 { return m.best }

// Stopped reports whether the stop condition has fired.
func (m *Monitor) Stopped() bool { return m.stopped }

// State snapshots the monitor for checkpointing.
func (m *Monitor) State() State {
	return State{Best: m.best, Wait: m.wait, Started: m.started, Stopped: m.stopped}
}

// LoadState restores a snapshot taken with State.
func (m *Monitor) LoadState(st State) {
	m.best = st.Best
	m.wait = st.Wait
	m.started = st.Started
	m.stopped = st.Stopped
}
