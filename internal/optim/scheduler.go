package optim

// Warmup linearly ramps the learning rate from zero to base over the first
// steps iterations. It is a no-op once past the ramp.
type Warmup struct {
	opt   *SGD
	steps int
	base  float64
}

// NewWarmup captures the optimizer's base learning rate.
func NewWarmup(opt *SGD, steps int) *Warmup {
	return &Warmup{opt: opt, steps: steps, base: opt.LR()}
}

// Step sets the learning rate for the given 1-based iteration.
func (w *Warmup) Step(iteration int) {
	if w.steps <= 0 || iteration > w.steps {
		return
	}
	w.opt.SetLR(w.base * float64(iteration) / float64(w.steps))
}

// Active reports whether the ramp still owns the learning rate.
func (w *Warmup) Active(iteration int) bool {
	return w.steps > 0 && iteration <= w.steps
}

// Plateau reduces the learning rate by factor when the monitored metric has
// not improved for patience validation rounds.
type Plateau struct {
	opt      *SGD
	factor   float64
	patience int
	minLR    float64

	best    float64
	started bool
	wait    int
}

// PlateauState is a serializable scheduler snapshot.
type PlateauState struct {
	Best    float64 `json:"best"`
	Started bool    `json:"started"`
	Wait    int     `json:"wait"`
}

// NewPlateau builds a min-mode plateau schedule.
func NewPlateau(opt *SGD, factor float64, patience int) *Plateau {
	return &Plateau{opt: opt, factor: factor, patience: patience, minLR: 1e-8}
}

// Step feeds one validation metric. Returns true when the learning rate was
// reduced.
func (p *Plateau) Step(metric float64) bool {
	if !p.started || metric < p.best {
		p.best = metric
		p.started = true
		p.wait = 0
		return false
	}
	p.wait++
	if p.wait <= p.patience {
		return false
	}
	p.wait = 0
	lr := p.opt.LR() * p.factor
	if lr < p.minLR {
		lr = p.minLR
	}
	p.opt.SetLR(lr)
	return true
}

// State snapshots the schedule.
func (p *Plateau) State() PlateauState {
	return PlateauState{Best: p.best, Started: p.started, Wait: p.wait}
}

// LoadState restores a snapshot taken by State.
func (p *Plateau) LoadState(st PlateauState) {
	p.best = st.Best
	p.started = st.Started
	p.wait = st.Wait
}

// Milestones drops the learning rate by gamma at fixed iterations. It is the
// fallback schedule when plateau scheduling is disabled.
type Milestones struct {
	opt   *SGD
	iters []int
	gamma float64
}

// NewMilestones builds the schedule; iters must be ascending.
func NewMilestones(opt *SGD, iters []int, gamma float64) *Milestones {
	return &Milestones{opt: opt, iters: iters, gamma: gamma}
}

// Step applies any milestone that fires exactly at iteration.
func (m *Milestones) Step(iteration int) {
	for _, it := range m.iters {
		if it == iteration {
			m.opt.SetLR(m.opt.LR() * m.gamma)
		}
	}
}
