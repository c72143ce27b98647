package metrics

import "time"

// Window accumulates per-step timing and loss stats between log flushes.
type Window struct {
	samples int
	step    time.Duration
	fw      time.Duration
	bw      time.Duration
	cls     float64
	box     float64
	steps   int
}

// Record adds one training step to the window. stepTime is the full step
// duration including data wait; fwTime and bwTime are the compute phases.
func (w *Window) Record(batchSize int, stepTime, fwTime, bwTime time.Duration, clsLoss, boxLoss float64) {
	w.samples += batchSize
	w.step += stepTime
	w.fw += fwTime
	w.bw += bwTime
	w.cls += clsLoss
	w.box += boxLoss
	w.steps++
}

// Snapshot returns aggregated metrics and resets the window. Throughput is
// measured against the full step time, so data-loading stalls show up in it.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	if w.step > 0 {
		snap.ImagesPerSec = float64(w.samples) / w.step.Seconds()
	}
	if w.steps > 0 {
		snap.FocalLoss = w.cls / float64(w.steps)
		snap.BoxLoss = w.box / float64(w.steps)
		snap.AvgStepMS = (w.step.Seconds() * 1000) / float64(w.steps)
		snap.AvgFwMS = (w.fw.Seconds() * 1000) / float64(w.steps)
		snap.AvgBwMS = (w.bw.Seconds() * 1000) / float64(w.steps)
	}

	w.samples = 0
	w.step = 0
	w.fw = 0
	w.bw = 0
	w.cls = 0
	w.box = 0
	w.steps = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	FocalLoss    float64
	BoxLoss      float64
	AvgStepMS    float64
	AvgFwMS      float64
	AvgBwMS      float64
}

// TotalLoss is the mean combined loss over the window.
func (s Snapshot) TotalLoss() float64 {
	return s.FocalLoss + s.BoxLoss
}
