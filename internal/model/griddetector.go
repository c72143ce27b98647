package model

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	featDim    = 3
	focalAlpha = 0.25
	focalGamma = 2.0
	scoreThr   = 0.05
)

// GridDetector is a compact single-level detection head used to exercise the
// training driver. Each stride-sized cell gets a small intensity descriptor,
// a linear classifier over the classes plus background, and a linear box
// regressor. Gradients are computed explicitly so the optimizer owns all
// parameter updates.
type GridDetector struct {
	numClasses int
	stride     int

	clsW *Param // (numClasses+1) x featDim
	clsB *Param // numClasses+1
	boxW *Param // 4 x featDim
	boxB *Param // 4

	cache   []cellCache
	posNorm float64
}

type cellCache struct {
	desc     [featDim]float64
	probs    []float64
	label    int
	positive bool
	boxDiff  [4]float64
}

// NewGridDetector constructs the model with seeded random initialization.
func NewGridDetector(numClasses, stride int, seed int64) *GridDetector {
	if numClasses <= 0 {
		numClasses = 80
	}
	if stride <= 0 {
		stride = 32
	}
	rng := rand.New(rand.NewSource(seed))
	classes := numClasses + 1

	clsW := make([]float64, classes*featDim)
	for i := range clsW {
		clsW[i] = (rng.Float64()*2 - 1) * 0.01
	}
	clsB := make([]float64, classes)
	// Bias the background class so early training is not swamped by
	// negative cells.
	clsB[classes-1] = 2.0
	boxW := make([]float64, 4*featDim)
	for i := range boxW {
		boxW[i] = (rng.Float64()*2 - 1) * 0.01
	}
	boxB := make([]float64, 4)

	return &GridDetector{
		numClasses: numClasses,
		stride:     stride,
		clsW:       &Param{Name: "cls.weight", Data: clsW, Grad: make([]float64, len(clsW))},
		clsB:       &Param{Name: "cls.bias", Data: clsB, Grad: make([]float64, len(clsB))},
		boxW:       &Param{Name: "box.weight", Data: boxW, Grad: make([]float64, len(boxW))},
		boxB:       &Param{Name: "box.bias", Data: boxB, Grad: make([]float64, len(boxB))},
	}
}

// Stride is the cell size of the detection grid.
func (g *GridDetector) Stride() int {
	return g.stride
}

// Params exposes the trainable tensors.
func (g *GridDetector) Params() []*Param {
	return []*Param{g.clsW, g.clsB, g.boxW, g.boxB}
}

// Forward computes focal classification loss and smooth-L1 box loss over the
// batch, caching what Backward needs.
func (g *GridDetector) Forward(images []Plane, targets [][]Box) Losses {
	g.cache = g.cache[:0]
	classes := g.numClasses + 1

	var clsLoss, boxLoss float64
	positives := 0

	for i, img := range images {
		gw, gh := img.W/g.stride, img.H/g.stride
		var boxes []Box
		if i < len(targets) {
			boxes = targets[i]
		}
		for cy := 0; cy < gh; cy++ {
			for cx := 0; cx < gw; cx++ {
				cc := cellCache{
					desc:  g.descriptor(img, cx, cy),
					label: classes - 1,
				}
				var tgt *Box
				for bi := range boxes {
					b := &boxes[bi]
					bcx, bcy := b.X+b.W/2, b.Y+b.H/2
					if int(bcx)/g.stride == cx && int(bcy)/g.stride == cy {
						tgt = b
						break
					}
				}
				if tgt != nil && tgt.Label >= 0 && tgt.Label < g.numClasses {
					cc.label = tgt.Label
					cc.positive = true
					positives++
				}

				cc.probs = g.classProbs(cc.desc)
				pt := math.Max(cc.probs[cc.label], 1e-12)
				alpha := focalAlpha
				if !cc.positive {
					alpha = 1 - focalAlpha
				}
				clsLoss += -alpha * math.Pow(1-pt, focalGamma) * math.Log(pt)

				if cc.positive {
					pred := g.regress(cc.desc)
					want := boxTarget(*tgt, cx, cy, g.stride)
					for j := 0; j < 4; j++ {
						d := pred[j] - want[j]
						cc.boxDiff[j] = d
						boxLoss += smoothL1(d)
					}
				}
				g.cache = append(g.cache, cc)
			}
		}
	}

	g.posNorm = math.Max(1, float64(positives))
	return Losses{Cls: clsLoss / g.posNorm, Box: boxLoss / g.posNorm}
}

// Backward accumulates gradients for the last Forward. The focal modulating
// factor is held fixed with respect to the logits.
func (g *GridDetector) Backward(scale float64) {
	classes := g.numClasses + 1
	inv := scale / g.posNorm

	for ci := range g.cache {
		cc := &g.cache[ci]
		pt := math.Max(cc.probs[cc.label], 1e-12)
		alpha := focalAlpha
		if !cc.positive {
			alpha = 1 - focalAlpha
		}
		w := alpha * math.Pow(1-pt, focalGamma)

		for k := 0; k < classes; k++ {
			y := 0.0
			if k == cc.label {
				y = 1.0
			}
			dz := w * (cc.probs[k] - y) * inv
			g.clsB.Grad[k] += dz
			for f := 0; f < featDim; f++ {
				g.clsW.Grad[k*featDim+f] += dz * cc.desc[f]
			}
		}

		if cc.positive {
			for j := 0; j < 4; j++ {
				dd := smoothL1Grad(cc.boxDiff[j]) * inv
				g.boxB.Grad[j] += dd
				for f := 0; f < featDim; f++ {
					g.boxW.Grad[j*featDim+f] += dd * cc.desc[f]
				}
			}
		}
	}
}

// Detect decodes scored boxes from the grid.
func (g *GridDetector) Detect(images []Plane) [][]Detection {
	out := make([][]Detection, len(images))
	for i, img := range images {
		gw, gh := img.W/g.stride, img.H/g.stride
		for cy := 0; cy < gh; cy++ {
			for cx := 0; cx < gw; cx++ {
				desc := g.descriptor(img, cx, cy)
				probs := g.classProbs(desc)
				best, bestP := -1, 0.0
				for k := 0; k < g.numClasses; k++ {
					if probs[k] > bestP {
						best, bestP = k, probs[k]
					}
				}
				if best < 0 || bestP < scoreThr {
					continue
				}
				pred := g.regress(desc)
				s := float64(g.stride)
				bw := math.Exp(pred[2]) * s
				bh := math.Exp(pred[3]) * s
				bcx := (float64(cx)+0.5)*s + pred[0]*s
				bcy := (float64(cy)+0.5)*s + pred[1]*s
				out[i] = append(out[i], Detection{
					Box:   Box{X: bcx - bw/2, Y: bcy - bh/2, W: bw, H: bh, Label: best},
					Score: bestP,
				})
			}
		}
	}
	return out
}

// State snapshots the tensors.
func (g *GridDetector) State() State {
	tensors := make(map[string][]float64, 4)
	for _, p := range g.Params() {
		tensors[p.Name] = append([]float64(nil), p.Data...)
	}
	return State{NumClasses: g.numClasses, Stride: g.stride, Tensors: tensors}
}

// LoadState restores tensors from a snapshot.
func (g *GridDetector) LoadState(st State) error {
	if st.NumClasses != g.numClasses {
		return fmt.Errorf("state has %d classes, model has %d", st.NumClasses, g.numClasses)
	}
	if st.Stride != g.stride {
		return fmt.Errorf("state has stride %d, model has %d", st.Stride, g.stride)
	}
	for _, p := range g.Params() {
		data, ok := st.Tensors[p.Name]
		if !ok {
			return fmt.Errorf("state is missing tensor %s", p.Name)
		}
		if len(data) != len(p.Data) {
			return fmt.Errorf("tensor %s has %d values, want %d", p.Name, len(data), len(p.Data))
		}
		copy(p.Data, data)
	}
	return nil
}

// descriptor pools a cell into mean intensity plus horizontal and vertical
// contrast.
func (g *GridDetector) descriptor(img Plane, cx, cy int) [featDim]float64 {
	x0, y0 := cx*g.stride, cy*g.stride
	half := g.stride / 2

	var sum, left, right, top, bottom float64
	for y := 0; y < g.stride; y++ {
		for x := 0; x < g.stride; x++ {
			v := img.At(x0+x, y0+y)
			sum += v
			if x < half {
				left += v
			} else {
				right += v
			}
			if y < half {
				top += v
			} else {
				bottom += v
			}
		}
	}
	n := float64(g.stride * g.stride)
	return [featDim]float64{sum / n, (right - left) / n, (bottom - top) / n}
}

func (g *GridDetector) classProbs(desc [featDim]float64) []float64 {
	classes := g.numClasses + 1
	logits := make([]float64, classes)
	for k := 0; k < classes; k++ {
		z := g.clsB.Data[k]
		for f := 0; f < featDim; f++ {
			z += g.clsW.Data[k*featDim+f] * desc[f]
		}
		logits[k] = z
	}
	return softmax(logits)
}

func (g *GridDetector) regress(desc [featDim]float64) [4]float64 {
	var out [4]float64
	for j := 0; j < 4; j++ {
		z := g.boxB.Data[j]
		for f := 0; f < featDim; f++ {
			z += g.boxW.Data[j*featDim+f] * desc[f]
		}
		out[j] = z
	}
	return out
}

func boxTarget(b Box, cx, cy, stride int) [4]float64 {
	s := float64(stride)
	bcx, bcy := b.X+b.W/2, b.Y+b.H/2
	return [4]float64{
		(bcx - (float64(cx)+0.5)*s) / s,
		(bcy - (float64(cy)+0.5)*s) / s,
		math.Log(math.Max(b.W, 1e-6) / s),
		math.Log(math.Max(b.H, 1e-6) / s),
	}
}

func smoothL1(d float64) float64 {
	if math.Abs(d) < 1 {
		return 0.5 * d * d
	}
	return math.Abs(d) - 0.5
}

func smoothL1Grad(d float64) float64 {
	if math.Abs(d) < 1 {
		return d
	}
	if d < 0 {
		return -1
	}
	return 1
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, v := range logits {
		exp := math.Exp(v - maxLogit)
		out[i] = exp
		sum += exp
	}
	inv := 1.0 / sum
	for i := range out {
		out[i] *= inv
	}
	return out
}
