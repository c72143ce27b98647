package model

// Plane is a single-channel image tensor with intensities in [0, 1].
type Plane struct {
	W, H int
	Pix  []float64
}

// At returns the intensity at (x, y).
func (p Plane) At(x, y int) float64 {
	return p.Pix[y*p.W+x]
}

// Box is an axis-aligned box in pixel coordinates (COCO xywh) with a
// contiguous class label.
type Box struct {
	X, Y, W, H float64
	Label      int
}

// Losses holds the two training objectives of a detection head.
type Losses struct {
	Cls float64
	Box float64
}

// Total returns the combined loss.
func (l Losses) Total() float64 {
	return l.Cls + l.Box
}

// Detection is a scored box prediction.
type Detection struct {
	Box   Box
	Score float64
}

// Param is a named tensor together with its gradient buffer.
type Param struct {
	Name string
	Data []float64
	Grad []float64
}

// State is a serializable snapshot of a detector's tensors.
type State struct {
	NumClasses int                  `json:"num_classes"`
	Stride     int                  `json:"stride"`
	Tensors    map[string][]float64 `json:"tensors"`
}

// Detector is the minimal training surface the driver needs. The driver
// treats the network as opaque: it forwards batches, asks for a backward
// pass, and hands the parameters to the optimizer.
type Detector interface {
	// Stride is the feature stride; batch images must be padded to a
	// multiple of it.
	Stride() int
	// Forward runs the network on a batch and caches activations for
	// Backward. Targets use the same pixel coordinates as the images.
	Forward(images []Plane, targets [][]Box) Losses
	// Backward fills the parameter gradients from the last Forward,
	// multiplying the loss by scale first.
	Backward(scale float64)
	// Params exposes the trainable tensors.
	Params() []*Param
	// Detect runs inference and returns scored boxes per image.
	Detect(images []Plane) [][]Detection
	State() State
	LoadState(State) error
}
