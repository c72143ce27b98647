package augment

import (
	"fmt"
	"image"
	"math/rand"
	"strings"
)

// checkParams rejects keys no factory reads, so a misspelled or misplaced
// parameter fails loudly instead of silently falling back to a default.
func checkParams(params map[string]any, allowed ...string) error {
	for key := range params {
		known := false
		for _, a := range allowed {
			if key == a {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown parameter %q (supported: %s)",
				key, strings.Join(allowed, ", "))
		}
	}
	return nil
}

func paramFloat(params map[string]any, key string, def float64) (float64, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("parameter %s: expected number, got %T", key, v)
	}
}

func paramProb(params map[string]any, def float64) (float64, error) {
	p, err := paramFloat(params, "p", def)
	if err != nil {
		return 0, err
	}
	if p < 0 || p > 1 {
		return 0, fmt.Errorf("parameter p: must be in [0, 1], got %g", p)
	}
	return p, nil
}

type horizontalFlip struct {
	p float64
}

func newHorizontalFlip(params map[string]any) (Transform, error) {
	if err := checkParams(params, "p"); err != nil {
		return nil, err
	}
	p, err := paramProb(params, 0.5)
	if err != nil {
		return nil, err
	}
	return &horizontalFlip{p: p}, nil
}

func (t *horizontalFlip) String() string {
	return fmt.Sprintf("HorizontalFlip(p=%g)", t.p)
}

func (t *horizontalFlip) Apply(rng *rand.Rand, s Sample) Sample {
	if rng.Float64() >= t.p {
		return s
	}
	bounds := s.Image.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(x, y, s.Image.At(bounds.Min.X+w-1-x, bounds.Min.Y+y))
		}
	}
	s.Image = dst
	for i := range s.Boxes {
		s.Boxes[i].X = float64(w) - s.Boxes[i].X - s.Boxes[i].W
	}
	return s
}

type verticalFlip struct {
	p float64
}

func newVerticalFlip(params map[string]any) (Transform, error) {
	if err := checkParams(params, "p"); err != nil {
		return nil, err
	}
	p, err := paramProb(params, 0.5)
	if err != nil {
		return nil, err
	}
	return &verticalFlip{p: p}, nil
}

func (t *verticalFlip) String() string {
	return fmt.Sprintf("VerticalFlip(p=%g)", t.p)
}

func (t *verticalFlip) Apply(rng *rand.Rand, s Sample) Sample {
	if rng.Float64() >= t.p {
		return s
	}
	bounds := s.Image.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(x, y, s.Image.At(bounds.Min.X+x, bounds.Min.Y+h-1-y))
		}
	}
	s.Image = dst
	for i := range s.Boxes {
		s.Boxes[i].Y = float64(h) - s.Boxes[i].Y - s.Boxes[i].H
	}
	return s
}

type randomBrightnessContrast struct {
	brightness float64
	contrast   float64
	p          float64
}

func newRandomBrightnessContrast(params map[string]any) (Transform, error) {
	if err := checkParams(params, "p", "brightness_limit", "contrast_limit"); err != nil {
		return nil, err
	}
	b, err := paramFloat(params, "brightness_limit", 0.2)
	if err != nil {
		return nil, err
	}
	c, err := paramFloat(params, "contrast_limit", 0.2)
	if err != nil {
		return nil, err
	}
	p, err := paramProb(params, 0.5)
	if err != nil {
		return nil, err
	}
	return &randomBrightnessContrast{brightness: b, contrast: c, p: p}, nil
}

func (t *randomBrightnessContrast) String() string {
	return fmt.Sprintf("RandomBrightnessContrast(brightness_limit=%g, contrast_limit=%g, p=%g)",
		t.brightness, t.contrast, t.p)
}

func (t *randomBrightnessContrast) Apply(rng *rand.Rand, s Sample) Sample {
	if rng.Float64() >= t.p {
		return s
	}
	shift := (rng.Float64()*2 - 1) * t.brightness * 255
	gain := 1 + (rng.Float64()*2-1)*t.contrast

	bounds := s.Image.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			i := s.Image.PixOffset(x, y)
			o := dst.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
			for c := 0; c < 3; c++ {
				dst.Pix[o+c] = clampByte(gain*(float64(s.Image.Pix[i+c])-127.5) + 127.5 + shift)
			}
			dst.Pix[o+3] = s.Image.Pix[i+3]
		}
	}
	s.Image = dst
	return s
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

type randomCrop struct {
	height int
	width  int
	p      float64
}

func newRandomCrop(params map[string]any) (Transform, error) {
	if err := checkParams(params, "p", "height", "width"); err != nil {
		return nil, err
	}
	h, err := paramFloat(params, "height", 0)
	if err != nil {
		return nil, err
	}
	w, err := paramFloat(params, "width", 0)
	if err != nil {
		return nil, err
	}
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("height and width must be > 0 (got %g x %g)", w, h)
	}
	p, err := paramProb(params, 1.0)
	if err != nil {
		return nil, err
	}
	return &randomCrop{height: int(h), width: int(w), p: p}, nil
}

func (t *randomCrop) String() string {
	return fmt.Sprintf("RandomCrop(height=%d, width=%d, p=%g)", t.height, t.width, t.p)
}

func (t *randomCrop) Apply(rng *rand.Rand, s Sample) Sample {
	if rng.Float64() >= t.p {
		return s
	}
	bounds := s.Image.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < t.width || h < t.height {
		return s
	}
	x0 := rng.Intn(w - t.width + 1)
	y0 := rng.Intn(h - t.height + 1)

	dst := image.NewRGBA(image.Rect(0, 0, t.width, t.height))
	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			dst.Set(x, y, s.Image.At(bounds.Min.X+x0+x, bounds.Min.Y+y0+y))
		}
	}
	s.Image = dst
	for i := range s.Boxes {
		s.Boxes[i] = clipBox(shiftBox(s.Boxes[i], -float64(x0), -float64(y0)), t.width, t.height)
	}
	return s
}

func shiftBox(b Box, dx, dy float64) Box {
	b.X += dx
	b.Y += dy
	return b
}

// clipBox intersects a box with the image rectangle; a box fully outside
// becomes zero-sized and is later filtered by the pipeline.
func clipBox(b Box, w, h int) Box {
	x1 := b.X + b.W
	y1 := b.Y + b.H
	if b.X < 0 {
		b.X = 0
	}
	if b.Y < 0 {
		b.Y = 0
	}
	if x1 > float64(w) {
		x1 = float64(w)
	}
	if y1 > float64(h) {
		y1 = float64(h)
	}
	b.W = x1 - b.X
	b.H = y1 - b.Y
	if b.W < 0 {
		b.W = 0
	}
	if b.H < 0 {
		b.H = 0
	}
	return b
}

type randomRotate90 struct {
	p float64
}

func newRandomRotate90(params map[string]any) (Transform, error) {
	if err := checkParams(params, "p"); err != nil {
		return nil, err
	}
	p, err := paramProb(params, 0.5)
	if err != nil {
		return nil, err
	}
	return &randomRotate90{p: p}, nil
}

func (t *randomRotate90) String() string {
	return fmt.Sprintf("RandomRotate90(p=%g)", t.p)
}

func (t *randomRotate90) Apply(rng *rand.Rand, s Sample) Sample {
	if rng.Float64() >= t.p {
		return s
	}
	for k := rng.Intn(3) + 1; k > 0; k-- {
		s = rotate90CW(s)
	}
	return s
}

func rotate90CW(s Sample) Sample {
	bounds := s.Image.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < w; y++ {
		for x := 0; x < h; x++ {
			// dst(x, y) <- src(y, h-1-x)
			dst.Set(x, y, s.Image.At(bounds.Min.X+y, bounds.Min.Y+h-1-x))
		}
	}
	s.Image = dst
	for i := range s.Boxes {
		b := s.Boxes[i]
		s.Boxes[i] = Box{
			X:        float64(h) - b.Y - b.H,
			Y:        b.X,
			W:        b.H,
			H:        b.W,
			Category: b.Category,
		}
	}
	return s
}
