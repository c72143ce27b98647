package dataset

import (
	"image"

	"retina-forge/internal/model"
)

// scaleFor returns the resize factor that brings the short side to target
// without letting the long side exceed maxSize.
func scaleFor(w, h, target, maxSize int) float64 {
	short, long := w, h
	if h < w {
		short, long = h, w
	}
	scale := float64(target) / float64(short)
	if float64(long)*scale > float64(maxSize) {
		scale = float64(maxSize) / float64(long)
	}
	return scale
}

// resizeRGBA performs nearest-neighbor resampling by scale.
func resizeRGBA(src image.Image, scale float64) *image.RGBA {
	bounds := src.Bounds()
	w := int(float64(bounds.Dx()) * scale)
	h := int(float64(bounds.Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		sy := bounds.Min.Y + int(float64(y)/scale)
		if sy >= bounds.Max.Y {
			sy = bounds.Max.Y - 1
		}
		for x := 0; x < w; x++ {
			sx := bounds.Min.X + int(float64(x)/scale)
			if sx >= bounds.Max.X {
				sx = bounds.Max.X - 1
			}
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// toPlane converts an image to a grayscale plane padded up to a multiple of
// stride with zeros.
func toPlane(img *image.RGBA, stride int) model.Plane {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pw := padTo(w, stride)
	ph := padTo(h, stride)

	plane := model.Plane{W: pw, H: ph, Pix: make([]float64, pw*ph)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(bounds.Min.X+x, bounds.Min.Y+y)
			r, g, b := img.Pix[i], img.Pix[i+1], img.Pix[i+2]
			plane.Pix[y*pw+x] = (float64(r) + float64(g) + float64(b)) / (3 * 255.0)
		}
	}
	return plane
}

func padTo(v, stride int) int {
	if stride <= 1 {
		return v
	}
	if rem := v % stride; rem != 0 {
		return v + stride - rem
	}
	return v
}
