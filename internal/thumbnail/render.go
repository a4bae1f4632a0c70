package thumbnail

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/bioimaging/cetsforge/internal/alignment"
)

// Request is the ephemeral parameter set of one thumbnail generation call.
type Request struct {
	Width           int
	Height          int
	Method          Method
	LimitProjection float64
	LimitAnnotation float64
}

// DefaultRequest returns the documented defaults: 256×256, max projection,
// half the slices and half the annotation depth.
func DefaultRequest() Request {
	return Request{
		Width:           256,
		Height:          256,
		Method:          DefaultMethod,
		LimitProjection: 0.5,
		LimitAnnotation: 0.5,
	}
}

// Validate rejects bad parameters before any I/O or computation.
func (r Request) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: thumbnail size must be positive, got %dx%d", ErrInvalidParameter, r.Width, r.Height)
	}
	if _, err := ParseMethod(string(r.Method)); err != nil {
		return err
	}
	if r.LimitProjection < 0 || r.LimitProjection > 1 {
		return fmt.Errorf("%w: limit-projection must be within [0, 1], got %v", ErrInvalidParameter, r.LimitProjection)
	}
	if r.LimitAnnotation < 0 || r.LimitAnnotation > 1 {
		return fmt.Errorf("%w: limit-annotation must be within [0, 1], got %v", ErrInvalidParameter, r.LimitAnnotation)
	}
	return nil
}

// ScaleFactor is the single uniform factor fitting a source into the target
// bounds while preserving aspect ratio exactly.
func ScaleFactor(srcWidth, srcHeight, targetWidth, targetHeight int) float64 {
	return math.Min(
		float64(targetWidth)/float64(srcWidth),
		float64(targetHeight)/float64(srcHeight),
	)
}

// ToGray maps a projection to an 8-bit grayscale image using min-max
// normalization, flipping it vertically to match the display orientation of
// the source volumes. A flat projection maps to mid-gray.
func ToGray(grid *Grid) *image.Gray {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range grid.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	img := image.NewGray(image.Rect(0, 0, grid.Width, grid.Height))
	span := hi - lo
	for y := 0; y < grid.Height; y++ {
		srcRow := grid.Pix[y*grid.Width : (y+1)*grid.Width]
		dstY := grid.Height - 1 - y
		for x, v := range srcRow {
			var g uint8
			if span > 0 {
				g = uint8(math.Round((v - lo) / span * 255))
			} else {
				g = 128
			}
			img.SetGray(x, dstY, color.Gray{Y: g})
		}
	}
	return img
}

// Resize scales an image by the uniform factor for the target bounds. The
// output matches the requested bound on at least one axis; the same rule
// upscales sources smaller than the target.
func Resize(src image.Image, targetWidth, targetHeight int) *image.RGBA {
	bounds := src.Bounds()
	scale := ScaleFactor(bounds.Dx(), bounds.Dy(), targetWidth, targetHeight)

	outW := int(math.Round(float64(bounds.Dx()) * scale))
	outH := int(math.Round(float64(bounds.Dy()) * scale))
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
	return dst
}

var markerColor = color.RGBA{R: 0, G: 255, B: 255, A: 255}

const markerRadius = 3

// Compose overlays annotation points on a resized projection. Points are
// filtered by the same centered-window policy as the slice projection,
// applied to their z coordinate over the volume depth, then mapped through
// the tomogram transform and scaled by the resize factor. Returns how many
// points were drawn.
func Compose(img *image.RGBA, points [][3]float64, transform alignment.SpatialTransform, depth int, limitAnnotation, scale float64) int {
	window := SliceWindow(depth, limitAnnotation)

	used := 0
	for _, p := range points {
		mapped := transform.Apply(p)
		z := mapped[2]
		if z < float64(window.Start) || z >= float64(window.End) {
			continue
		}
		drawMarker(img, mapped[0]*scale, mapped[1]*scale)
		used++
	}
	return used
}

// drawMarker renders a one-pixel circle outline centered on (cx, cy).
func drawMarker(img *image.RGBA, cx, cy float64) {
	bounds := img.Bounds()
	steps := 24
	for i := 0; i < steps; i++ {
		angle := 2 * math.Pi * float64(i) / float64(steps)
		x := int(math.Round(cx + markerRadius*math.Cos(angle)))
		y := int(math.Round(cy + markerRadius*math.Sin(angle)))
		if image.Pt(x, y).In(bounds) {
			img.SetRGBA(x, y, markerColor)
		}
	}
}
