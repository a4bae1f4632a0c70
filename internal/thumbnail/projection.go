// Package thumbnail reduces tomogram volumes to 2-D preview images: a
// configurable z-axis projection, an aspect-ratio-preserving resize and an
// optional overlay of annotation points.
package thumbnail

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/bioimaging/cetsforge/internal/mrc"
)

// ErrInvalidParameter marks a thumbnail request rejected before any
// processing begins.
var ErrInvalidParameter = errors.New("invalid parameter")

// Method selects the per-pixel z-axis reduction policy.
type Method string

const (
	// MethodMax takes the per-pixel maximum across the slice window.
	MethodMax Method = "max"
	// MethodMean takes the per-pixel arithmetic mean across the window.
	MethodMean Method = "mean"
	// MethodMiddle returns the single central slice. The slice window has
	// no effect for this method; that is intended behavior, not a bug.
	MethodMiddle Method = "middle"
)

// DefaultMethod is the projection used when none is requested.
const DefaultMethod = MethodMax

// ParseMethod validates a projection method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodMax, MethodMean, MethodMiddle:
		return Method(s), nil
	default:
		return "", fmt.Errorf("%w: projection method must be 'max', 'mean', or 'middle', got %q", ErrInvalidParameter, s)
	}
}

// Grid is a 2-D numeric image with the pixel dimensions of the source
// slices.
type Grid struct {
	Width  int
	Height int
	Pix    []float64
}

// Window is the half-open z-slice range [Start, End) a projection covered.
type Window struct {
	Start int
	End   int
}

// SliceWindow computes the centered window of round(p·n) slices, clamped to
// [1, n]. Centering makes the proportion a zoom toward the volume middle
// rather than a prefix cut.
func SliceWindow(n int, p float64) Window {
	count := int(math.Round(p * float64(n)))
	if count < 1 {
		count = 1
	}
	if count > n {
		count = n
	}
	start := (n - count) / 2
	return Window{Start: start, End: start + count}
}

// Project reduces a volume along z with the given method. The proportion
// selects the centered slice window for max and mean; middle ignores it.
func Project(vol *mrc.Volume, method Method, limitProportion float64) (*Grid, Window, error) {
	if vol == nil || vol.Nz == 0 {
		return nil, Window{}, fmt.Errorf("cannot project an empty volume")
	}
	if limitProportion < 0 || limitProportion > 1 {
		return nil, Window{}, fmt.Errorf("%w: limit proportion must be within [0, 1], got %v", ErrInvalidParameter, limitProportion)
	}

	grid := &Grid{
		Width:  vol.Nx,
		Height: vol.Ny,
		Pix:    make([]float64, vol.Nx*vol.Ny),
	}

	switch method {
	case MethodMiddle:
		mid := vol.Nz / 2
		slice := vol.Slice(mid)
		for i, v := range slice {
			grid.Pix[i] = float64(v)
		}
		return grid, Window{Start: mid, End: mid + 1}, nil

	case MethodMax, MethodMean:
		window := SliceWindow(vol.Nz, limitProportion)
		if err := reduce(vol, grid, method, window); err != nil {
			return nil, Window{}, err
		}
		return grid, window, nil

	default:
		return nil, Window{}, fmt.Errorf("%w: unknown projection method %q", ErrInvalidParameter, method)
	}
}

// reduce runs the per-pixel reduction row-parallel. Both policies are
// associative and commutative, so the row partition does not affect the
// result.
func reduce(vol *mrc.Volume, grid *Grid, method Method, window Window) error {
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())

	rows := vol.Ny
	width := vol.Nx
	for y := 0; y < rows; y++ {
		y := y
		g.Go(func() error {
			row := grid.Pix[y*width : (y+1)*width]
			switch method {
			case MethodMax:
				for x := range row {
					row[x] = math.Inf(-1)
				}
				for z := window.Start; z < window.End; z++ {
					slice := vol.Slice(z)
					for x := range row {
						if v := float64(slice[y*width+x]); v > row[x] {
							row[x] = v
						}
					}
				}
			case MethodMean:
				for z := window.Start; z < window.End; z++ {
					slice := vol.Slice(z)
					for x := range row {
						row[x] += float64(slice[y*width+x])
					}
				}
				n := float64(window.End - window.Start)
				for x := range row {
					row[x] /= n
				}
			}
			return nil
		})
	}
	return g.Wait()
}
