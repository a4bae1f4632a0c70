package alignment

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// SpatialTransform is a 4×4 affine transform labeled with the coordinate
// space it maps into. Built once per image or tomogram and treated as
// immutable afterwards.
type SpatialTransform struct {
	Space string
	m     *mat.Dense
}

// Identity returns the identity transform for a coordinate space.
func Identity(space string) SpatialTransform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return SpatialTransform{Space: space, m: m}
}

// FromMatrix builds a transform from an explicit row-major 4×4 matrix.
func FromMatrix(space string, matrix [4][4]float64) SpatialTransform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, matrix[i][j])
		}
	}
	return SpatialTransform{Space: space, m: m}
}

// Matrix returns the transform as a row-major 4×4 array.
func (t SpatialTransform) Matrix() [4][4]float64 {
	var out [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = t.m.At(i, j)
		}
	}
	return out
}

// Compose returns the transform applying t first, then next.
func (t SpatialTransform) Compose(next SpatialTransform) SpatialTransform {
	var product mat.Dense
	product.Mul(next.m, t.m)
	return SpatialTransform{Space: next.Space, m: &product}
}

// Inverse returns the inverse transform, for mapping annotation coordinates
// back into the source space.
func (t SpatialTransform) Inverse() (SpatialTransform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.m); err != nil {
		return SpatialTransform{}, fmt.Errorf("transform for %q is singular: %w", t.Space, err)
	}
	return SpatialTransform{Space: t.Space, m: &inv}, nil
}

// Apply maps a 3-D point through the transform.
func (t SpatialTransform) Apply(p [3]float64) [3]float64 {
	v := mat.NewVecDense(4, []float64{p[0], p[1], p[2], 1})
	var out mat.VecDense
	out.MulVec(t.m, v)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// SectionGeometry collects the geometric factors known for one section.
// Nil factors contribute identity.
type SectionGeometry struct {
	Section     int
	Scale       *[3]float64
	Rotation    *[2][2]float64 // in-plane, about the z axis
	Translation *[3]float64
}

// Build combines the factors of each section into one affine transform,
// composed in the fixed order scale, then rotation, then translation.
// Alignment data is order-sensitive: a different order produces numerically
// plausible but geometrically wrong transforms. Output holds exactly one
// transform per input section.
func Build(space string, geometries []SectionGeometry) map[int]SpatialTransform {
	transforms := make(map[int]SpatialTransform, len(geometries))
	for _, g := range geometries {
		transforms[g.Section] = buildOne(space, g)
	}
	return transforms
}

func buildOne(space string, g SectionGeometry) SpatialTransform {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}

	if g.Scale != nil {
		scale := mat.NewDense(4, 4, nil)
		scale.Set(0, 0, g.Scale[0])
		scale.Set(1, 1, g.Scale[1])
		scale.Set(2, 2, g.Scale[2])
		scale.Set(3, 3, 1)
		var out mat.Dense
		out.Mul(scale, m)
		m = &out
	}

	if g.Rotation != nil {
		rot := mat.NewDense(4, 4, nil)
		rot.Set(0, 0, g.Rotation[0][0])
		rot.Set(0, 1, g.Rotation[0][1])
		rot.Set(1, 0, g.Rotation[1][0])
		rot.Set(1, 1, g.Rotation[1][1])
		rot.Set(2, 2, 1)
		rot.Set(3, 3, 1)
		var out mat.Dense
		out.Mul(rot, m)
		m = &out
	}

	if g.Translation != nil {
		trans := mat.NewDense(4, 4, nil)
		for i := 0; i < 4; i++ {
			trans.Set(i, i, 1)
		}
		trans.Set(0, 3, g.Translation[0])
		trans.Set(1, 3, g.Translation[1])
		trans.Set(2, 3, g.Translation[2])
		var out mat.Dense
		out.Mul(trans, m)
		m = &out
	}

	return SpatialTransform{Space: space, m: m}
}
