// Package cets holds the target dataset model for converted cryoET entries
// and the assembler that builds it from resolved EMPIAR metadata. The model
// is a closed set of plain records serialized as a single JSON document; the
// structure echoes the CETS schema hierarchy: dataset, runs, tomograms,
// annotations.
package cets

import (
	"errors"
	"time"
)

// ErrIncompleteConversion marks an assembled graph that violates a
// structural invariant, e.g. a tomogram or section with no transform.
var ErrIncompleteConversion = errors.New("incomplete conversion")

// ErrMissingDataset marks a thumbnail request for an accession that has no
// converted dataset or no tomograms.
var ErrMissingDataset = errors.New("missing dataset")

// TransformRecord is a serialized spatial transform: a row-major 4×4 affine
// matrix and the coordinate space it maps into.
type TransformRecord struct {
	Space  string        `json:"space"`
	Matrix [4][4]float64 `json:"matrix"`
}

// Annotation is a labeled set of 3-D points, stored in the native coordinate
// space of the owning tomogram. Consumers apply the tomogram transform on
// demand.
type Annotation struct {
	Label  string       `json:"label"`
	Points [][3]float64 `json:"points"`
}

// Tomogram is a reconstructed 3-D volume reference with its geometry and
// exactly one governing transform.
type Tomogram struct {
	Name        string          `json:"name"`
	Path        string          `json:"path"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	Depth       int             `json:"depth"`
	VoxelSize   [3]float64      `json:"voxel_size"`
	Transform   TransformRecord `json:"transform"`
	Annotations []Annotation    `json:"annotations,omitempty"`
}

// ProjectionImage is one aligned image of a tilt series.
type ProjectionImage struct {
	Section          int             `json:"section"`
	NominalTiltAngle float64         `json:"nominal_tilt_angle"`
	Width            int             `json:"width"`
	Height           int             `json:"height"`
	Transform        TransformRecord `json:"transform"`
}

// TiltSeries is an acquired tilt series volume with per-section alignment.
type TiltSeries struct {
	Path   string            `json:"path"`
	Images []ProjectionImage `json:"images,omitempty"`
}

// MovieStack is one raw movie file mapped to its acquisition section.
type MovieStack struct {
	Path             string  `json:"path"`
	Section          int     `json:"section"`
	NominalTiltAngle float64 `json:"nominal_tilt_angle"`
}

// Run is one acquisition region of a dataset.
type Run struct {
	Name        string       `json:"name"`
	MovieStacks []MovieStack `json:"movie_stacks,omitempty"`
	TiltSeries  []TiltSeries `json:"tilt_series,omitempty"`
	Tomograms   []Tomogram   `json:"tomograms,omitempty"`
}

// Dataset is the root of the converted object graph. ID and GeneratedAt are
// provenance fields; everything else is a pure function of the inputs.
type Dataset struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	GeneratedAt time.Time `json:"generated_at"`
	Runs        []Run     `json:"runs"`
}

// Tomograms returns all tomograms across all runs.
func (d *Dataset) Tomograms() []Tomogram {
	var all []Tomogram
	for _, run := range d.Runs {
		all = append(all, run.Tomograms...)
	}
	return all
}
