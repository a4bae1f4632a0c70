// Package definition loads the per-accession YAML files that declare how an
// EMPIAR entry maps onto the CETS dataset model: which remote files hold the
// tilt series, alignments, tomograms and annotations of each region.
package definition

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMissingDefinition marks a requested accession with no definition file.
var ErrMissingDefinition = errors.New("missing accession definition")

var accessionPattern = regexp.MustCompile(`^EMPIAR-(\d+)$`)

// FileRef locates one remote metadata or image file set by glob pattern.
type FileRef struct {
	Label       string `yaml:"label"`
	FilePattern string `yaml:"file_pattern"`
}

// AnnotationRef locates one annotation source file.
type AnnotationRef struct {
	Label          string `yaml:"label"`
	AnnotationType string `yaml:"annotation_type"`
	FileName       string `yaml:"file_name"`
	BlockName      string `yaml:"block_name,omitempty"`
	ImageName      string `yaml:"image_name,omitempty"`
	TomogramColumn string `yaml:"tomogram_column,omitempty"`
}

// Region is one declared acquisition region of an entry. Every field except
// Title is optional: not every entry carries every metadata type.
type Region struct {
	Title              string          `yaml:"title"`
	MovieMetadata      *FileRef        `yaml:"movie_metadata,omitempty"`
	MovieStacks        []FileRef       `yaml:"movie_stacks,omitempty"`
	TiltSeriesMetadata *FileRef        `yaml:"tilt_series_metadata,omitempty"`
	TiltSeries         []FileRef       `yaml:"tilt_series,omitempty"`
	Alignments         *FileRef        `yaml:"alignments,omitempty"`
	Tomograms          []FileRef       `yaml:"tomograms,omitempty"`
	Annotations        []AnnotationRef `yaml:"annotations,omitempty"`
}

// Definition is the parsed, validated declarative mapping for one accession.
// Immutable once loaded.
type Definition struct {
	AccessionID string   `yaml:"-"`
	Regions     []Region `yaml:"regions"`
}

// AccessionNumber returns the numeric part of an EMPIAR accession ID.
func AccessionNumber(accessionID string) (string, error) {
	m := accessionPattern.FindStringSubmatch(accessionID)
	if m == nil {
		return "", fmt.Errorf("invalid EMPIAR accession ID format: %q", accessionID)
	}
	return m[1], nil
}

// Filename returns the definition filename for an accession ID.
func Filename(accessionID string) (string, error) {
	no, err := AccessionNumber(accessionID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("empiar_%s.yaml", no), nil
}

// Load reads and validates the definition for accessionID from dir.
// A missing file is reported as ErrMissingDefinition.
func Load(dir, accessionID string) (*Definition, error) {
	name, err := Filename(accessionID)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no definition for %s at %s", ErrMissingDefinition, accessionID, path)
		}
		return nil, fmt.Errorf("open definition %s: %w", path, err)
	}
	defer f.Close()

	def, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("definition %s: %w", path, err)
	}
	def.AccessionID = accessionID
	return def, nil
}

// Parse decodes and validates a definition document. Unknown keys are
// rejected so that typos in definition files fail loudly instead of being
// silently ignored.
func Parse(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate performs the eager structural checks on a decoded definition.
func (d *Definition) Validate() error {
	if len(d.Regions) == 0 {
		return fmt.Errorf("definition declares no regions")
	}
	for i, region := range d.Regions {
		if strings.TrimSpace(region.Title) == "" {
			return fmt.Errorf("region %d has no title", i)
		}
		for _, ref := range []*FileRef{region.MovieMetadata, region.TiltSeriesMetadata, region.Alignments} {
			if ref != nil && ref.FilePattern == "" {
				return fmt.Errorf("region %q: file reference %q has no file_pattern", region.Title, ref.Label)
			}
		}
		for _, refs := range [][]FileRef{region.MovieStacks, region.TiltSeries, region.Tomograms} {
			for _, ref := range refs {
				if ref.FilePattern == "" {
					return fmt.Errorf("region %q: file reference %q has no file_pattern", region.Title, ref.Label)
				}
			}
		}
		for _, ann := range region.Annotations {
			if ann.FileName == "" {
				return fmt.Errorf("region %q: annotation %q has no file_name", region.Title, ann.Label)
			}
		}
	}
	return nil
}
