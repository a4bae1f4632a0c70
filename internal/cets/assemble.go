package cets

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/bioimaging/cetsforge/internal/alignment"
	"github.com/bioimaging/cetsforge/internal/empiar"
)

// RegionTransforms carries the built transforms for one region: one per
// tomogram (keyed by tomogram name) and one per tilt-series section.
type RegionTransforms struct {
	Tomograms map[string]alignment.SpatialTransform
	Sections  map[int]alignment.SpatialTransform
}

// BuildTransforms derives the transform set for every resolved region.
// Section transforms combine the mdoc stage geometry with the xf projection
// alignments; tomogram transforms map annotation-native coordinates into the
// tomogram voxel space, which for converted entries is the identity labeled
// with that space.
func BuildTransforms(records []empiar.RawRecord) map[string]RegionTransforms {
	transforms := make(map[string]RegionTransforms, len(records))
	for _, record := range records {
		region := RegionTransforms{
			Tomograms: make(map[string]alignment.SpatialTransform, len(record.Tomograms)),
		}

		geometries := alignment.Geometries(record.TiltSeriesMeta, record.Alignments)
		region.Sections = alignment.Build(record.Region.Title+"_aligned", geometries)

		for _, tomo := range record.Tomograms {
			region.Tomograms[tomo.Name] = alignment.Identity(tomo.Name + "_voxel")
		}

		transforms[record.Region.Title] = region
	}
	return transforms
}

// Assemble composes resolved records and built transforms into the dataset
// graph, bottom-up: annotations onto tomograms, tomograms and tilt series
// onto runs, runs onto the dataset. Any entity left without a transform
// fails the whole conversion; a partially valid dataset is worse than none.
func Assemble(accessionID string, records []empiar.RawRecord, transforms map[string]RegionTransforms) (*Dataset, error) {
	dataset := &Dataset{
		ID:          uuid.NewString(),
		Name:        accessionID,
		GeneratedAt: time.Now().UTC(),
		Runs:        make([]Run, 0, len(records)),
	}

	for _, record := range records {
		regionTransforms, ok := transforms[record.Region.Title]
		if !ok {
			return nil, fmt.Errorf("%w: region %q has no transforms", ErrIncompleteConversion, record.Region.Title)
		}

		run := Run{Name: record.Region.Title}

		run.MovieStacks = assembleMovieStacks(record)

		tiltSeries, err := assembleTiltSeries(record, regionTransforms)
		if err != nil {
			return nil, err
		}
		run.TiltSeries = tiltSeries

		for _, source := range record.Tomograms {
			transform, ok := regionTransforms.Tomograms[source.Name]
			if !ok {
				return nil, fmt.Errorf("%w: tomogram %q in region %q has no transform",
					ErrIncompleteConversion, source.Name, record.Region.Title)
			}
			run.Tomograms = append(run.Tomograms, Tomogram{
				Name:      source.Name,
				Path:      source.URL,
				Width:     source.Width,
				Height:    source.Height,
				Depth:     source.Depth,
				VoxelSize: source.VoxelSize,
				Transform: TransformRecord{Space: transform.Space, Matrix: transform.Matrix()},
			})
		}

		if err := attachAnnotations(&run, record); err != nil {
			return nil, err
		}

		dataset.Runs = append(dataset.Runs, run)
	}

	return dataset, nil
}

// assembleMovieStacks maps each raw movie file to its mdoc section by
// SubFramePath suffix. Files without a matching section keep section -1.
func assembleMovieStacks(record empiar.RawRecord) []MovieStack {
	var stacks []MovieStack
	for i, url := range record.MovieStackURLs {
		stack := MovieStack{Path: url, Section: -1}
		if record.MovieMeta != nil {
			base := path.Base(record.MovieStackPaths[i])
			if matches := record.MovieMeta.SectionsBySubFramePath(base); len(matches) > 0 {
				stack.Section = matches[0].ZValue
				if angle, ok := matches[0].FloatField("TiltAngle"); ok {
					stack.NominalTiltAngle = angle
				}
			}
		}
		stacks = append(stacks, stack)
	}
	return stacks
}

func assembleTiltSeries(record empiar.RawRecord, regionTransforms RegionTransforms) ([]TiltSeries, error) {
	if record.TiltSeriesURL == "" {
		return nil, nil
	}

	series := TiltSeries{Path: record.TiltSeriesURL}

	if md := record.TiltSeriesMeta; md != nil {
		width, height, err := md.ImageSize()
		if err != nil {
			return nil, fmt.Errorf("region %q tilt series: %w", record.Region.Title, err)
		}
		for i := range md.Sections {
			section := md.Sections[i].ZValue
			transform, ok := regionTransforms.Sections[section]
			if !ok {
				return nil, fmt.Errorf("%w: section %d in region %q has no transform",
					ErrIncompleteConversion, section, record.Region.Title)
			}
			angle, _ := md.Sections[i].FloatField("TiltAngle")
			series.Images = append(series.Images, ProjectionImage{
				Section:          section,
				NominalTiltAngle: angle,
				Width:            width,
				Height:           height,
				Transform:        TransformRecord{Space: transform.Space, Matrix: transform.Matrix()},
			})
		}
	}

	return []TiltSeries{series}, nil
}

// attachAnnotations assigns each annotation set to the tomogram whose depth
// range contains the set's z extent, falling back to the first tomogram when
// no range fits. Points stay in the tomogram-native space.
func attachAnnotations(run *Run, record empiar.RawRecord) error {
	if len(record.Annotations) == 0 {
		return nil
	}
	if len(run.Tomograms) == 0 {
		return fmt.Errorf("%w: region %q declares annotations but no tomograms",
			ErrIncompleteConversion, record.Region.Title)
	}

	for _, source := range record.Annotations {
		owner := 0
		for i, tomo := range run.Tomograms {
			if pointsWithinDepth(source.Points, tomo.Depth) {
				owner = i
				break
			}
		}
		run.Tomograms[owner].Annotations = append(run.Tomograms[owner].Annotations, Annotation{
			Label:  source.Label,
			Points: source.Points,
		})
	}
	return nil
}

func pointsWithinDepth(points [][3]float64, depth int) bool {
	for _, p := range points {
		if p[2] < 0 || p[2] >= float64(depth) {
			return false
		}
	}
	return true
}
