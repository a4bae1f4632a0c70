package alignment

import (
	"sort"

	"github.com/bioimaging/cetsforge/internal/mdoc"
)

// Geometries merges per-section stage/beam metadata with projection
// alignments into the factor set the transform builder consumes. Rotation
// and shift come from the .xf alignment when present; translation falls back
// to the mdoc StagePosition; the in-plane scale comes from the mdoc
// PixelSpacing header. Either source may be nil.
func Geometries(md *mdoc.File, xf []ProjectionAlignment) []SectionGeometry {
	bySection := make(map[int]*SectionGeometry)

	section := func(idx int) *SectionGeometry {
		g, ok := bySection[idx]
		if !ok {
			g = &SectionGeometry{Section: idx}
			bySection[idx] = g
		}
		return g
	}

	var pixelSpacing *[3]float64
	if md != nil {
		if raw, ok := md.GlobalHeaders["PixelSpacing"]; ok {
			switch v := raw.(type) {
			case float64:
				pixelSpacing = &[3]float64{v, v, 1}
			case int:
				f := float64(v)
				pixelSpacing = &[3]float64{f, f, 1}
			}
		}

		for i := range md.Sections {
			g := section(md.Sections[i].ZValue)
			if pos, ok := md.Sections[i].FloatsField("StagePosition"); ok && len(pos) >= 2 {
				g.Translation = &[3]float64{pos[0], pos[1], 0}
			}
		}
	}

	for _, a := range xf {
		g := section(a.Section)
		rot := a.Rotation
		g.Rotation = &rot
		// xf shifts supersede the nominal stage position
		g.Translation = &[3]float64{a.Shift[0], a.Shift[1], 0}
	}

	geometries := make([]SectionGeometry, 0, len(bySection))
	for _, g := range bySection {
		g.Scale = pixelSpacing
		geometries = append(geometries, *g)
	}
	sort.Slice(geometries, func(i, j int) bool {
		return geometries[i].Section < geometries[j].Section
	})
	return geometries
}
