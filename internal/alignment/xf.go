// Package alignment parses IMOD .xf projection alignment files and builds
// the normalized 3-D spatial transforms attached to images and tomograms.
package alignment

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ProjectionAlignment is one line of an .xf file: the in-plane 2×2 rotation
// (or skew) matrix and the x/y shift aligning one projection of a tilt
// series. Section is the zero-based line index.
type ProjectionAlignment struct {
	Section  int           `json:"section"`
	Rotation [2][2]float64 `json:"rotation"`
	Shift    [2]float64    `json:"shift"`
}

// SkippedLine records a non-fatal .xf parse failure.
type SkippedLine struct {
	Line   int
	Reason string
}

// XFReport summarizes one .xf parse: how many data lines were seen and which
// were skipped as malformed.
type XFReport struct {
	Lines   int
	Skipped []SkippedLine
}

// ParseXF reads an .xf stream. Each non-empty line must hold six floats:
// a11 a12 a21 a22 dx dy. Malformed lines are skipped and recorded in the
// report rather than failing the whole file.
func ParseXF(r io.Reader) ([]ProjectionAlignment, *XFReport, error) {
	report := &XFReport{}
	var alignments []ProjectionAlignment

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		report.Lines++

		fields := strings.Fields(line)
		if len(fields) != 6 {
			report.Skipped = append(report.Skipped, SkippedLine{
				Line:   lineNo,
				Reason: fmt.Sprintf("has %d values instead of 6", len(fields)),
			})
			continue
		}

		values := make([]float64, 6)
		ok := true
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				report.Skipped = append(report.Skipped, SkippedLine{
					Line:   lineNo,
					Reason: fmt.Sprintf("value %q is not a number", f),
				})
				ok = false
				break
			}
			values[i] = v
		}
		if !ok {
			continue
		}

		alignments = append(alignments, ProjectionAlignment{
			Section:  len(alignments),
			Rotation: [2][2]float64{{values[0], values[1]}, {values[2], values[3]}},
			Shift:    [2]float64{values[4], values[5]},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read xf: %w", err)
	}

	if report.Lines > 0 && len(alignments) == 0 {
		return nil, report, fmt.Errorf("xf contains no parsable alignment lines")
	}

	return alignments, report, nil
}
