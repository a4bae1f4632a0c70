// Package star extracts 3-D point coordinates from RELION-style STAR files.
// It implements the minimal subset needed for point annotations: data blocks
// containing a loop_ with _rlnCoordinateX/Y/Z columns.
package star

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	columnX = "_rlnCoordinateX"
	columnY = "_rlnCoordinateY"
	columnZ = "_rlnCoordinateZ"
)

// ReadCoordinates scans a STAR stream and returns the rows of the first loop
// that carries all three coordinate columns.
func ReadCoordinates(r io.Reader) ([][3]float64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		inLoop   bool
		tags     []string
		ix       = -1
		iy       = -1
		iz       = -1
		points   [][3]float64
		haveLoop bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if line == "loop_" {
			inLoop = true
			tags = nil
			ix, iy, iz = -1, -1, -1
			continue
		}

		if strings.HasPrefix(line, "data_") {
			// a new block ends any open loop
			if haveLoop {
				break
			}
			inLoop = false
			continue
		}

		if !inLoop {
			continue
		}

		if strings.HasPrefix(line, "_") {
			tag := strings.Fields(line)[0]
			switch tag {
			case columnX:
				ix = len(tags)
			case columnY:
				iy = len(tags)
			case columnZ:
				iz = len(tags)
			}
			tags = append(tags, tag)
			continue
		}

		// data row
		if ix < 0 || iy < 0 || iz < 0 {
			// loop without coordinate columns, skip its rows
			continue
		}
		haveLoop = true

		fields := strings.Fields(line)
		if len(fields) < len(tags) {
			return nil, fmt.Errorf("star row has %d fields, expected %d: %q", len(fields), len(tags), line)
		}
		x, err := strconv.ParseFloat(fields[ix], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed %s value %q: %w", columnX, fields[ix], err)
		}
		y, err := strconv.ParseFloat(fields[iy], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed %s value %q: %w", columnY, fields[iy], err)
		}
		z, err := strconv.ParseFloat(fields[iz], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed %s value %q: %w", columnZ, fields[iz], err)
		}
		points = append(points, [3]float64{x, y, z})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read star: %w", err)
	}

	if !haveLoop {
		return nil, fmt.Errorf("star contains no loop with coordinate columns")
	}

	return points, nil
}
