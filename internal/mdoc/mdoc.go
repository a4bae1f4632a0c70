// Package mdoc parses SerialEM .mdoc metadata files: a block of global
// key/value headers followed by per-section [ZValue = n] blocks describing
// each image of a tilt series or movie stack.
package mdoc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var zValuePattern = regexp.MustCompile(`^\[ZValue\s*=\s*(\d+)\]$`)

// Section is a single [ZValue = n] block.
type Section struct {
	ZValue int            `json:"z_value"`
	Fields map[string]any `json:"fields"`
}

// File is a parsed .mdoc file.
type File struct {
	GlobalHeaders map[string]any `json:"global_headers"`
	Sections      []Section      `json:"sections"`
}

// Parse reads an .mdoc stream. Key/value lines before the first section are
// global headers. [T = ...] comment lines are skipped. Values are typed as
// int, float64 or string, trying the narrower types first.
func Parse(r io.Reader) (*File, error) {
	f := &File{GlobalHeaders: make(map[string]any)}

	var current *Section
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[T =") && strings.HasSuffix(line, "]") {
			continue
		}

		if m := zValuePattern.FindStringSubmatch(line); m != nil {
			z, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("invalid ZValue header %q: %w", line, err)
			}
			f.Sections = append(f.Sections, Section{ZValue: z, Fields: make(map[string]any)})
			current = &f.Sections[len(f.Sections)-1]
			continue
		}

		if strings.HasPrefix(line, "[") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		parsed := parseValue(strings.TrimSpace(value))

		if current == nil {
			f.GlobalHeaders[key] = parsed
		} else {
			current.Fields[key] = parsed
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mdoc: %w", err)
	}

	if len(f.GlobalHeaders) == 0 && len(f.Sections) == 0 {
		return nil, fmt.Errorf("mdoc contains no headers or sections")
	}

	return f, nil
}

// parseValue converts a raw value string to int, float64 or string.
func parseValue(s string) any {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if fl, err := strconv.ParseFloat(s, 64); err == nil {
		return fl
	}
	return s
}

// FromJSON decodes a File previously serialized with encoding/json,
// restoring the int/float distinction that a plain unmarshal would lose.
func FromJSON(r io.Reader) (*File, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode mdoc json: %w", err)
	}

	normalizeNumbers(f.GlobalHeaders)
	for i := range f.Sections {
		normalizeNumbers(f.Sections[i].Fields)
	}
	return &f, nil
}

func normalizeNumbers(fields map[string]any) {
	for k, v := range fields {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		fields[k] = parseValue(n.String())
	}
}

// SectionsBySubFramePath returns the sections whose SubFramePath field ends
// with suffix, compared case-insensitively. Used to locate the section for a
// specific movie file.
func (f *File) SectionsBySubFramePath(suffix string) []*Section {
	var matches []*Section
	lowered := strings.ToLower(suffix)
	for i := range f.Sections {
		sp, ok := f.Sections[i].Fields["SubFramePath"]
		if !ok {
			continue
		}
		if strings.HasSuffix(strings.ToLower(fmt.Sprint(sp)), lowered) {
			matches = append(matches, &f.Sections[i])
		}
	}
	return matches
}

// ImageSize parses the "ImageSize" global header ("width height").
func (f *File) ImageSize() (width, height int, err error) {
	raw, ok := f.GlobalHeaders["ImageSize"]
	if !ok {
		return 0, 0, fmt.Errorf("mdoc has no ImageSize header")
	}
	parts := strings.Fields(fmt.Sprint(raw))
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed ImageSize header %q", raw)
	}
	width, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed ImageSize width %q: %w", parts[0], err)
	}
	height, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed ImageSize height %q: %w", parts[1], err)
	}
	return width, height, nil
}

// FloatField reads a numeric section field, accepting either int or float64.
func (s *Section) FloatField(name string) (float64, bool) {
	switch v := s.Fields[name].(type) {
	case int:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// FloatsField reads a whitespace-separated numeric section field such as
// StagePosition.
func (s *Section) FloatsField(name string) ([]float64, bool) {
	raw, ok := s.Fields[name]
	if !ok {
		return nil, false
	}
	if f, ok := raw.(float64); ok {
		return []float64{f}, true
	}
	if i, ok := raw.(int); ok {
		return []float64{float64(i)}, true
	}
	parts := strings.Fields(fmt.Sprint(raw))
	if len(parts) == 0 {
		return nil, false
	}
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, false
		}
		values = append(values, f)
	}
	return values, true
}
