package empiar

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/bioimaging/cetsforge/internal/definition"
)

// fakeClient serves canned file contents and counts every fetch.
type fakeClient struct {
	listing    *FileList
	contents   map[string][]byte
	listCalls  int
	fetchCalls map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		listing:    &FileList{},
		contents:   make(map[string][]byte),
		fetchCalls: make(map[string]int),
	}
}

func (c *fakeClient) addFile(relPath string, content []byte) {
	c.listing.Files = append(c.listing.Files, File{Path: relPath, SizeInBytes: int64(len(content))})
	c.contents[relPath] = content
}

func (c *fakeClient) ListFiles(_ context.Context, _ string) (*FileList, error) {
	c.listCalls++
	return c.listing, nil
}

func (c *fakeClient) Fetch(_ context.Context, _ string, relPath string) (io.ReadCloser, error) {
	content, ok := c.contents[relPath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", relPath)
	}
	c.fetchCalls[relPath]++
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (c *fakeClient) FileURL(accessionNo, relPath string) string {
	return fmt.Sprintf("https://example.org/%s/data/%s", accessionNo, relPath)
}

func (c *fakeClient) FetchURL(ctx context.Context, url string) (io.ReadCloser, error) {
	for rel := range c.contents {
		if strings.HasSuffix(url, rel) {
			return c.Fetch(ctx, "", rel)
		}
	}
	return nil, fmt.Errorf("no such url: %s", url)
}

// mrcBytes builds a minimal MRC file with a blank volume.
func mrcBytes(nx, ny, nz int) []byte {
	header := make([]byte, 1024)
	le := binary.LittleEndian
	le.PutUint32(header[0:], uint32(nx))
	le.PutUint32(header[4:], uint32(ny))
	le.PutUint32(header[8:], uint32(nz))
	le.PutUint32(header[12:], 2) // float32
	le.PutUint32(header[28:], uint32(nx))
	le.PutUint32(header[32:], uint32(ny))
	le.PutUint32(header[36:], uint32(nz))
	le.PutUint32(header[40:], math.Float32bits(float32(nx)*10))
	le.PutUint32(header[44:], math.Float32bits(float32(ny)*10))
	le.PutUint32(header[48:], math.Float32bits(float32(nz)*10))
	body := make([]byte, 4*nx*ny*nz)
	return append(header, body...)
}

const testMdoc = `PixelSpacing = 10.0
ImageSize = 4 4

[ZValue = 0]
TiltAngle = -30.0
StagePosition = 1.0 2.0

[ZValue = 1]
TiltAngle = 0.0
StagePosition = 1.1 2.1
`

const testXF = `1.0 0.0 0.0 1.0 0.0 0.0
1.0 0.0 0.0 1.0 2.5 -1.0
`

const testStar = `
loop_
_rlnCoordinateX #1
_rlnCoordinateY #2
_rlnCoordinateZ #3
1.0 2.0 3.0
2.0 3.0 1.0
`

func testDefinition(t *testing.T) *definition.Definition {
	t.Helper()
	def, err := definition.Parse(strings.NewReader(`regions:
  - title: TS_001
    tilt_series_metadata:
      label: ts_001_mdoc
      file_pattern: "mdoc/TS_001.mrc.mdoc"
    tilt_series:
      - label: ts_001
        file_pattern: "tiltseries/TS_001.mrc"
    alignments:
      label: ts_001_xf
      file_pattern: "alignments/TS_001.xf"
    tomograms:
      - label: tomo_001
        file_pattern: "tomograms/*_rec.mrc"
    annotations:
      - label: particles
        annotation_type: point
        file_name: "annotations/particles.star"
`))
	if err != nil {
		t.Fatalf("Parse definition failed: %v", err)
	}
	def.AccessionID = "EMPIAR-10001"
	return def
}

func populatedClient() *fakeClient {
	client := newFakeClient()
	client.addFile("mdoc/TS_001.mrc.mdoc", []byte(testMdoc))
	client.addFile("tiltseries/TS_001.mrc", mrcBytes(4, 4, 2))
	client.addFile("alignments/TS_001.xf", []byte(testXF))
	client.addFile("tomograms/TS_001_rec.mrc", mrcBytes(4, 4, 4))
	client.addFile("annotations/particles.star", []byte(testStar))
	return client
}

func newTestResolver(t *testing.T, client Client) *Resolver {
	t.Helper()
	cache := NewCache(t.TempDir())
	return NewResolver(client, cache, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolve_FullRegion(t *testing.T) {
	client := populatedClient()
	resolver := newTestResolver(t, client)

	records, report, err := resolver.Resolve(context.Background(), testDefinition(t))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(report.Malformed) != 0 {
		t.Errorf("Expected clean report, got %d malformed sources", len(report.Malformed))
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}

	record := records[0]
	if record.TiltSeriesMeta == nil || len(record.TiltSeriesMeta.Sections) != 2 {
		t.Error("Tilt series metadata not resolved")
	}
	if len(record.Alignments) != 2 {
		t.Errorf("Expected 2 alignments, got %d", len(record.Alignments))
	}
	if len(record.Tomograms) != 1 {
		t.Fatalf("Expected 1 tomogram, got %d", len(record.Tomograms))
	}

	tomo := record.Tomograms[0]
	if tomo.Name != "TS_001_rec" {
		t.Errorf("Tomogram name = %q, want TS_001_rec", tomo.Name)
	}
	if tomo.Width != 4 || tomo.Height != 4 || tomo.Depth != 4 {
		t.Errorf("Tomogram dims = %dx%dx%d, want 4x4x4", tomo.Width, tomo.Height, tomo.Depth)
	}
	if tomo.VoxelSize[0] != 10 {
		t.Errorf("Voxel size = %v, want 10", tomo.VoxelSize[0])
	}
	if !strings.HasPrefix(tomo.URL, "https://example.org/") {
		t.Errorf("Tomogram URL not built by client: %q", tomo.URL)
	}

	if len(record.Annotations) != 1 || len(record.Annotations[0].Points) != 2 {
		t.Errorf("Annotations not resolved: %+v", record.Annotations)
	}
}

func TestResolve_CacheIdempotent(t *testing.T) {
	client := populatedClient()
	cache := NewCache(t.TempDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := NewResolver(client, cache, logger)

	first, _, err := resolver.Resolve(context.Background(), testDefinition(t))
	if err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}

	// a fresh resolver over the same cache must not refetch metadata
	resolver2 := NewResolver(client, cache, logger)
	second, _, err := resolver2.Resolve(context.Background(), testDefinition(t))
	if err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}

	if client.listCalls != 1 {
		t.Errorf("File listing fetched %d times, want 1", client.listCalls)
	}
	if got := client.fetchCalls["mdoc/TS_001.mrc.mdoc"]; got != 1 {
		t.Errorf("mdoc fetched %d times, want 1", got)
	}
	if got := client.fetchCalls["alignments/TS_001.xf"]; got != 1 {
		t.Errorf("xf fetched %d times, want 1", got)
	}
	if got := client.fetchCalls["annotations/particles.star"]; got != 1 {
		t.Errorf("star fetched %d times, want 1", got)
	}
	if got := client.fetchCalls["tomograms/TS_001_rec.mrc"]; got != 1 {
		t.Errorf("tomogram header fetched %d times, want 1", got)
	}

	if len(first[0].Alignments) != len(second[0].Alignments) {
		t.Error("Cached resolve returned different alignments")
	}
	if first[0].TiltSeriesMeta.Sections[0].Fields["TiltAngle"] != second[0].TiltSeriesMeta.Sections[0].Fields["TiltAngle"] {
		t.Error("Cached resolve returned different mdoc values")
	}
}

func TestResolve_MalformedSourceSkipped(t *testing.T) {
	client := populatedClient()
	client.contents["alignments/TS_001.xf"] = []byte("garbage that is not an xf\n")
	resolver := newTestResolver(t, client)

	records, report, err := resolver.Resolve(context.Background(), testDefinition(t))
	if err != nil {
		t.Fatalf("Resolve should tolerate malformed auxiliary files: %v", err)
	}
	if len(report.Malformed) != 1 {
		t.Fatalf("Expected 1 malformed source, got %d", len(report.Malformed))
	}
	if report.Malformed[0].Label != "ts_001_xf" {
		t.Errorf("Malformed source label = %q, want ts_001_xf", report.Malformed[0].Label)
	}
	if records[0].Alignments != nil {
		t.Error("Malformed alignments should be absent from the record")
	}
	// the rest of the region still resolves
	if len(records[0].Tomograms) != 1 {
		t.Error("Tomograms should still resolve")
	}
}

func TestResolve_MissingTomogramPattern(t *testing.T) {
	client := populatedClient()
	client.listing.Files = client.listing.Files[:3] // drop tomogram and star
	resolver := newTestResolver(t, client)

	_, _, err := resolver.Resolve(context.Background(), testDefinition(t))
	if err == nil {
		t.Fatal("Expected error for unmatched tomogram pattern")
	}
	if !strings.Contains(err.Error(), "tomograms/*_rec.mrc") {
		t.Errorf("Error should name the pattern, got: %v", err)
	}
}

func TestFileList_Matching(t *testing.T) {
	list := &FileList{Files: []File{
		{Path: "tomograms/TS_001_rec.mrc"},
		{Path: "tomograms/TS_002_rec.mrc"},
		{Path: "tiltseries/TS_001.mrc"},
	}}

	if got := list.Matching("tomograms/*_rec.mrc"); len(got) != 2 {
		t.Errorf("Glob match returned %d paths, want 2", len(got))
	}
	if got := list.Matching("tiltseries/TS_001.mrc"); len(got) != 1 {
		t.Errorf("Exact match returned %d paths, want 1", len(got))
	}
	if _, err := list.MatchingOne("tomograms/*_rec.mrc"); err == nil {
		t.Error("MatchingOne should reject multiple matches")
	}
	if _, err := list.MatchingOne("nothing/*.mrc"); err == nil {
		t.Error("MatchingOne should reject zero matches")
	}
}
