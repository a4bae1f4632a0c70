package thumbnail

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bioimaging/cetsforge/internal/cets"
	"github.com/bioimaging/cetsforge/internal/empiar"
	"github.com/bioimaging/cetsforge/internal/mrc"
)

type fakeFetcher struct {
	volumes map[string][]byte
	calls   atomic.Int64
}

func (f *fakeFetcher) FetchURL(ctx context.Context, url string) (io.ReadCloser, error) {
	data, ok := f.volumes[url]
	if !ok {
		return nil, fmt.Errorf("no such url %s", url)
	}
	f.calls.Add(1)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// volumeBytes builds a minimal mode-2 MRC file with the given voxel values
// in z-major order.
func volumeBytes(nx, ny, nz int, values []float32) []byte {
	header := make([]byte, mrc.HeaderSize)
	binary.LittleEndian.PutUint32(header[0:], uint32(nx))
	binary.LittleEndian.PutUint32(header[4:], uint32(ny))
	binary.LittleEndian.PutUint32(header[8:], uint32(nz))
	binary.LittleEndian.PutUint32(header[12:], uint32(mrc.ModeFloat32))
	binary.LittleEndian.PutUint32(header[28:], uint32(nx))
	binary.LittleEndian.PutUint32(header[32:], uint32(ny))
	binary.LittleEndian.PutUint32(header[36:], uint32(nz))
	binary.LittleEndian.PutUint32(header[40:], math.Float32bits(float32(nx)))
	binary.LittleEndian.PutUint32(header[44:], math.Float32bits(float32(ny)))
	binary.LittleEndian.PutUint32(header[48:], math.Float32bits(float32(nz)))

	buf := bytes.NewBuffer(header)
	for _, v := range values {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func writeTestDataset(t *testing.T, outputDir string, tomo cets.Tomogram) {
	t.Helper()
	dataset := &cets.Dataset{
		ID:          "test-run",
		Name:        "EMPIAR-10000",
		GeneratedAt: time.Now().UTC(),
		Runs: []cets.Run{{
			Name:      "region",
			Tomograms: []cets.Tomogram{tomo},
		}},
	}
	if _, err := cets.Save(outputDir, dataset); err != nil {
		t.Fatalf("save dataset: %v", err)
	}
}

func testTomogram(url string) cets.Tomogram {
	return cets.Tomogram{
		Name:      "tomo_a",
		Path:      url,
		Width:     4,
		Height:    4,
		Depth:     3,
		VoxelSize: [3]float64{1, 1, 1},
		Transform: cets.TransformRecord{
			Space: "tomo_a_voxel",
			Matrix: [4][4]float64{
				{1, 0, 0, 0},
				{0, 1, 0, 0},
				{0, 0, 1, 0},
				{0, 0, 0, 1},
			},
		},
	}
}

func TestGenerate_WritesThumbnailAndCachesVolume(t *testing.T) {
	outputDir := t.TempDir()
	url := "https://example.org/data/tomo_a.mrc"

	values := make([]float32, 4*4*3)
	for i := range values {
		values[i] = float32(i)
	}
	fetcher := &fakeFetcher{volumes: map[string][]byte{url: volumeBytes(4, 4, 3, values)}}

	writeTestDataset(t, outputDir, testTomogram(url))

	gen := &Generator{
		Fetcher:   fetcher,
		Cache:     empiar.NewCache(t.TempDir()),
		OutputDir: outputDir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	req := DefaultRequest()
	results, err := gen.Generate(context.Background(), "EMPIAR-10000", req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	wantPath := filepath.Join(outputDir, "EMPIAR-10000", "thumbnails", "tomo_a_max_thumbnail.png")
	if results[0].Path != wantPath {
		t.Errorf("result path = %s, want %s", results[0].Path, wantPath)
	}

	f, err := os.Open(wantPath)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	// A 4x4 source fits a 256x256 target at scale 64 on both axes.
	if got := img.Bounds(); got.Dx() != 256 || got.Dy() != 256 {
		t.Errorf("thumbnail is %dx%d, want 256x256", got.Dx(), got.Dy())
	}

	// A second run serves the volume from the cache.
	if _, err := gen.Generate(context.Background(), "EMPIAR-10000", req); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("volume fetched %d times, want 1", got)
	}
}

func TestGenerate_MeanOfUniformVolume(t *testing.T) {
	outputDir := t.TempDir()
	url := "https://example.org/data/tomo_a.mrc"

	// All voxels share one value, so any projection window is flat and the
	// normalized image is uniform mid-gray.
	values := make([]float32, 4*4*3)
	for i := range values {
		values[i] = 7
	}
	fetcher := &fakeFetcher{volumes: map[string][]byte{url: volumeBytes(4, 4, 3, values)}}
	writeTestDataset(t, outputDir, testTomogram(url))

	gen := &Generator{
		Fetcher:   fetcher,
		Cache:     empiar.NewCache(t.TempDir()),
		OutputDir: outputDir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	req := DefaultRequest()
	req.Method = MethodMean
	req.LimitProjection = 1.0
	results, err := gen.Generate(context.Background(), "EMPIAR-10000", req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := results[0].Window; got != (Window{0, 3}) {
		t.Errorf("window = %+v, want full depth", got)
	}
}

func TestGenerate_MissingDataset(t *testing.T) {
	gen := &Generator{
		Fetcher:   &fakeFetcher{},
		Cache:     empiar.NewCache(t.TempDir()),
		OutputDir: t.TempDir(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	_, err := gen.Generate(context.Background(), "EMPIAR-99999", DefaultRequest())
	if !errors.Is(err, cets.ErrMissingDataset) {
		t.Fatalf("err = %v, want ErrMissingDataset", err)
	}
}

func TestGenerate_RejectsParametersBeforeIO(t *testing.T) {
	outputDir := t.TempDir()
	gen := &Generator{
		Fetcher:   &fakeFetcher{},
		Cache:     empiar.NewCache(t.TempDir()),
		OutputDir: outputDir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	req := DefaultRequest()
	req.LimitProjection = math.Inf(1)
	_, err := gen.Generate(context.Background(), "EMPIAR-10000", req)
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("err = %v, want ErrInvalidParameter", err)
	}

	// Nothing was created below the output directory.
	entries, readErr := os.ReadDir(outputDir)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if len(entries) != 0 {
		t.Errorf("output dir has %d entries, want none", len(entries))
	}
}
