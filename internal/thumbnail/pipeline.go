package thumbnail

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bioimaging/cetsforge/internal/alignment"
	"github.com/bioimaging/cetsforge/internal/cets"
	"github.com/bioimaging/cetsforge/internal/empiar"
	"github.com/bioimaging/cetsforge/internal/mrc"
)

// Fetcher opens the public URLs recorded in a converted dataset.
type Fetcher interface {
	FetchURL(ctx context.Context, url string) (io.ReadCloser, error)
}

// Generator renders thumbnails for every tomogram of a converted dataset.
// Volumes are fetched once and kept in the cache across invocations.
type Generator struct {
	Fetcher   Fetcher
	Cache     *empiar.Cache
	OutputDir string
	Logger    *slog.Logger
}

// Result describes one written thumbnail.
type Result struct {
	Tomogram   string
	Path       string
	Width      int
	Height     int
	Window     Window
	PointsUsed int
}

// Generate loads the converted dataset for an accession and writes one
// thumbnail per tomogram under <output>/<accession>/thumbnails. Parameters
// are validated before any file is read or written.
func (g *Generator) Generate(ctx context.Context, accessionID string, req Request) ([]Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	dataset, err := cets.Load(g.OutputDir, accessionID)
	if err != nil {
		return nil, err
	}
	tomograms := dataset.Tomograms()
	if len(tomograms) == 0 {
		return nil, fmt.Errorf("%w: dataset %s has no tomograms", cets.ErrMissingDataset, accessionID)
	}

	outDir := filepath.Join(g.OutputDir, accessionID, "thumbnails")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create thumbnail dir: %w", err)
	}

	results := make([]Result, 0, len(tomograms))
	for _, tomo := range tomograms {
		result, err := g.render(ctx, accessionID, tomo, req, outDir)
		if err != nil {
			return nil, fmt.Errorf("thumbnail for tomogram %s: %w", tomo.Name, err)
		}
		results = append(results, *result)
	}
	return results, nil
}

func (g *Generator) render(ctx context.Context, accessionID string, tomo cets.Tomogram, req Request, outDir string) (*Result, error) {
	volume, err := g.loadVolume(ctx, accessionID, tomo)
	if err != nil {
		return nil, err
	}

	grid, window, err := Project(volume, req.Method, req.LimitProjection)
	if err != nil {
		return nil, err
	}

	img := Resize(ToGray(grid), req.Width, req.Height)
	scale := ScaleFactor(grid.Width, grid.Height, req.Width, req.Height)

	transform := alignment.FromMatrix(tomo.Transform.Space, tomo.Transform.Matrix)
	used := 0
	for _, ann := range tomo.Annotations {
		used += Compose(img, ann.Points, transform, volume.Nz, req.LimitAnnotation, scale)
	}

	outPath := filepath.Join(outDir, fmt.Sprintf("%s_%s_thumbnail.png", tomo.Name, req.Method))
	if err := writePNG(outPath, img); err != nil {
		return nil, err
	}

	g.Logger.Info("thumbnail written",
		"tomogram", tomo.Name,
		"method", string(req.Method),
		"slices", window.End-window.Start,
		"points", used,
		"path", outPath)

	return &Result{
		Tomogram:   tomo.Name,
		Path:       outPath,
		Width:      img.Bounds().Dx(),
		Height:     img.Bounds().Dy(),
		Window:     window,
		PointsUsed: used,
	}, nil
}

// loadVolume returns the tomogram volume, fetching and caching it on first
// use. The header was already validated during conversion, so a short or
// inconsistent body here is a hard error.
func (g *Generator) loadVolume(ctx context.Context, accessionID string, tomo cets.Tomogram) (*mrc.Volume, error) {
	cachePath := g.Cache.VolumePath(accessionID, tomo.Name)
	if _, err := os.Stat(cachePath); os.IsNotExist(err) {
		if err := g.fetchVolume(ctx, tomo.Path, cachePath); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("stat cached volume: %w", err)
	}

	f, err := os.Open(cachePath)
	if err != nil {
		return nil, fmt.Errorf("open cached volume: %w", err)
	}
	defer f.Close()

	volume, err := mrc.ReadVolume(f)
	if err != nil {
		return nil, fmt.Errorf("read volume %s: %w", tomo.Name, err)
	}
	return volume, nil
}

func (g *Generator) fetchVolume(ctx context.Context, url, cachePath string) error {
	g.Logger.Info("fetching tomogram volume", "url", url)

	body, err := g.Fetcher.FetchURL(ctx, url)
	if err != nil {
		return fmt.Errorf("fetch volume: %w", err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return fmt.Errorf("create volume cache dir: %w", err)
	}
	tmp := cachePath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create volume cache file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download volume: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close volume cache file: %w", err)
	}
	if err := os.Rename(tmp, cachePath); err != nil {
		return fmt.Errorf("commit volume cache file: %w", err)
	}
	return nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create thumbnail file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close thumbnail file: %w", err)
	}
	return nil
}
