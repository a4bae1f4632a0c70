package empiar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/bioimaging/cetsforge/internal/alignment"
	"github.com/bioimaging/cetsforge/internal/definition"
	"github.com/bioimaging/cetsforge/internal/mdoc"
	"github.com/bioimaging/cetsforge/internal/mrc"
	"github.com/bioimaging/cetsforge/internal/star"
)

// MalformedSourceError records one auxiliary file that could not be parsed.
// It is non-fatal to the batch: the offending record is skipped and the
// error collected in the resolve report.
type MalformedSourceError struct {
	Accession string
	Label     string
	Path      string
	Err       error
}

func (e *MalformedSourceError) Error() string {
	return fmt.Sprintf("malformed source %s (%s) for %s: %v", e.Path, e.Label, e.Accession, e.Err)
}

func (e *MalformedSourceError) Unwrap() error { return e.Err }

// Report collects the non-fatal issues of one resolve pass.
type Report struct {
	Malformed []*MalformedSourceError
}

// TomogramSource is one resolved tomogram volume: its public URL and the
// geometry read from its MRC header.
type TomogramSource struct {
	Label     string
	Name      string // file name without the .mrc suffix
	URL       string
	Width     int
	Height    int
	Depth     int
	VoxelSize [3]float64
}

// AnnotationSource is one resolved set of 3-D annotation points, in the
// native space of its tomogram.
type AnnotationSource struct {
	Label  string
	Points [][3]float64
}

// RawRecord is the resolved, parsed state of one definition region.
type RawRecord struct {
	Region          definition.Region
	TiltSeriesURL   string
	TiltSeriesMeta  *mdoc.File
	MovieMeta       *mdoc.File
	MovieStackURLs  []string
	MovieStackPaths []string // archive-relative, parallel to MovieStackURLs
	Alignments      []alignment.ProjectionAlignment
	Tomograms       []TomogramSource
	Annotations     []AnnotationSource
}

// Resolver turns a definition into parsed raw metadata records, fetching
// each required remote file at most once per accession via the cache.
type Resolver struct {
	client Client
	cache  *Cache
	logger *slog.Logger
}

// NewResolver wires a resolver from its collaborators.
func NewResolver(client Client, cache *Cache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{client: client, cache: cache, logger: logger}
}

// Resolve produces one RawRecord per definition region. Auxiliary files the
// definition does not declare are simply absent from the record; declared
// files that fail to parse are reported and skipped.
func (r *Resolver) Resolve(ctx context.Context, def *definition.Definition) ([]RawRecord, *Report, error) {
	accessionNo, err := definition.AccessionNumber(def.AccessionID)
	if err != nil {
		return nil, nil, err
	}

	files, err := r.fileList(ctx, def.AccessionID, accessionNo)
	if err != nil {
		return nil, nil, err
	}

	report := &Report{}
	records := make([]RawRecord, 0, len(def.Regions))
	for _, region := range def.Regions {
		record := RawRecord{Region: region}

		if region.TiltSeriesMetadata != nil {
			record.TiltSeriesMeta = r.loadMdoc(ctx, def.AccessionID, accessionNo, region.TiltSeriesMetadata, report)
		}
		if region.MovieMetadata != nil {
			record.MovieMeta = r.loadMdoc(ctx, def.AccessionID, accessionNo, region.MovieMetadata, report)
		}
		if region.Alignments != nil {
			record.Alignments = r.loadXF(ctx, def.AccessionID, accessionNo, region.Alignments, report)
		}

		for _, ms := range region.MovieStacks {
			paths := files.Matching(ms.FilePattern)
			if len(paths) == 0 {
				return nil, nil, fmt.Errorf("region %q movie stack %q: no files found matching pattern %q",
					region.Title, ms.Label, ms.FilePattern)
			}
			for _, p := range paths {
				record.MovieStackPaths = append(record.MovieStackPaths, p)
				record.MovieStackURLs = append(record.MovieStackURLs, r.client.FileURL(accessionNo, p))
			}
		}

		for _, ts := range region.TiltSeries {
			relPath, err := files.MatchingOne(ts.FilePattern)
			if err != nil {
				return nil, nil, fmt.Errorf("region %q tilt series %q: %w", region.Title, ts.Label, err)
			}
			record.TiltSeriesURL = r.client.FileURL(accessionNo, relPath)
		}

		for _, tomo := range region.Tomograms {
			source, err := r.resolveTomogram(ctx, def.AccessionID, accessionNo, tomo, files)
			if err != nil {
				return nil, nil, fmt.Errorf("region %q: %w", region.Title, err)
			}
			record.Tomograms = append(record.Tomograms, source)
		}

		for _, ann := range region.Annotations {
			points := r.loadAnnotation(ctx, def.AccessionID, accessionNo, ann, report)
			if points != nil {
				record.Annotations = append(record.Annotations, AnnotationSource{
					Label:  ann.Label,
					Points: points,
				})
			}
		}

		records = append(records, record)
	}

	return records, report, nil
}

// fileList returns the archive listing, consulting the cache first.
func (r *Resolver) fileList(ctx context.Context, accessionID, accessionNo string) (*FileList, error) {
	cachePath := r.cache.FileListPath(accessionID)
	if data, ok, err := r.cache.Load(cachePath); err != nil {
		return nil, err
	} else if ok {
		var list FileList
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode cached file listing %s: %w", cachePath, err)
		}
		r.logger.Info("using cached file listing", "accession", accessionID)
		return &list, nil
	}

	list, err := r.client.ListFiles(ctx, accessionNo)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", accessionID, err)
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode file listing: %w", err)
	}
	if err := r.cache.Store(cachePath, data); err != nil {
		return nil, err
	}

	r.logger.Info("fetched file listing", "accession", accessionID, "files", len(list.Files))
	return list, nil
}

func (r *Resolver) loadMdoc(ctx context.Context, accessionID, accessionNo string, ref *definition.FileRef, report *Report) *mdoc.File {
	cachePath := r.cache.MdocPath(accessionID, ref.Label)
	if data, ok, err := r.cache.Load(cachePath); err == nil && ok {
		f, err := mdoc.FromJSON(bytes.NewReader(data))
		if err == nil {
			return f
		}
		r.logger.Warn("cached mdoc unreadable, refetching", "path", cachePath, "error", err)
	}

	body, err := r.client.Fetch(ctx, accessionNo, ref.FilePattern)
	if err != nil {
		report.Malformed = append(report.Malformed, &MalformedSourceError{
			Accession: accessionID, Label: ref.Label, Path: ref.FilePattern, Err: err,
		})
		return nil
	}
	defer body.Close()

	f, err := mdoc.Parse(body)
	if err != nil {
		report.Malformed = append(report.Malformed, &MalformedSourceError{
			Accession: accessionID, Label: ref.Label, Path: ref.FilePattern, Err: err,
		})
		return nil
	}

	if data, err := json.MarshalIndent(f, "", "  "); err == nil {
		if err := r.cache.Store(cachePath, data); err != nil {
			r.logger.Warn("store mdoc cache failed", "path", cachePath, "error", err)
		}
	}
	return f
}

func (r *Resolver) loadXF(ctx context.Context, accessionID, accessionNo string, ref *definition.FileRef, report *Report) []alignment.ProjectionAlignment {
	cachePath := r.cache.XFPath(accessionID, ref.Label)
	if data, ok, err := r.cache.Load(cachePath); err == nil && ok {
		var alignments []alignment.ProjectionAlignment
		if err := json.Unmarshal(data, &alignments); err == nil {
			return alignments
		}
		r.logger.Warn("cached alignments unreadable, refetching", "path", cachePath)
	}

	body, err := r.client.Fetch(ctx, accessionNo, ref.FilePattern)
	if err != nil {
		report.Malformed = append(report.Malformed, &MalformedSourceError{
			Accession: accessionID, Label: ref.Label, Path: ref.FilePattern, Err: err,
		})
		return nil
	}
	defer body.Close()

	alignments, xfReport, err := alignment.ParseXF(body)
	if err != nil {
		report.Malformed = append(report.Malformed, &MalformedSourceError{
			Accession: accessionID, Label: ref.Label, Path: ref.FilePattern, Err: err,
		})
		return nil
	}
	for _, skipped := range xfReport.Skipped {
		r.logger.Warn("skipped alignment line",
			"file", ref.FilePattern, "line", skipped.Line, "reason", skipped.Reason)
	}

	if data, err := json.MarshalIndent(alignments, "", "  "); err == nil {
		if err := r.cache.Store(cachePath, data); err != nil {
			r.logger.Warn("store alignment cache failed", "path", cachePath, "error", err)
		}
	}
	return alignments
}

func (r *Resolver) loadAnnotation(ctx context.Context, accessionID, accessionNo string, ref definition.AnnotationRef, report *Report) [][3]float64 {
	cachePath := r.cache.StarPath(accessionID, ref.Label)
	if data, ok, err := r.cache.Load(cachePath); err == nil && ok {
		var points [][3]float64
		if err := json.Unmarshal(data, &points); err == nil {
			return points
		}
		r.logger.Warn("cached annotation unreadable, refetching", "path", cachePath)
	}

	body, err := r.client.Fetch(ctx, accessionNo, ref.FileName)
	if err != nil {
		report.Malformed = append(report.Malformed, &MalformedSourceError{
			Accession: accessionID, Label: ref.Label, Path: ref.FileName, Err: err,
		})
		return nil
	}
	defer body.Close()

	points, err := star.ReadCoordinates(body)
	if err != nil {
		report.Malformed = append(report.Malformed, &MalformedSourceError{
			Accession: accessionID, Label: ref.Label, Path: ref.FileName, Err: err,
		})
		return nil
	}

	if data, err := json.MarshalIndent(points, "", "  "); err == nil {
		if err := r.cache.Store(cachePath, data); err != nil {
			r.logger.Warn("store annotation cache failed", "path", cachePath, "error", err)
		}
	}
	return points
}

// resolveTomogram matches the tomogram pattern to exactly one archive file
// and reads its MRC header for the volume geometry. The decoded geometry is
// cached so a later resolve does not touch the remote header again.
func (r *Resolver) resolveTomogram(ctx context.Context, accessionID, accessionNo string, ref definition.FileRef, files *FileList) (TomogramSource, error) {
	cachePath := r.cache.HeaderPath(accessionID, ref.Label)
	if data, ok, err := r.cache.Load(cachePath); err == nil && ok {
		var source TomogramSource
		if err := json.Unmarshal(data, &source); err == nil {
			return source, nil
		}
		r.logger.Warn("cached tomogram geometry unreadable, refetching", "path", cachePath)
	}

	relPath, err := files.MatchingOne(ref.FilePattern)
	if err != nil {
		return TomogramSource{}, fmt.Errorf("tomogram %q: %w", ref.Label, err)
	}

	body, err := r.client.Fetch(ctx, accessionNo, relPath)
	if err != nil {
		return TomogramSource{}, fmt.Errorf("tomogram %q: fetch header: %w", ref.Label, err)
	}
	header, err := mrc.ReadHeader(io.LimitReader(body, mrc.HeaderSize))
	body.Close()
	if err != nil {
		return TomogramSource{}, fmt.Errorf("tomogram %q: %w", ref.Label, err)
	}

	name := strings.TrimSuffix(path.Base(relPath), ".mrc")
	source := TomogramSource{
		Label:     ref.Label,
		Name:      name,
		URL:       r.client.FileURL(accessionNo, relPath),
		Width:     int(header.Nx),
		Height:    int(header.Ny),
		Depth:     int(header.Nz),
		VoxelSize: header.VoxelSize(),
	}

	if data, err := json.MarshalIndent(source, "", "  "); err == nil {
		if err := r.cache.Store(cachePath, data); err != nil {
			r.logger.Warn("store tomogram geometry cache failed", "path", cachePath, "error", err)
		}
	}
	return source, nil
}
