package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/bioimaging/cetsforge/internal/cets"
	"github.com/bioimaging/cetsforge/internal/definition"
	"github.com/bioimaging/cetsforge/internal/empiar"
	"github.com/bioimaging/cetsforge/internal/thumbnail"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		if err := runConvert(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "thumbnail":
		if err := runThumbnail(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "-version", "--version":
		fmt.Printf("cetsforge %s\n", version)
	case "help", "-help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `cetsforge converts EMPIAR cryoET entries to CETS datasets.

Usage:
  cetsforge convert [flags] <accession>     Convert an entry (e.g. EMPIAR-11756)
  cetsforge thumbnail [flags] <accession>   Render tomogram thumbnails for a converted entry
  cetsforge version                         Print the version

Run 'cetsforge <command> -help' for command flags.
`)
}

func runConvert(args []string) error {
	fs := flag.NewFlagSet("convert", flag.ExitOnError)
	output := fs.String("output", "local-data", "Output directory for converted datasets")
	definitions := fs.String("definitions", "definitions", "Directory holding accession definition files")
	cacheDir := fs.String("cache", "", "Cache directory (default: $CETSFORGE_CACHE_DIR, else the user cache dir)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("convert expects exactly one accession argument, got %d", fs.NArg())
	}
	accessionID := fs.Arg(0)

	logger := newLogger(*verbose)

	def, err := definition.Load(*definitions, accessionID)
	if err != nil {
		return err
	}

	cache, err := openCache(*cacheDir)
	if err != nil {
		return err
	}

	converter := &cets.Converter{
		Resolver:  empiar.NewResolver(empiar.NewHTTPClient(), cache, logger),
		OutputDir: *output,
		Logger:    logger,
	}

	dataset, report, err := converter.Convert(context.Background(), def)
	if err != nil {
		return err
	}

	fmt.Printf("Converted %s: %d run(s), %d tomogram(s)\n",
		accessionID, len(dataset.Runs), len(dataset.Tomograms()))
	if len(report.Malformed) > 0 {
		fmt.Printf("Skipped %d malformed source file(s); see the log for details\n", len(report.Malformed))
	}
	fmt.Printf("Dataset written to %s\n", cets.DatasetPath(*output, accessionID))
	return nil
}

func runThumbnail(args []string) error {
	fs := flag.NewFlagSet("thumbnail", flag.ExitOnError)
	size := fs.String("size", "256x256", "Thumbnail bounds as WIDTHxHEIGHT")
	projection := fs.String("projection", string(thumbnail.DefaultMethod), "Projection method: max, mean, middle")
	limitProjection := fs.Float64("limit-projection", 0.5, "Proportion of central slices to project (0 to 1)")
	limitAnnotation := fs.Float64("limit-annotation", 0.5, "Proportion of the depth to keep annotations from (0 to 1)")
	output := fs.String("output", "local-data", "Directory holding converted datasets; thumbnails land beside them")
	cacheDir := fs.String("cache", "", "Cache directory (default: $CETSFORGE_CACHE_DIR, else the user cache dir)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("thumbnail expects exactly one accession argument, got %d", fs.NArg())
	}
	accessionID := fs.Arg(0)

	width, height, err := parseSize(*size)
	if err != nil {
		return err
	}
	method, err := thumbnail.ParseMethod(*projection)
	if err != nil {
		return err
	}
	req := thumbnail.Request{
		Width:           width,
		Height:          height,
		Method:          method,
		LimitProjection: *limitProjection,
		LimitAnnotation: *limitAnnotation,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	cache, err := openCache(*cacheDir)
	if err != nil {
		return err
	}

	gen := &thumbnail.Generator{
		Fetcher:   empiar.NewHTTPClient(),
		Cache:     cache,
		OutputDir: *output,
		Logger:    newLogger(*verbose),
	}

	results, err := gen.Generate(context.Background(), accessionID, req)
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Printf("Wrote %s (%dx%d, %d slice(s), %d point(s))\n",
			r.Path, r.Width, r.Height, r.Window.End-r.Window.Start, r.PointsUsed)
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openCache(dir string) (*empiar.Cache, error) {
	if dir == "" {
		root, err := empiar.DefaultRoot()
		if err != nil {
			return nil, err
		}
		dir = root
	}
	return empiar.NewCache(dir), nil
}

// parseSize parses WIDTHxHEIGHT, e.g. "256x256".
func parseSize(s string) (width, height int, err error) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: size must be WIDTHxHEIGHT, got %q", thumbnail.ErrInvalidParameter, s)
	}
	width, err = strconv.Atoi(parts[0])
	if err == nil {
		height, err = strconv.Atoi(parts[1])
	}
	if err != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("%w: size must be WIDTHxHEIGHT with positive integers, got %q", thumbnail.ErrInvalidParameter, s)
	}
	return width, height, nil
}
