package cets

import (
	"context"
	"log/slog"

	"github.com/bioimaging/cetsforge/internal/definition"
	"github.com/bioimaging/cetsforge/internal/empiar"
)

// Converter runs the full conversion for one accession: resolve, build
// transforms, assemble, persist. One accession per invocation; the caller
// serializes concurrent conversions of the same accession.
type Converter struct {
	Resolver  *empiar.Resolver
	OutputDir string
	Logger    *slog.Logger
}

// Convert produces and persists the dataset artifact for a definition.
// The returned report carries the non-fatal per-file parse failures.
func (c *Converter) Convert(ctx context.Context, def *definition.Definition) (*Dataset, *empiar.Report, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	records, report, err := c.Resolver.Resolve(ctx, def)
	if err != nil {
		return nil, nil, err
	}
	for _, malformed := range report.Malformed {
		logger.Warn("skipped malformed source", "error", malformed)
	}

	transforms := BuildTransforms(records)

	dataset, err := Assemble(def.AccessionID, records, transforms)
	if err != nil {
		return nil, report, err
	}

	path, err := Save(c.OutputDir, dataset)
	if err != nil {
		return nil, report, err
	}
	logger.Info("saved dataset", "accession", def.AccessionID, "path", path)

	return dataset, report, nil
}
