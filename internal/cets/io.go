package cets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DatasetPath returns the artifact location for an accession below root:
// <root>/<accession>/dataset/<accession>.json.
func DatasetPath(root, accessionID string) string {
	return filepath.Join(root, accessionID, "dataset", accessionID+".json")
}

// Save serializes the dataset, validates it against the schema and writes
// the artifact. Serialization is a pure function of the graph: field order
// is fixed by the struct layout, so re-running an unchanged conversion
// differs only in the provenance fields.
func Save(root string, dataset *Dataset) (string, error) {
	data, err := json.MarshalIndent(dataset, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode dataset %s: %w", dataset.Name, err)
	}
	if err := ValidateDocument(data); err != nil {
		return "", fmt.Errorf("dataset %s: %w", dataset.Name, err)
	}

	path := DatasetPath(root, dataset.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dataset dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write dataset %s: %w", path, err)
	}
	return path, nil
}

// Load reads and validates a previously converted dataset. A missing
// artifact is reported as ErrMissingDataset.
func Load(root, accessionID string) (*Dataset, error) {
	path := DatasetPath(root, accessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no converted dataset for %s at %s", ErrMissingDataset, accessionID, path)
		}
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}

	if err := ValidateDocument(data); err != nil {
		return nil, fmt.Errorf("dataset %s: %w", path, err)
	}

	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("decode dataset %s: %w", path, err)
	}
	return &dataset, nil
}
