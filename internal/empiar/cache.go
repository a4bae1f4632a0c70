package empiar

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvCacheRoot overrides the default cache location when set.
const EnvCacheRoot = "CETSFORGE_CACHE_DIR"

// Cache is the per-run local cache of fetched and parsed archive files.
// Layout below the root, per accession:
//
//	<accession>/files/all_files.json   archive file listing
//	<accession>/mdoc/<label>.json      parsed mdoc records
//	<accession>/xf/<label>.json        parsed alignment records
//	<accession>/star/<label>.json      parsed annotation points
//	<accession>/volumes/cache_<name>   fetched tomogram volumes
//
// The access discipline is check-then-fetch-then-store; concurrent writes
// for the same accession are not supported.
type Cache struct {
	Root string
}

// DefaultRoot resolves the cache root: $CETSFORGE_CACHE_DIR if set,
// otherwise the user cache directory.
func DefaultRoot() (string, error) {
	if env := os.Getenv(EnvCacheRoot); env != "" {
		return env, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "cetsforge"), nil
}

// NewCache returns a cache rooted at root.
func NewCache(root string) *Cache {
	return &Cache{Root: root}
}

// FileListPath returns the cached listing path for an accession.
func (c *Cache) FileListPath(accessionID string) string {
	return filepath.Join(c.Root, accessionID, "files", "all_files.json")
}

// MdocPath returns the cached parsed-mdoc path for a labeled file.
func (c *Cache) MdocPath(accessionID, label string) string {
	return filepath.Join(c.Root, accessionID, "mdoc", label+".json")
}

// XFPath returns the cached parsed-alignment path for a labeled file.
func (c *Cache) XFPath(accessionID, label string) string {
	return filepath.Join(c.Root, accessionID, "xf", label+".json")
}

// StarPath returns the cached annotation-points path for a labeled file.
func (c *Cache) StarPath(accessionID, label string) string {
	return filepath.Join(c.Root, accessionID, "star", label+".json")
}

// HeaderPath returns the cached tomogram-geometry path for a labeled file.
func (c *Cache) HeaderPath(accessionID, label string) string {
	return filepath.Join(c.Root, accessionID, "headers", label+".json")
}

// VolumePath returns the cached volume path for a tomogram file name.
func (c *Cache) VolumePath(accessionID, name string) string {
	return filepath.Join(c.Root, accessionID, "volumes", "cache_"+name)
}

// Store writes data to path, creating parent directories as needed.
func (c *Cache) Store(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache file %s: %w", path, err)
	}
	return nil
}

// Load reads a cached file; ok is false when the entry does not exist.
func (c *Cache) Load(path string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache file %s: %w", path, err)
	}
	return data, true, nil
}
