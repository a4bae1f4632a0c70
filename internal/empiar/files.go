// Package empiar resolves the remote files of an EMPIAR entry: the archive
// file listing, the auxiliary metadata files a definition declares, and the
// local cache that keeps each of them from being fetched twice.
package empiar

import (
	"fmt"
	"path"
	"strings"
)

// File is one entry of an archive file listing.
type File struct {
	Path        string `json:"path"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

// FileList is the full listing of an entry's data directory.
type FileList struct {
	Files []File `json:"files"`
}

// Matching returns the paths matching a definition file pattern. Patterns
// without glob metacharacters match exactly; otherwise path.Match semantics
// apply segment by segment, so `*` does not cross directory boundaries.
func (l *FileList) Matching(pattern string) []string {
	var matches []string
	for _, f := range l.Files {
		if matchPattern(pattern, f.Path) {
			matches = append(matches, f.Path)
		}
	}
	return matches
}

// MatchingOne returns the single path matching pattern, or an error naming
// the pattern when there are zero or several matches.
func (l *FileList) MatchingOne(pattern string) (string, error) {
	matches := l.Matching(pattern)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no files found matching pattern %q", pattern)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("multiple files (%d) found matching pattern %q", len(matches), pattern)
	}
}

func matchPattern(pattern, p string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == p
	}
	ok, err := path.Match(pattern, p)
	return err == nil && ok
}
