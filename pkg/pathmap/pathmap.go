// Package pathmap projects source-tree locations onto their destination
// counterparts. Every destination-side path the rest of the system touches is
// derived through a Mapper, which keeps the destination tree a structural
// mirror of the source tree under the two configured roots.
package pathmap

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathError reports an entry path that does not fall under the configured
// source root. Such entries do not belong to the watched tree and must not
// be mirrored.
type PathError struct {
	Root string // the configured source root
	Path string // the offending entry path
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q does not fall under source root %q", e.Path, e.Root)
}

// Mapper maps absolute paths under a source root to the corresponding paths
// under a destination root. The zero value is not usable; construct with New.
type Mapper struct {
	source      string
	destination string
}

// New returns a Mapper for the given roots. Both paths are cleaned once here
// so that Map can rely on component-wise comparison.
func New(source, destination string) Mapper {
	return Mapper{
		source:      filepath.Clean(source),
		destination: filepath.Clean(destination),
	}
}

// Source returns the configured source root.
func (m Mapper) Source() string { return m.source }

// Destination returns the configured destination root.
func (m Mapper) Destination() string { return m.destination }

// Map returns the destination counterpart of an entry path under the source
// root. The comparison is structural, over path components, so a source root
// whose name recurs deeper in the path cannot cause a mismatched strip.
// Entries outside the source root produce a *PathError.
func (m Mapper) Map(entry string) (string, error) {
	rel, err := m.Rel(entry)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return m.destination, nil
	}
	return filepath.Join(m.destination, rel), nil
}

// Rel returns the entry's path relative to the source root, or a *PathError
// if the entry does not lie under it.
func (m Mapper) Rel(entry string) (string, error) {
	cleaned := filepath.Clean(entry)
	rel, err := filepath.Rel(m.source, cleaned)
	if err != nil {
		// filepath.Rel fails when the paths cannot be related at all,
		// e.g. one is absolute and the other is not.
		return "", &PathError{Root: m.source, Path: entry}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PathError{Root: m.source, Path: entry}
	}
	return rel, nil
}
