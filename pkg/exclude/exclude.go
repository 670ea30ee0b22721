// Package exclude matches relative paths against user-supplied exclusion
// patterns. Patterns are pre-analyzed into tiers so the common literal,
// prefix and suffix cases avoid glob evaluation entirely.
package exclude

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fsmirror/fsmirror/pkg/mlog"
)

type matchKind int

const (
	literalMatch matchKind = iota
	prefixMatch
	suffixMatch
	globMatch
)

// pattern stores the pre-analyzed details of one exclusion pattern.
type pattern struct {
	raw   string
	clean string // the pattern without the wildcard for prefix/suffix matching
	kind  matchKind
}

// Matcher holds compiled file and directory exclusion patterns.
// The zero value matches nothing.
type Matcher struct {
	files []pattern
	dirs  []pattern
}

// NewMatcher pre-processes the given file and directory patterns.
// Directory patterns always exclude the directory's contents as well.
func NewMatcher(filePatterns, dirPatterns []string) Matcher {
	return Matcher{
		files: preProcess(filePatterns, false),
		dirs:  preProcess(dirPatterns, true),
	}
}

// preProcess analyzes and categorizes patterns to enable optimized matching later.
func preProcess(patterns []string, isDirPatterns bool) []pattern {
	out := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		// Normalize to forward slashes for consistent matching logic.
		p = filepath.ToSlash(strings.TrimSpace(p))
		if p == "" {
			continue
		}

		switch {
		case strings.ContainsAny(p, "*?[]{}"):
			if strings.HasSuffix(p, "/*") && !strings.ContainsAny(strings.TrimSuffix(p, "/*"), "*?[]{}") {
				// A pattern like `node_modules/*` excludes everything inside.
				out = append(out, pattern{raw: p, clean: strings.TrimSuffix(p, "/*"), kind: prefixMatch})
			} else if strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?[]{}") {
				// A pattern like `*.log` reduces to a suffix check.
				out = append(out, pattern{raw: p, clean: p[1:], kind: suffixMatch})
			} else {
				out = append(out, pattern{raw: p, kind: globMatch})
			}
		case isDirPatterns || strings.HasSuffix(p, "/"):
			// Directory patterns exclude the directory itself and its contents.
			out = append(out, pattern{raw: p, clean: strings.TrimSuffix(p, "/"), kind: prefixMatch})
		default:
			out = append(out, pattern{raw: p, kind: literalMatch})
		}
	}
	return out
}

// Match reports whether relPath is excluded. Directory candidates are checked
// against the directory patterns, files against the file patterns.
func (m Matcher) Match(relPath string, isDir bool) bool {
	// WalkDir provides OS-specific separators; patterns are slash-normalized.
	if filepath.Separator != '/' {
		relPath = filepath.ToSlash(relPath)
	}

	patterns := m.files
	if isDir {
		patterns = m.dirs
	}

	for _, p := range patterns {
		switch p.kind {
		case literalMatch:
			// A bare name excludes entries of that name at any depth; a
			// pattern containing a separator pins the full relative path.
			if strings.Contains(p.raw, "/") {
				if relPath == p.raw {
					return true
				}
			} else if baseName(relPath) == p.raw {
				return true
			}
		case prefixMatch:
			if hasComponent(relPath, p.clean) {
				return true
			}
		case suffixMatch:
			if strings.HasSuffix(relPath, p.clean) {
				return true
			}
		case globMatch:
			match, err := doublestar.Match(p.raw, relPath)
			if err != nil {
				mlog.Warn("Invalid exclusion pattern", "pattern", p.raw, "error", err)
				continue
			}
			if match {
				return true
			}
		}
	}
	return false
}

// baseName returns the final element of a slash-separated path.
func baseName(relPath string) string {
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		return relPath[i+1:]
	}
	return relPath
}

// hasComponent reports whether name appears as a whole path component
// (possibly multi-segment) of relPath. A match covers the component itself
// and everything below it.
func hasComponent(relPath, name string) bool {
	if relPath == name ||
		strings.HasPrefix(relPath, name+"/") ||
		strings.HasSuffix(relPath, "/"+name) ||
		strings.Contains(relPath, "/"+name+"/") {
		return true
	}
	return false
}

// MatchAny reports whether relPath is excluded under either pattern set.
// Used on live notification paths, where the entry may already be gone and
// its file/directory nature cannot be determined reliably.
func (m Matcher) MatchAny(relPath string) bool {
	return m.Match(relPath, false) || m.Match(relPath, true)
}
