package scan

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// builtinIgnores are always excluded, before any ignore file is consulted.
var builtinIgnores = []string{
	".git",
	".drift",
	"node_modules",
	"vendor",
	"target",
	"dist",
	"__pycache__",
	".venv",
}

// ignorePattern is one line of an ignore file, scoped to the directory the
// file lives in. Semantics follow gitignore: trailing '/' restricts to
// directories, a leading '!' re-includes, patterns without '/' match at any
// depth below the scope.
type ignorePattern struct {
	scope   string // Directory (relative to root, "/"-separated) the pattern is anchored at.
	pattern string
	negate  bool
	dirOnly bool
	rooted  bool // Pattern contained a '/', anchoring it to scope.
}

// ignoreSet is the layered ignore state accumulated while descending the
// tree. Deeper files take precedence, so patterns are evaluated last-first.
type ignoreSet struct {
	patterns []ignorePattern
}

// child returns a copy of the set extended with ignore files found in |dir|.
// |rel| is dir's "/"-separated path relative to the root ("" for the root).
func (s *ignoreSet) child(dir, rel string, ignoreFiles []string) *ignoreSet {
	var out = &ignoreSet{patterns: s.patterns}

	for _, name := range ignoreFiles {
		var loaded = loadIgnoreFile(filepath.Join(dir, name), rel)
		if len(loaded) > 0 {
			// Copy-on-extend keeps sibling directories isolated.
			out.patterns = append(append([]ignorePattern{}, out.patterns...), loaded...)
		}
	}
	return out
}

func loadIgnoreFile(path, scope string) []ignorePattern {
	var f, err = os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []ignorePattern
	var scanner = bufio.NewScanner(f)
	for scanner.Scan() {
		var line = strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var p = ignorePattern{scope: scope}
		if strings.HasPrefix(line, "!") {
			p.negate = true
			line = line[1:]
		}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.Contains(line, "/") {
			p.rooted = true
		}
		p.pattern = strings.TrimPrefix(line, "/")

		if p.pattern != "" {
			out = append(out, p)
		}
	}
	return out
}

// Match reports whether |rel| (a "/"-separated path relative to the root) is
// ignored. |isDir| enables directory-only patterns.
func (s *ignoreSet) Match(rel string, isDir bool) bool {
	var base = filepath.Base(rel)
	for _, b := range builtinIgnores {
		if base == b {
			return true
		}
	}

	// Last matching pattern wins, mirroring gitignore precedence.
	var ignored = false
	for _, p := range s.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		// The pattern only applies at or below its scope.
		var scoped = rel
		if p.scope != "" {
			if !strings.HasPrefix(rel, p.scope+"/") {
				continue
			}
			scoped = strings.TrimPrefix(rel, p.scope+"/")
		}

		var hit bool
		if p.rooted {
			hit, _ = doublestar.Match(p.pattern, scoped)
		} else {
			// Unanchored patterns match the basename at any depth.
			hit, _ = doublestar.Match(p.pattern, base)
			if !hit {
				hit, _ = doublestar.Match("**/"+p.pattern, scoped)
			}
		}
		if hit {
			ignored = !p.negate
		}
	}
	return ignored
}
