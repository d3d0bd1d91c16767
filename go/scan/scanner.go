// Package scan walks a project root, reads and hashes files in parallel,
// applies layered ignore semantics, detects languages, and emits FILE records
// with content hashes.
// Repeated scans of an unchanged tree are byte-stable.
package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mattepiu/drift/go/ops"
)

// File is one enumerated source file. Content is retained so downstream
// parsing never re-reads from disk.
type File struct {
	Path        string // Relative to the scanned root, "/"-separated.
	AbsPath     string
	Language    Language
	ContentHash string
	ScannedAt   time.Time
	Content     []byte
}

// SkippedFile records a file the scanner could not read or refused to parse.
type SkippedFile struct {
	Path   string
	Reason string
}

// Options configure a scan.
type Options struct {
	// IgnoreFiles are the layered ignore file names consulted in every
	// directory. Defaults to .gitignore and .driftignore.
	IgnoreFiles []string
	// IncludeGlobs, when non-empty, restrict output to matching paths.
	IncludeGlobs []string
	// ExcludeGlobs remove matching paths after includes are applied.
	ExcludeGlobs []string
	// Workers bounds read/hash parallelism. Defaults to 8.
	Workers int
}

// Report is the outcome of a scan.
type Report struct {
	Root    string
	Files   []File
	Skipped []SkippedFile
	Elapsed time.Duration
}

// Scan enumerates |root|. Unreadable files are reported and skipped; ignored
// directories are never descended. Output is ordered lexicographically by
// path, so repeated scans of the same tree produce identical reports.
func Scan(ctx context.Context, root string, opts Options) (*Report, error) {
	var started = time.Now()

	if opts.IgnoreFiles == nil {
		opts.IgnoreFiles = []string{".gitignore", ".driftignore"}
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}

	var absRoot, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %q: %w", root, err)
	}
	if fi, err := os.Stat(absRoot); err != nil {
		return nil, fmt.Errorf("stat root %q: %w", root, err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}

	var report = &Report{Root: absRoot}
	var mu sync.Mutex // Guards report.Skipped during the parallel phase.

	// Phase one: a deterministic serial walk collects candidate paths while
	// layering ignore files. Serial walking keeps enumeration stable; the
	// expensive read+hash work is what fans out.
	var candidates []string
	walk(absRoot, "", &ignoreSet{}, opts, func(rel string) {
		candidates = append(candidates, rel)
	}, func(rel, reason string) {
		report.Skipped = append(report.Skipped, SkippedFile{Path: rel, Reason: reason})
	})
	sort.Strings(candidates)

	// Phase two: read and hash in parallel.
	var files = make([]*File, len(candidates))
	var group, gctx = errgroup.WithContext(ctx)
	group.SetLimit(opts.Workers)

	for i, rel := range candidates {
		i, rel := i, rel
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var abs = filepath.Join(absRoot, filepath.FromSlash(rel))
			var content, err = os.ReadFile(abs)
			if err != nil {
				mu.Lock()
				report.Skipped = append(report.Skipped, SkippedFile{Path: rel, Reason: err.Error()})
				mu.Unlock()
				return nil
			}
			if isBinary(content) {
				mu.Lock()
				report.Skipped = append(report.Skipped, SkippedFile{Path: rel, Reason: "binary content"})
				mu.Unlock()
				return nil
			}

			var lang = DetectLanguage(rel, content)
			files[i] = &File{
				Path:        rel,
				AbsPath:     abs,
				Language:    lang,
				ContentHash: strconv.FormatUint(xxhash.Sum64(content), 16),
				ScannedAt:   time.Now().UTC(),
				Content:     content,
			}
			ops.FilesScanned.WithLabelValues(string(lang)).Inc()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	for _, f := range files {
		if f != nil {
			report.Files = append(report.Files, *f)
		}
	}
	sort.Slice(report.Skipped, func(i, j int) bool { return report.Skipped[i].Path < report.Skipped[j].Path })

	report.Elapsed = time.Since(started)
	log.WithFields(log.Fields{
		"root":    absRoot,
		"files":   len(report.Files),
		"skipped": len(report.Skipped),
		"elapsed": report.Elapsed,
	}).Info("scan complete")
	return report, nil
}

func walk(
	dir, rel string,
	ignores *ignoreSet,
	opts Options,
	emit func(rel string),
	skip func(rel, reason string),
) {
	ignores = ignores.child(dir, rel, opts.IgnoreFiles)

	var entries, err = os.ReadDir(dir)
	if err != nil {
		skip(rel, err.Error())
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		var childRel = e.Name()
		if rel != "" {
			childRel = rel + "/" + e.Name()
		}

		if e.IsDir() {
			if ignores.Match(childRel, true) {
				continue
			}
			walk(filepath.Join(dir, e.Name()), childRel, ignores, opts, emit, skip)
			continue
		}
		if !e.Type().IsRegular() || ignores.Match(childRel, false) {
			continue
		}
		if !matchGlobs(childRel, opts.IncludeGlobs, true) || matchGlobs(childRel, opts.ExcludeGlobs, false) {
			continue
		}
		emit(childRel)
	}
}

// matchGlobs applies include (empty set admits all) or exclude semantics.
func matchGlobs(rel string, globs []string, include bool) bool {
	if len(globs) == 0 {
		return include
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}
