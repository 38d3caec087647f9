// SPDX-License-Identifier: LGPL-3.0-or-later

// Package selector decides which files under a source tree a run should
// copy, given the chosen mode and the manifests of prior runs.
package selector

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"backupvault/manifest"
)

// Entry is a source file selected for this run.
type Entry struct {
	Path    string // relative to the source root
	AbsPath string
	Size    int64
	ModTime int64 // unix seconds; drives incremental/differential selection

	// IsSymlink marks a source entry that is itself a symlink rather than a
	// regular file. LinkTarget holds what it points at (possibly a path
	// that does not exist, for a dangling link); the link is never followed,
	// so Size is the link's own lstat size and its target's content is not read.
	IsSymlink  bool
	LinkTarget string
}

// Options controls how the source tree is walked.
type Options struct {
	SourceRoot string
	Mode       manifest.Mode
	Excludes   []string // glob patterns matched against the relative path

	// PriorManifests supplies the manifests a non-full selection compares
	// against: for incremental, the single most recent run (of any mode);
	// for differential, the most recent full run.
	PriorManifests []*manifest.Manifest
}

// Select walks opts.SourceRoot and returns the files this run should copy.
func Select(opts Options) ([]Entry, error) {
	excluded, err := compileExcludes(opts.Excludes)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = filepath.WalkDir(opts.SourceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(opts.SourceRoot, path)
		if err != nil {
			return err
		}
		if excluded(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}

		entry := Entry{
			Path:    rel,
			AbsPath: path,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %q: %w", path, err)
			}
			entry.IsSymlink = true
			entry.LinkTarget = target
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source tree: %w", err)
	}

	switch opts.Mode {
	case manifest.ModeFull:
		return entries, nil
	case manifest.ModeIncremental, manifest.ModeDifferential:
		return filterAgainstPrior(entries, opts.PriorManifests)
	default:
		return nil, fmt.Errorf("unknown selection mode %q", opts.Mode)
	}
}

// filterAgainstPrior keeps only files that are new or whose modification
// time is strictly after the baseline run started. A file absent from the
// baseline manifest is always kept (new file, or one the baseline run
// failed to record); one present whose mtime has not advanced since the
// baseline started is dropped.
//
// prior holds at most one manifest: the baseline this selection compares
// against (the latest run for incremental, the latest full run for
// differential). Comparing against StartedAt rather than the prior file's
// recorded size or checksum is what catches an in-place edit that leaves a
// file's byte length unchanged.
func filterAgainstPrior(entries []Entry, prior []*manifest.Manifest) ([]Entry, error) {
	if len(prior) == 0 {
		return entries, nil
	}
	baseline := prior[0]

	known := make(map[string]bool)
	for _, f := range baseline.Files {
		switch f.Status {
		case manifest.StatusCopied, manifest.StatusDeduped, manifest.StatusSymlink:
			known[f.Path] = true
		}
	}
	cutoff := baseline.StartedAt.Unix()

	var selected []Entry
	for _, e := range entries {
		if !known[e.Path] || e.ModTime > cutoff {
			selected = append(selected, e)
		}
	}
	return selected, nil
}

func compileExcludes(patterns []string) (func(relPath string) bool, error) {
	for _, p := range patterns {
		if _, err := filepath.Match(p, "probe"); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
	}
	return func(relPath string) bool {
		base := filepath.Base(relPath)
		for _, p := range patterns {
			if ok, _ := filepath.Match(p, base); ok {
				return true
			}
			if ok, _ := filepath.Match(p, relPath); ok {
				return true
			}
			if strings.HasPrefix(relPath, strings.TrimSuffix(p, "/")+string(os.PathSeparator)) {
				return true
			}
		}
		return false
	}, nil
}
