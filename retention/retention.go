// SPDX-License-Identifier: LGPL-3.0-or-later

// Package retention prunes old backup runs from a local destination by
// age and/or by count, without ever deleting a file still referenced by
// a manifest the run keeps — hardlink-shared files made invisible to a
// naive per-manifest delete by the dedup package.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"backupvault/logger"
	"backupvault/manifest"
)

// Config describes the two independent prune rules. Both may be set
// simultaneously; a run is deleted if either rule marks it.
type Config struct {
	MaxAgeDays int // 0 disables the age rule
	MaxCount   int // 0 disables the count rule
}

// Result reports what Run did.
type Result struct {
	RunsConsidered int
	RunsDeleted    []string // run IDs removed
	FilesDeleted   int
	BytesFreed     int64
}

// Run prunes runs under destRoot per cfg. manifestDir holds the manifest
// JSON files; file paths inside each manifest are resolved relative to
// destRoot.
func Run(cfg Config, destRoot, manifestDir string, now time.Time, log logger.Logger) (Result, error) {
	var result Result

	if cfg.MaxAgeDays == 0 && cfg.MaxCount == 0 {
		log.Debug("retention: both rules disabled, nothing to do")
		return result, nil
	}

	manifests, err := manifest.ListManifests(manifestDir)
	if err != nil {
		return result, fmt.Errorf("list manifests: %w", err)
	}
	result.RunsConsidered = len(manifests)
	if len(manifests) == 0 {
		return result, nil
	}

	doomed := selectDoomed(manifests, cfg, now)
	if len(doomed) == 0 {
		log.Info("retention: no runs eligible for deletion", "considered", len(manifests))
		return result, nil
	}

	kept := keptManifests(manifests, doomed)
	keptFiles := unionOfPaths(kept)

	for _, m := range doomed {
		deletedFiles, bytesFreed, err := deleteRun(m, destRoot, manifestDir, keptFiles, log)
		if err != nil {
			return result, fmt.Errorf("delete run %q: %w", m.RunID, err)
		}
		result.RunsDeleted = append(result.RunsDeleted, m.RunID)
		result.FilesDeleted += deletedFiles
		result.BytesFreed += bytesFreed
	}

	return result, nil
}

// selectDoomed returns the manifests the age and/or count rule marks for
// deletion.
func selectDoomed(manifests []*manifest.Manifest, cfg Config, now time.Time) []*manifest.Manifest {
	doomedSet := make(map[string]*manifest.Manifest)

	if cfg.MaxAgeDays > 0 {
		cutoff := now.AddDate(0, 0, -cfg.MaxAgeDays)
		for _, m := range manifests {
			if m.StartedAt.Before(cutoff) {
				doomedSet[m.RunID] = m
			}
		}
	}

	if cfg.MaxCount > 0 && len(manifests) > cfg.MaxCount {
		sorted := append([]*manifest.Manifest(nil), manifests...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].RunID < sorted[j].RunID })
		for _, m := range sorted[:len(sorted)-cfg.MaxCount] {
			doomedSet[m.RunID] = m
		}
	}

	var doomed []*manifest.Manifest
	for _, m := range doomedSet {
		doomed = append(doomed, m)
	}
	sort.Slice(doomed, func(i, j int) bool { return doomed[i].RunID < doomed[j].RunID })
	return doomed
}

func keptManifests(all, doomed []*manifest.Manifest) []*manifest.Manifest {
	doomedIDs := make(map[string]bool, len(doomed))
	for _, m := range doomed {
		doomedIDs[m.RunID] = true
	}
	var kept []*manifest.Manifest
	for _, m := range all {
		if !doomedIDs[m.RunID] {
			kept = append(kept, m)
		}
	}
	return kept
}

// unionOfPaths returns the set of stored paths referenced by any kept
// manifest. A doomed run's file is only safe to unlink if it is absent
// from this set — otherwise a hardlink shared with a surviving run would
// be severed.
func unionOfPaths(kept []*manifest.Manifest) map[string]bool {
	union := make(map[string]bool)
	for _, m := range kept {
		for _, f := range m.Files {
			union[f.StoredPath] = true
		}
	}
	return union
}

func deleteRun(m *manifest.Manifest, destRoot, manifestDir string, keptFiles map[string]bool, log logger.Logger) (int, int64, error) {
	var filesDeleted int
	var bytesFreed int64

	for _, f := range m.Files {
		if keptFiles[f.StoredPath] {
			log.Debug("retention: skipping file still referenced by a kept run", "path", f.StoredPath, "run_id", m.RunID)
			continue
		}

		fullPath := filepath.Join(destRoot, f.StoredPath)
		info, statErr := os.Stat(fullPath)
		if err := os.Remove(fullPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return filesDeleted, bytesFreed, fmt.Errorf("remove %q: %w", fullPath, err)
		}
		filesDeleted++
		if statErr == nil {
			bytesFreed += info.Size()
		}
	}

	manifestPath := filepath.Join(manifestDir, manifest.ManifestFileName(m.RunID))
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return filesDeleted, bytesFreed, fmt.Errorf("remove manifest %q: %w", manifestPath, err)
	}

	log.Info("retention: deleted run", "run_id", m.RunID, "files_deleted", filesDeleted, "bytes_freed", bytesFreed)
	return filesDeleted, bytesFreed, nil
}
