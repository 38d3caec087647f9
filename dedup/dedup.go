// SPDX-License-Identifier: LGPL-3.0-or-later

// Package dedup replaces duplicate files under local destinations with
// hardlinks to a single canonical copy, keyed by content hash.
package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"backupvault/checksum"
	"backupvault/logger"
	"backupvault/manifest"
)

// Candidate is a file eligible for dedup consideration.
type Candidate struct {
	AbsPath string
	SHA256  string // empty means unknown; Run hashes it on demand
}

// Result reports what Run did.
type Result struct {
	GroupsConsidered int
	LinksCreated     int
	BytesSaved       int64
	CrossFilesystem  int // candidates skipped because they don't share a device
}

// Run groups candidates by content hash and replaces every non-canonical
// member of a group with a hardlink to the canonical member, provided they
// share a filesystem. Cross-filesystem members are left untouched and
// counted in Result.CrossFilesystem rather than treated as an error.
func Run(candidates []Candidate, log logger.Logger) (Result, error) {
	groups, err := groupByHash(candidates)
	if err != nil {
		return Result{}, err
	}

	var result Result
	result.GroupsConsidered = len(groups)

	for hash, members := range groups {
		if len(members) < 2 {
			continue
		}

		sort.Slice(members, func(i, j int) bool { return members[i].AbsPath < members[j].AbsPath })
		canonical := members[0]

		canonicalDev, canonicalSize, err := deviceAndSize(canonical.AbsPath)
		if err != nil {
			log.Warn("dedup: cannot stat canonical file, skipping group", "path", canonical.AbsPath, "error", err)
			continue
		}

		for _, member := range members[1:] {
			dev, _, err := deviceAndSize(member.AbsPath)
			if err != nil {
				log.Warn("dedup: cannot stat candidate, skipping", "path", member.AbsPath, "error", err)
				continue
			}
			if dev != canonicalDev {
				result.CrossFilesystem++
				log.Debug("dedup: candidate on different filesystem, leaving in place",
					"canonical", canonical.AbsPath, "path", member.AbsPath)
				continue
			}

			if err := linkReplace(canonical.AbsPath, member.AbsPath); err != nil {
				log.Warn("dedup: failed to hardlink", "canonical", canonical.AbsPath, "path", member.AbsPath, "error", err)
				continue
			}

			if err := verifyIdentical(canonical.AbsPath, member.AbsPath); err != nil {
				log.Error("dedup: post-link verification failed, content may be corrupted", "path", member.AbsPath, "error", err)
				return result, fmt.Errorf("verify dedup of %q against %q: %w", member.AbsPath, canonical.AbsPath, err)
			}

			result.LinksCreated++
			result.BytesSaved += canonicalSize
			log.Info("dedup: hardlinked duplicate", "canonical", canonical.AbsPath, "path", member.AbsPath, "hash", hash)
		}
	}

	return result, nil
}

// CandidatesFromManifest builds dedup candidates from a manifest's copied
// and deduped files, resolving each relative path against destRoot.
func CandidatesFromManifest(m *manifest.Manifest, destRoot string) []Candidate {
	var out []Candidate
	for _, f := range m.Files {
		if f.Status != manifest.StatusCopied && f.Status != manifest.StatusDeduped {
			continue
		}
		out = append(out, Candidate{
			AbsPath: filepath.Join(destRoot, f.StoredPath),
			SHA256:  f.SHA256,
		})
	}
	return out
}

func groupByHash(candidates []Candidate) (map[string][]Candidate, error) {
	groups := make(map[string][]Candidate)
	for _, c := range candidates {
		hash := c.SHA256
		if hash == "" {
			result, err := checksum.File(c.AbsPath)
			if err != nil {
				return nil, fmt.Errorf("hash %q: %w", c.AbsPath, err)
			}
			hash = result.SHA256
		}
		groups[hash] = append(groups[hash], Candidate{AbsPath: c.AbsPath, SHA256: hash})
	}
	return groups, nil
}

// linkReplace atomically replaces target with a hardlink to canonical: a
// new link is created alongside target under a temp name, then renamed
// over it, so a crash mid-operation never leaves target missing.
func linkReplace(canonical, target string) error {
	tmp := target + ".dedup-tmp"
	os.Remove(tmp)
	if err := os.Link(canonical, tmp); err != nil {
		return fmt.Errorf("create hardlink: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename over target: %w", err)
	}
	return nil
}

func verifyIdentical(canonical, target string) error {
	a, err := checksum.File(canonical)
	if err != nil {
		return err
	}
	b, err := checksum.File(target)
	if err != nil {
		return err
	}
	if a.SHA256 != b.SHA256 {
		return fmt.Errorf("content mismatch after hardlink: canonical=%s target=%s", a.SHA256, b.SHA256)
	}
	return nil
}

func deviceAndSize(path string) (uint64, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, info.Size(), nil
	}
	return uint64(stat.Dev), info.Size(), nil
}
