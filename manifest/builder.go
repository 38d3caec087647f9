// SPDX-License-Identifier: LGPL-3.0-or-later

package manifest

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"
)

// ValidRunIDPattern constrains run IDs to values safe as path components.
var ValidRunIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Builder provides a fluent API for assembling a Manifest.
type Builder struct {
	manifest *Manifest
	errors   []error
}

// NewBuilder starts a manifest for the given run.
func NewBuilder(runID string, mode Mode, sourceRoot, destinationRoot string) *Builder {
	b := &Builder{
		manifest: &Manifest{
			Version:         CurrentVersion,
			RunID:           runID,
			Mode:            mode,
			SourceRoot:      sourceRoot,
			DestinationRoot: destinationRoot,
			StartedAt:       time.Now(),
			Files:           []FileRecord{},
		},
	}
	if !ValidRunIDPattern.MatchString(runID) {
		b.errors = append(b.errors, fmt.Errorf("invalid run ID %q: must match pattern ^[a-zA-Z0-9_-]+$", runID))
	}
	return b
}

// AddFile records the outcome of copying a single file.
func (b *Builder) AddFile(record FileRecord) *Builder {
	b.manifest.Files = append(b.manifest.Files, record)
	return b
}

// AddCopied records a successful copy with a pre-computed checksum.
func (b *Builder) AddCopied(path, storedPath string, size int64, sha256Hex string) *Builder {
	return b.AddFile(FileRecord{
		Path:       path,
		StoredPath: storedPath,
		Size:       size,
		SHA256:     sha256Hex,
		Status:     StatusCopied,
	})
}

// AddSymlink records a symlink recreated at the destination, preserving the
// target it pointed at so a restore can recreate the link without reading it
// back from the destination.
func (b *Builder) AddSymlink(path, storedPath, target string) *Builder {
	return b.AddFile(FileRecord{
		Path:       path,
		StoredPath: storedPath,
		Status:     StatusSymlink,
		LinkTarget: target,
	})
}

// AddFailed records a file that could not be copied.
func (b *Builder) AddFailed(path string, err error) *Builder {
	return b.AddFile(FileRecord{
		Path:   path,
		Status: StatusFailed,
		Error:  err.Error(),
	})
}

// Finish stamps FinishedAt and returns the built manifest, or an error if
// construction failed.
func (b *Builder) Finish() (*Manifest, error) {
	if len(b.errors) > 0 {
		return nil, fmt.Errorf("manifest build failed with %d error(s): %v", len(b.errors), b.errors[0])
	}
	b.manifest.FinishedAt = time.Now()
	return b.manifest, nil
}

// ComputeSHA256 streams filePath through SHA-256 without buffering it
// fully in memory and returns the hex digest.
func ComputeSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("compute hash: %w", err)
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}
