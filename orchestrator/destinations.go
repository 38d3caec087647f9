// SPDX-License-Identifier: LGPL-3.0-or-later

package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backupvault/copier"
	"backupvault/crypto"
	"backupvault/logger"
	"backupvault/manifest"
	"backupvault/retention"
	"backupvault/selector"
)

// stagedEntry is a selected source file with its plaintext digest computed
// once and reused across every destination that selects it, since the hash
// depends only on the source content, never on where it lands. SHA256 is
// empty for a symlink entry; its content is never read.
type stagedEntry struct {
	selector.Entry
	SHA256 string
}

func toJobs(entries []stagedEntry) []copier.Job {
	jobs := make([]copier.Job, len(entries))
	for i, e := range entries {
		jobs[i] = copier.Job{
			LocalPath:  e.AbsPath,
			RelPath:    e.Path,
			Size:       e.Size,
			IsSymlink:  e.IsSymlink,
			LinkTarget: e.LinkTarget,
		}
	}
	return jobs
}

// copyToDestination runs every job against dest with the given worker
// count, folding outcomes into acc and builder. It never returns an error
// itself: per-file failures are per-file, per spec's error taxonomy.
func copyToDestination(ctx context.Context, dest copier.Destination, entries []stagedEntry, concurrency int, acc *destAccumulator, builder *manifest.Builder) {
	byRel := make(map[string]stagedEntry, len(entries))
	for _, e := range entries {
		byRel[e.Path] = e
	}

	results := copier.RunPool(ctx, dest, toJobs(entries), concurrency, nil)
	for _, r := range results {
		if r.Err != nil {
			builder.AddFailed(r.Job.RelPath, r.Err)
			acc.recordFailed()
			continue
		}
		e := byRel[r.Job.RelPath]
		if e.IsSymlink {
			builder.AddSymlink(r.Job.RelPath, r.Job.RelPath, e.LinkTarget)
			acc.recordCopied(0)
			continue
		}
		builder.AddCopied(r.Job.RelPath, r.Job.RelPath, r.Job.Size, e.SHA256)
		acc.recordCopied(r.Job.Size)
	}
}

// writeManifestTo persists m as the destination's run manifest: directly
// for a local root, or as an uploaded file for SFTP/object-store, which
// have no local filesystem of their own to rename into.
func writeManifestTo(ctx context.Context, dest copier.Destination, localRoot string, m *manifest.Manifest, runID string) error {
	name := manifest.ManifestFileName(runID)
	if localRoot != "" {
		return manifest.WriteToFile(m, filepath.Join(localRoot, name))
	}
	data, err := manifest.ToJSON(m)
	if err != nil {
		return err
	}
	return dest.PutStream(ctx, bytes.NewReader(data), name, int64(len(data)), nil)
}

// encryptLocalDestination seals every plaintext `copied` file under root,
// updates each FileRecord's StoredPath to its ".enc" sibling, and rewrites
// the manifest to reflect the final on-disk layout. A derivation failure
// fails the whole destination, never partially committing an encryption.
func encryptLocalDestination(root string, m *manifest.Manifest, source crypto.KeySource, log logger.Logger) error {
	enc := crypto.New(source)

	for i := range m.Files {
		f := &m.Files[i]
		if f.Status != manifest.StatusCopied {
			continue
		}
		if filepath.Ext(f.StoredPath) == crypto.EncryptedExt {
			continue
		}

		fullPath := filepath.Join(root, f.StoredPath)
		encPath := fullPath + crypto.EncryptedExt
		if err := enc.EncryptFile(fullPath, encPath); err != nil {
			return fmt.Errorf("encrypt %q: %w", f.Path, err)
		}
		if err := os.Remove(fullPath); err != nil {
			return fmt.Errorf("remove plaintext %q: %w", f.Path, err)
		}
		f.StoredPath += crypto.EncryptedExt
		log.Debug("encrypted file", "path", f.Path, "stored_path", f.StoredPath)
	}

	return manifest.WriteToFile(m, filepath.Join(root, manifest.ManifestFileName(m.RunID)))
}

func pruneLocalDestination(root string, cfg retention.Config, now time.Time, log logger.Logger) (retention.Result, error) {
	return retention.Run(cfg, root, root, now, log)
}
