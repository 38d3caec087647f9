// SPDX-License-Identifier: LGPL-3.0-or-later

package manifest

import "fmt"

// Validate checks a Manifest against the schema's required fields and
// invariants.
func Validate(m *Manifest) error {
	if m == nil {
		return fmt.Errorf("manifest is nil")
	}

	if m.Version != CurrentVersion {
		return fmt.Errorf("unsupported manifest version %q: expected %q", m.Version, CurrentVersion)
	}

	if m.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if !ValidRunIDPattern.MatchString(m.RunID) {
		return fmt.Errorf("run_id %q must match pattern ^[a-zA-Z0-9_-]+$", m.RunID)
	}

	switch m.Mode {
	case ModeFull, ModeIncremental, ModeDifferential:
	default:
		return fmt.Errorf("mode %q must be one of: full, incremental, differential", m.Mode)
	}

	if m.SourceRoot == "" {
		return fmt.Errorf("source_root is required")
	}
	if m.DestinationRoot == "" {
		return fmt.Errorf("destination_root is required")
	}

	if m.FinishedAt.Before(m.StartedAt) {
		return fmt.Errorf("finished_at (%s) precedes started_at (%s)", m.FinishedAt, m.StartedAt)
	}

	seen := make(map[string]bool, len(m.Files))
	for i, f := range m.Files {
		if err := validateFileRecord(f, i); err != nil {
			return err
		}
		if seen[f.Path] {
			return fmt.Errorf("duplicate file path in manifest: %q", f.Path)
		}
		seen[f.Path] = true
	}

	return nil
}

func validateFileRecord(f FileRecord, index int) error {
	if f.Path == "" {
		return fmt.Errorf("files[%d].path is required", index)
	}

	switch f.Status {
	case StatusCopied, StatusSkipped, StatusDeduped, StatusFailed, StatusSymlink:
	default:
		return fmt.Errorf("files[%d].status %q must be one of: copied, skipped, deduped, failed, symlink", index, f.Status)
	}

	if f.Status == StatusFailed {
		if f.Error == "" {
			return fmt.Errorf("files[%d] has status failed but no error", index)
		}
		return nil
	}

	if f.StoredPath == "" {
		return fmt.Errorf("files[%d].stored_path is required for status %q", index, f.Status)
	}
	if f.Status == StatusSymlink {
		// A symlink record carries LinkTarget instead of content, so it has
		// no size or digest to check.
		return nil
	}
	if f.Size < 0 {
		return fmt.Errorf("files[%d].size must be non-negative (got %d)", index, f.Size)
	}
	if len(f.SHA256) != 64 {
		return fmt.Errorf("files[%d].sha256 must be a 64-character hex digest (got %q)", index, f.SHA256)
	}

	return nil
}

// VerifyFile recomputes the SHA-256 of localPath and reports whether it
// matches the manifest's recorded digest for that file record.
func VerifyFile(f FileRecord, localPath string) (bool, error) {
	actual, err := ComputeSHA256(localPath)
	if err != nil {
		return false, fmt.Errorf("compute checksum for %q: %w", f.Path, err)
	}
	return actual == f.SHA256, nil
}
