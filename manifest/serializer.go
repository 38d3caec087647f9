// SPDX-License-Identifier: LGPL-3.0-or-later

package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ToJSON serializes the manifest to indented JSON.
func ToJSON(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal JSON: %w", err)
	}
	return data, nil
}

// FromJSON deserializes a manifest from JSON.
func FromJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return &m, nil
}

// WriteToFile writes the manifest as JSON atomically: it is written to a
// temp file in the same directory, then renamed into place, so a reader
// never observes a partially-written manifest.
func WriteToFile(m *Manifest, filePath string) error {
	data, err := ToJSON(m)
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("rename manifest into place: %w", err)
	}
	return nil
}

// ReadFromFile reads and validates a manifest from filePath.
func ReadFromFile(filePath string) (*Manifest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	m, err := FromJSON(data)
	if err != nil {
		return nil, err
	}

	if err := Validate(m); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return m, nil
}

// ManifestFileName returns the canonical manifest file name for a run,
// sortable lexicographically alongside other runs.
func ManifestFileName(runID string) string {
	return fmt.Sprintf("backup_manifest_%s.json", runID)
}

// ListManifests reads and returns every manifest under dir, sorted by RunID
// ascending (lexicographic, which for the ISO-8601-prefixed run IDs this
// project generates is also chronological).
func ListManifests(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var manifests []*Manifest
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m, err := ReadFromFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].RunID < manifests[j].RunID
	})
	return manifests, nil
}

// Latest returns the most recent manifest in dir, or nil if none exist.
func Latest(dir string) (*Manifest, error) {
	manifests, err := ListManifests(dir)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, nil
	}
	return manifests[len(manifests)-1], nil
}

// LatestFull returns the most recent full-mode manifest in dir, or nil if
// none exist — the base a differential run selects against.
func LatestFull(dir string) (*Manifest, error) {
	manifests, err := ListManifests(dir)
	if err != nil {
		return nil, err
	}
	for i := len(manifests) - 1; i >= 0; i-- {
		if manifests[i].Mode == ModeFull {
			return manifests[i], nil
		}
	}
	return nil, nil
}
