// SPDX-License-Identifier: LGPL-3.0-or-later

package selector

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupvault/manifest"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func paths(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Path)
	}
	sort.Strings(out)
	return out
}

func TestSelectFullReturnsEverything(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a", "sub/b.txt": "b"})

	entries, err := Select(Options{SourceRoot: root, Mode: manifest.ModeFull})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, paths(entries))
}

func TestSelectRecordsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a"})
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))
	require.NoError(t, os.Symlink("missing.txt", filepath.Join(root, "dangling")))

	entries, err := Select(Options{SourceRoot: root, Mode: manifest.ModeFull})
	require.NoError(t, err)

	byPath := make(map[string]Entry)
	for _, e := range entries {
		byPath[e.Path] = e
	}

	link, ok := byPath["link"]
	require.True(t, ok)
	assert.True(t, link.IsSymlink)
	assert.Equal(t, "a.txt", link.LinkTarget)

	dangling, ok := byPath["dangling"]
	require.True(t, ok)
	assert.True(t, dangling.IsSymlink)
	assert.Equal(t, "missing.txt", dangling.LinkTarget)
}

func TestSelectHonorsExcludes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "a", "a.tmp": "b"})

	entries, err := Select(Options{SourceRoot: root, Mode: manifest.ModeFull, Excludes: []string{"*.tmp"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, paths(entries))
}

func chtimes(t *testing.T, path string, when time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, when, when))
}

func TestSelectIncrementalSkipsUnchangedFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "unchanged", "b.txt": "new"})

	baselineStart := time.Now()
	chtimes(t, filepath.Join(root, "a.txt"), baselineStart.Add(-time.Hour))
	chtimes(t, filepath.Join(root, "b.txt"), baselineStart.Add(time.Hour))

	prior := &manifest.Manifest{StartedAt: baselineStart, Files: []manifest.FileRecord{
		{Path: "a.txt", StoredPath: "a.txt", Size: int64(len("unchanged")), Status: manifest.StatusCopied},
	}}

	entries, err := Select(Options{
		SourceRoot:     root,
		Mode:           manifest.ModeIncremental,
		PriorManifests: []*manifest.Manifest{prior},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, paths(entries))
}

func TestSelectIncrementalKeepsChangedSize(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "changed content now"})

	baselineStart := time.Now()
	chtimes(t, filepath.Join(root, "a.txt"), baselineStart.Add(time.Hour))

	prior := &manifest.Manifest{StartedAt: baselineStart, Files: []manifest.FileRecord{
		{Path: "a.txt", StoredPath: "a.txt", Size: 3, Status: manifest.StatusCopied},
	}}

	entries, err := Select(Options{
		SourceRoot:     root,
		Mode:           manifest.ModeIncremental,
		PriorManifests: []*manifest.Manifest{prior},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, paths(entries))
}

// TestSelectIncrementalKeepsChangedSameSize guards against the regression
// where selection compared only recorded size: an in-place edit that keeps
// a file's byte length unchanged must still be selected because its mtime
// advanced past the baseline run's start.
func TestSelectIncrementalKeepsChangedSameSize(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "xxxxxxxxx"}) // same length as "unchanged"

	baselineStart := time.Now()
	chtimes(t, filepath.Join(root, "a.txt"), baselineStart.Add(time.Hour))

	prior := &manifest.Manifest{StartedAt: baselineStart, Files: []manifest.FileRecord{
		{Path: "a.txt", StoredPath: "a.txt", Size: int64(len("xxxxxxxxx")), Status: manifest.StatusCopied},
	}}

	entries, err := Select(Options{
		SourceRoot:     root,
		Mode:           manifest.ModeIncremental,
		PriorManifests: []*manifest.Manifest{prior},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, paths(entries))
}
