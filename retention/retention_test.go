// SPDX-License-Identifier: LGPL-3.0-or-later

package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupvault/logger"
	"backupvault/manifest"
)

func writeRun(t *testing.T, destRoot, manifestDir, runID string, started time.Time, files map[string]string) *manifest.Manifest {
	t.Helper()
	b := manifest.NewBuilder(runID, manifest.ModeFull, "/src", destRoot)
	for rel, content := range files {
		full := filepath.Join(destRoot, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
		b.AddCopied(rel, rel, int64(len(content)), "0000000000000000000000000000000000000000000000000000000000000000"[:64])
	}
	m, err := b.Finish()
	require.NoError(t, err)
	m.StartedAt = started
	m.FinishedAt = started
	require.NoError(t, manifest.WriteToFile(m, filepath.Join(manifestDir, manifest.ManifestFileName(runID))))
	return m
}

func TestRunDeletesRunsOlderThanMaxAge(t *testing.T) {
	destRoot := t.TempDir()
	manifestDir := t.TempDir()
	now := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	writeRun(t, destRoot, manifestDir, "20260101_000000", now.AddDate(0, 0, -40), map[string]string{"old.txt": "a"})
	writeRun(t, destRoot, manifestDir, "20260728_000000", now.AddDate(0, 0, -1), map[string]string{"new.txt": "b"})

	result, err := Run(Config{MaxAgeDays: 30}, destRoot, manifestDir, now, logger.New("error"))
	require.NoError(t, err)
	assert.Equal(t, []string{"20260101_000000"}, result.RunsDeleted)

	_, err = os.Stat(filepath.Join(destRoot, "old.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(destRoot, "new.txt"))
	assert.NoError(t, err)
}

func TestRunKeepsOnlyMaxCountNewest(t *testing.T) {
	destRoot := t.TempDir()
	manifestDir := t.TempDir()
	now := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	writeRun(t, destRoot, manifestDir, "20260101_000000", now, map[string]string{"a.txt": "a"})
	writeRun(t, destRoot, manifestDir, "20260102_000000", now, map[string]string{"b.txt": "b"})
	writeRun(t, destRoot, manifestDir, "20260103_000000", now, map[string]string{"c.txt": "c"})

	result, err := Run(Config{MaxCount: 2}, destRoot, manifestDir, now, logger.New("error"))
	require.NoError(t, err)
	assert.Equal(t, []string{"20260101_000000"}, result.RunsDeleted)
}

func TestRunNeverDeletesFileSharedWithKeptRun(t *testing.T) {
	destRoot := t.TempDir()
	manifestDir := t.TempDir()
	now := time.Date(2026, 7, 29, 0, 0, 0, 0, time.UTC)

	shared := filepath.Join(destRoot, "shared.txt")
	require.NoError(t, os.WriteFile(shared, []byte("shared"), 0o644))

	oldB := manifest.NewBuilder("20260101_000000", manifest.ModeFull, "/src", destRoot)
	oldB.AddCopied("shared.txt", "shared.txt", 6, "0000000000000000000000000000000000000000000000000000000000000000"[:64])
	oldM, err := oldB.Finish()
	require.NoError(t, err)
	oldM.StartedAt = now.AddDate(0, 0, -40)
	require.NoError(t, manifest.WriteToFile(oldM, filepath.Join(manifestDir, manifest.ManifestFileName(oldM.RunID))))

	newB := manifest.NewBuilder("20260728_000000", manifest.ModeIncremental, "/src", destRoot)
	newB.AddCopied("shared.txt", "shared.txt", 6, "0000000000000000000000000000000000000000000000000000000000000000"[:64])
	newM, err := newB.Finish()
	require.NoError(t, err)
	newM.StartedAt = now.AddDate(0, 0, -1)
	require.NoError(t, manifest.WriteToFile(newM, filepath.Join(manifestDir, manifest.ManifestFileName(newM.RunID))))

	result, err := Run(Config{MaxAgeDays: 30}, destRoot, manifestDir, now, logger.New("error"))
	require.NoError(t, err)
	assert.Equal(t, []string{"20260101_000000"}, result.RunsDeleted)

	_, err = os.Stat(shared)
	assert.NoError(t, err, "shared file referenced by the kept run must survive")
}

func TestRunIsNoOpWhenBothRulesDisabled(t *testing.T) {
	destRoot := t.TempDir()
	manifestDir := t.TempDir()
	now := time.Now()
	writeRun(t, destRoot, manifestDir, "20260101_000000", now, map[string]string{"a.txt": "a"})

	result, err := Run(Config{}, destRoot, manifestDir, now, logger.New("error"))
	require.NoError(t, err)
	assert.Empty(t, result.RunsDeleted)
}
