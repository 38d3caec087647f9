// SPDX-License-Identifier: LGPL-3.0-or-later

package verify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupvault/crypto"
	"backupvault/manifest"
	"backupvault/logger"
)

func TestDestinationPassesForUnchangedFile(t *testing.T) {
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(destRoot, "a.txt"), []byte("hello"), 0o644))

	sha, err := manifest.ComputeSHA256(filepath.Join(destRoot, "a.txt"))
	require.NoError(t, err)

	b := manifest.NewBuilder("20260729_000000", manifest.ModeFull, "/src", destRoot)
	b.AddCopied("a.txt", "a.txt", 5, sha)
	m, err := b.Finish()
	require.NoError(t, err)

	report, err := Destination(m, destRoot, crypto.KeySource{}, logger.New("error"))
	require.NoError(t, err)
	assert.False(t, report.Corrupted)
	require.Len(t, report.Outcomes, 1)
	assert.True(t, report.Outcomes[0].OK)
}

func TestDestinationFlagsTamperedFile(t *testing.T) {
	destRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(destRoot, "a.txt"), []byte("hello"), 0o644))

	sha, err := manifest.ComputeSHA256(filepath.Join(destRoot, "a.txt"))
	require.NoError(t, err)

	b := manifest.NewBuilder("20260729_000000", manifest.ModeFull, "/src", destRoot)
	b.AddCopied("a.txt", "a.txt", 5, sha)
	m, err := b.Finish()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(destRoot, "a.txt"), []byte("tampered"), 0o644))

	report, err := Destination(m, destRoot, crypto.KeySource{}, logger.New("error"))
	require.NoError(t, err)
	assert.True(t, report.Corrupted)
}

func TestDestinationDecryptsEncSiblingFirst(t *testing.T) {
	destRoot := t.TempDir()
	plainPath := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(plainPath, []byte("secret content"), 0o644))
	sha, err := manifest.ComputeSHA256(plainPath)
	require.NoError(t, err)

	enc := crypto.New(crypto.KeySource{Passphrase: "pw"})
	encPath := filepath.Join(destRoot, "a.txt.enc")
	require.NoError(t, enc.EncryptFile(plainPath, encPath))

	b := manifest.NewBuilder("20260729_000000", manifest.ModeFull, "/src", destRoot)
	b.AddCopied("a.txt", "a.txt.enc", 14, sha)
	m, err := b.Finish()
	require.NoError(t, err)

	report, err := Destination(m, destRoot, crypto.KeySource{Passphrase: "pw"}, logger.New("error"))
	require.NoError(t, err)
	assert.False(t, report.Corrupted)
}

func TestDestinationReportsMissingFile(t *testing.T) {
	destRoot := t.TempDir()

	b := manifest.NewBuilder("20260729_000000", manifest.ModeFull, "/src", destRoot)
	b.AddCopied("missing.txt", "missing.txt", 5, "0000000000000000000000000000000000000000000000000000000000000000"[:64])
	m, err := b.Finish()
	require.NoError(t, err)

	report, err := Destination(m, destRoot, crypto.KeySource{}, logger.New("error"))
	require.NoError(t, err)
	assert.True(t, report.Corrupted)
}
