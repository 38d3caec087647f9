// SPDX-License-Identifier: LGPL-3.0-or-later

package dedup

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupvault/logger"
)

func TestRunHardlinksDuplicateContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("same content"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same content"), 0o644))

	result, err := Run([]Candidate{{AbsPath: a}, {AbsPath: b}}, logger.New("error"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.LinksCreated)

	infoA, _ := os.Stat(a)
	infoB, _ := os.Stat(b)
	statA := infoA.Sys().(*syscall.Stat_t)
	statB := infoB.Sys().(*syscall.Stat_t)
	assert.Equal(t, statA.Ino, statB.Ino)
}

func TestRunLeavesDistinctContentAlone(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("content one"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("content two"), 0o644))

	result, err := Run([]Candidate{{AbsPath: a}, {AbsPath: b}}, logger.New("error"))
	require.NoError(t, err)
	assert.Equal(t, 0, result.LinksCreated)
}

func TestRunPicksLexicographicallySmallestAsCanonical(t *testing.T) {
	dir := t.TempDir()
	z := filepath.Join(dir, "zzz.txt")
	a := filepath.Join(dir, "aaa.txt")
	require.NoError(t, os.WriteFile(z, []byte("dup"), 0o644))
	require.NoError(t, os.WriteFile(a, []byte("dup"), 0o644))

	_, err := Run([]Candidate{{AbsPath: z}, {AbsPath: a}}, logger.New("error"))
	require.NoError(t, err)

	infoA, _ := os.Stat(a)
	infoZ, _ := os.Stat(z)
	assert.Equal(t, infoA.Sys().(*syscall.Stat_t).Ino, infoZ.Sys().(*syscall.Stat_t).Ino)
}
