// SPDX-License-Identifier: LGPL-3.0-or-later

package copier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupvault/logger"
)

func TestLocalPutWritesFileAtRelPath(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcFile := filepath.Join(srcDir, "a.txt")
	require.NoError(t, os.WriteFile(srcFile, []byte("hello"), 0o644))

	dest, err := NewLocal(dstDir, nil, logger.New("error"))
	require.NoError(t, err)

	var lastTransferred, lastTotal int64
	err = dest.Put(context.Background(), srcFile, "sub/a.txt", func(transferred, total int64) {
		lastTransferred, lastTotal = transferred, total
	})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dstDir, "sub/a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	assert.Equal(t, int64(5), lastTransferred)
	assert.Equal(t, int64(5), lastTotal)
}

func TestLocalPutLeavesNoPartialFileOnSuccess(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "a.txt")
	require.NoError(t, os.WriteFile(srcFile, []byte("data"), 0o644))

	dest, err := NewLocal(dstDir, nil, logger.New("error"))
	require.NoError(t, err)
	require.NoError(t, dest.Put(context.Background(), srcFile, "a.txt", nil))

	_, err = os.Stat(filepath.Join(dstDir, "a.txt.partial"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunPoolCopiesAllJobs(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	var jobs []Job
	for i := 0; i < 5; i++ {
		name := filepath.Join(srcDir, "f"+string(rune('a'+i))+".txt")
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
		jobs = append(jobs, Job{LocalPath: name, RelPath: "f" + string(rune('a'+i)) + ".txt", Size: 1})
	}

	dest, err := NewLocal(dstDir, nil, logger.New("error"))
	require.NoError(t, err)

	results := RunPool(context.Background(), dest, jobs, 2, nil)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestLocalRemoveIsIdempotent(t *testing.T) {
	dstDir := t.TempDir()
	dest, err := NewLocal(dstDir, nil, logger.New("error"))
	require.NoError(t, err)

	assert.NoError(t, dest.Remove(context.Background(), "nonexistent.txt"))
}
