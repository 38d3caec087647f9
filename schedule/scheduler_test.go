// SPDX-License-Identifier: LGPL-3.0-or-later

package schedule

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backupvault/logger"
)

func TestTickFiresWithinTolerance(t *testing.T) {
	var fired []string
	s, err := New(Config{
		Times:            []string{"10:00"},
		ToleranceMinutes: 5,
	}, func(trigger string) { fired = append(fired, trigger) }, logger.New("error"))
	require.NoError(t, err)

	now := time.Date(2026, 7, 29, 10, 3, 0, 0, time.Local)
	s.tick(now)

	require.Len(t, fired, 1)
	assert.Equal(t, "schedule:10:00", fired[0])
}

func TestTickDoesNotFireOutsideTolerance(t *testing.T) {
	var fired []string
	s, err := New(Config{
		Times:            []string{"10:00"},
		ToleranceMinutes: 5,
	}, func(trigger string) { fired = append(fired, trigger) }, logger.New("error"))
	require.NoError(t, err)

	now := time.Date(2026, 7, 29, 10, 30, 0, 0, time.Local)
	s.tick(now)

	assert.Empty(t, fired)
}

func TestTickFiresAtMostOncePerSlotPerDay(t *testing.T) {
	count := 0
	s, err := New(Config{
		Times:            []string{"10:00"},
		ToleranceMinutes: 5,
	}, func(trigger string) { count++ }, logger.New("error"))
	require.NoError(t, err)

	base := time.Date(2026, 7, 29, 10, 1, 0, 0, time.Local)
	s.tick(base)
	s.tick(base.Add(time.Minute))
	s.tick(base.Add(2 * time.Minute))

	assert.Equal(t, 1, count)
}

func TestTickRefiresNextDay(t *testing.T) {
	count := 0
	s, err := New(Config{
		Times:            []string{"10:00"},
		ToleranceMinutes: 5,
	}, func(trigger string) { count++ }, logger.New("error"))
	require.NoError(t, err)

	day1 := time.Date(2026, 7, 29, 10, 1, 0, 0, time.Local)
	day2 := time.Date(2026, 7, 30, 10, 1, 0, 0, time.Local)
	s.tick(day1)
	s.tick(day2)

	assert.Equal(t, 2, count)
}

func TestLockPreventsSecondInstance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backupvault.pid")

	l1 := NewLock(path)
	ok, err := l1.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer l1.Release()

	l2 := NewLock(path)
	ok2, err := l2.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok2)
}
