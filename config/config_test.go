// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backupvault.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "[BACKUPS]\nsource_dir = /data\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Defaults.LogLevel)
	assert.Equal(t, "full", cfg.Modes.BackupMode)
	assert.Equal(t, 5, cfg.Schedule.ToleranceMinutes)
	assert.Equal(t, 7, cfg.Retention.KeepCount)
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("BACKUP_SOURCE", "/srv/data")
	path := writeConfig(t, "[BACKUPS]\nsource_dir = ${BACKUP_SOURCE}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", cfg.Backups.SourceDir)
}

func TestLoadFailsOnUnresolvedEnvReference(t *testing.T) {
	path := writeConfig(t, "[BACKUPS]\nsource_dir = ${DEFINITELY_NOT_SET_XYZ}\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingSourceDir(t *testing.T) {
	path := writeConfig(t, "[DEFAULT]\nlog_level = debug\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEncryptionWithoutKeyMaterial(t *testing.T) {
	path := writeConfig(t, "[BACKUPS]\nsource_dir = /data\n[ENCRYPTION]\nenabled = true\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestNotificationsDisabledSentinel(t *testing.T) {
	cfgNoSection, err := Load(writeConfig(t, "[BACKUPS]\nsource_dir = /data\n"))
	require.NoError(t, err)
	assert.True(t, cfgNoSection.NotificationsDisabled())

	cfgEmptyList, err := Load(writeConfig(t, "[BACKUPS]\nsource_dir = /data\n[NOTIFICATIONS]\nreceiver_emails =\n"))
	require.NoError(t, err)
	assert.True(t, cfgEmptyList.NotificationsDisabled())

	cfgWithReceiver, err := Load(writeConfig(t, "[BACKUPS]\nsource_dir = /data\n[NOTIFICATIONS]\nreceiver_emails = ops@example.com\n"))
	require.NoError(t, err)
	assert.False(t, cfgWithReceiver.NotificationsDisabled())
}

func TestSplitListTrimsAndDropsEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a , , b "))
	assert.Nil(t, splitList(""))
}
