// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import "fmt"

// Validate checks cross-field invariants that ini defaulting alone cannot
// enforce.
func Validate(c *Config) error {
	if c.Backups.SourceDir == "" {
		return fmt.Errorf("BACKUPS.source_dir is required")
	}

	switch c.Modes.BackupMode {
	case "full", "incremental", "differential":
	default:
		return fmt.Errorf("MODES.backup_mode %q must be one of: full, incremental, differential", c.Modes.BackupMode)
	}

	if c.Encryption.Enabled && c.Encryption.Passphrase == "" && c.Encryption.KeyFile == "" {
		return fmt.Errorf("ENCRYPTION.enabled requires passphrase or key_file")
	}

	if c.Schedule.ToleranceMinutes < 0 {
		return fmt.Errorf("SCHEDULE.tolerance_minutes must be non-negative")
	}

	if c.Retention.KeepCount < 0 {
		return fmt.Errorf("RETENTION.keep_count must be non-negative")
	}
	if c.Retention.MaxAgeDays < 0 {
		return fmt.Errorf("RETENTION.max_age_days must be non-negative")
	}

	if c.Database.DumpCommand != "" && c.Database.Database == "" {
		return fmt.Errorf("DATABASE.database is required when dump_command is set")
	}

	return nil
}
