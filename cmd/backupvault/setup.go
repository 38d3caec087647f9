// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"strings"

	"backupvault/config"
	"backupvault/logger"
	"backupvault/manifest"
)

// printSetup reports the resolved configuration in a readable form, so an
// operator can confirm what a run would actually do before triggering one.
func printSetup(cfg *config.Config) {
	fmt.Println("backupvault configuration")
	fmt.Println("  source_dir:       ", valueOr(cfg.Backups.SourceDir, "(unset)"))
	fmt.Println("  backup_mode:      ", cfg.Modes.BackupMode)
	fmt.Println("  local destinations:", strings.Join(cfg.Backups.DestinationDirs, ", "))
	fmt.Println("  excludes:         ", strings.Join(cfg.Backups.Excludes, ", "))
	fmt.Println("  compress:         ", cfg.Backups.Compress)
	fmt.Println("  encryption:       ", cfg.Encryption.Enabled)
	fmt.Println("  dedup:            ", cfg.Dedup.Enabled)

	if len(cfg.SSH.Servers) > 0 {
		fmt.Println("  ssh servers:      ", strings.Join(cfg.SSH.Servers, ", "))
	}
	if cfg.S3.Bucket != "" {
		fmt.Printf("  s3 destination:    s3://%s/%s\n", cfg.S3.Bucket, cfg.S3.Prefix)
	}
	if cfg.Database.DumpCommand != "" {
		fmt.Println("  database dump:    ", cfg.Database.DumpCommand)
	}

	fmt.Println("  retention:        ", fmt.Sprintf("keep %d runs, max age %d days", cfg.Retention.KeepCount, cfg.Retention.MaxAgeDays))
	fmt.Println("  schedule times:   ", strings.Join(cfg.Schedule.Times, ", "))
	fmt.Println("  notifications:    ", !cfg.NotificationsDisabled())
}

// printStatus reports the most recent run recorded at the first configured
// local destination, the only place this CLI can read a manifest from
// without additional remote-source flags.
func printStatus(cfg *config.Config, log logger.Logger) int {
	if len(cfg.Backups.DestinationDirs) == 0 {
		fmt.Println("backupvault: no local destination configured, nothing to report")
		return exitConfigError
	}

	dir := cfg.Backups.DestinationDirs[0]
	m, err := manifest.Latest(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "backupvault: status error:", err)
		return exitConfigError
	}
	if m == nil {
		fmt.Println("backupvault: no runs recorded yet under", dir)
		return exitSuccess
	}

	fmt.Println("last run:    ", m.RunID)
	fmt.Println("mode:        ", string(m.Mode))
	fmt.Println("outcome:     ", m.Outcome())
	fmt.Println("started at:  ", m.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Println("finished at: ", m.FinishedAt.Format("2006-01-02 15:04:05"))
	fmt.Println("files copied:", len(m.SucceededPaths()))
	fmt.Println("bytes copied:", m.BytesCopied())

	log.Info("status reported", "run_id", m.RunID, "outcome", m.Outcome())

	switch m.Outcome() {
	case "success":
		return exitSuccess
	case "partial":
		return exitPartial
	default:
		return exitFailed
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
