// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"backupvault/archive"
	"backupvault/bandwidth"
	"backupvault/config"
	"backupvault/copier"
	"backupvault/crypto"
	"backupvault/dbdump"
	"backupvault/logger"
	"backupvault/manifest"
	"backupvault/notify"
	"backupvault/orchestrator"
	"backupvault/retention"
	"backupvault/retry"
	"backupvault/schedule"
)

func runOnce(ctx context.Context, a *args, cfg *config.Config, log logger.Logger) int {
	// A password-protected archive gets a fresh one-time password per run
	// rather than the static passphrase, so a leaked password never unseals
	// more than one run's archive.
	archivePassword := ""
	if a.compress == "zip_pw" {
		archivePassword = archive.GenerateOneTimePassword()
	}

	orchCfg, err := buildOrchestratorConfig(a, cfg, archivePassword)
	if err != nil {
		fmt.Println("backupvault: config error:", err)
		return exitConfigError
	}

	if a.dryRun {
		return runDryRun(orchCfg, log)
	}

	orch := orchestrator.New()
	webhooks := webhookManager(a, cfg, log)
	mailer := notify.NewMailNotifier(emailConfig(a, cfg), log)

	result, err := orch.Run(ctx, orchCfg, log, func(e orchestrator.Event) {
		log.Info("run event", "run_id", e.RunID, "stage", string(e.Stage), "message", e.Message)
		if webhooks != nil {
			webhooks.NotifyEvent(e)
		}
	})
	if err != nil {
		switch {
		case isLockConflict(err):
			return exitLockConflict
		default:
			return exitConfigError
		}
	}

	if archivePassword != "" {
		// Delivered out-of-band only: never written to a log line or to
		// disk. No OS credential-store library is wired into this module
		// (see DESIGN.md), so retrieval for a future restore depends on
		// the operator having kept one of these notifications.
		if webhooks != nil {
			webhooks.NotifyArchivePassword(result.RunID, archivePassword)
		}
		if err := mailer.SendArchivePassword(result.RunID, archivePassword); err != nil {
			log.Warn("archive password notification failed", "error", err)
		}
	}

	if notificationsEnabled(a, cfg) {
		if webhooks != nil {
			webhooks.NotifyRunResult(result)
		}
		if err := mailer.SendRunResult(result); err != nil {
			log.Warn("email notification failed", "error", err)
		}
	}

	switch result.Outcome {
	case orchestrator.OutcomeSuccess:
		return exitSuccess
	case orchestrator.OutcomePartial:
		return exitPartial
	default:
		return exitFailed
	}
}

func isLockConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already holds lock")
}

func runScheduled(a *args, cfg *config.Config, log logger.Logger) int {
	sched, err := schedule.New(schedule.Config{
		Times:            cfg.Schedule.Times,
		ToleranceMinutes: cfg.Schedule.ToleranceMinutes,
		CronExpr:         cfg.Schedule.CronExpr,
	}, func(trigger string) {
		log.Info("scheduled run firing", "trigger", trigger)
		runOnce(context.Background(), a, cfg, log)
	}, log)
	if err != nil {
		fmt.Println("backupvault: scheduler error:", err)
		return exitConfigError
	}

	sched.Start()
	return exitSuccess
}

func runDryRun(cfg orchestrator.Config, log logger.Logger) int {
	log.Info("dry run: nothing will be selected or copied",
		"source_dir", cfg.SourceDir, "mode", string(cfg.Mode), "destinations",
		len(cfg.LocalRoots)+len(cfg.SFTP)+len(cfg.ObjectStore))
	return exitSuccess
}

// buildOrchestratorConfig merges the loaded config file with CLI flag
// overrides into the immutable snapshot the orchestrator runs from. CLI
// flags take precedence over config file values wherever both are set.
func buildOrchestratorConfig(a *args, cfg *config.Config, archivePassword string) (orchestrator.Config, error) {
	sourceDir := cfg.Backups.SourceDir
	if a.sourceDir != "" {
		sourceDir = a.sourceDir
	}
	if sourceDir == "" {
		return orchestrator.Config{}, fmt.Errorf("no source directory configured (set source_dir or pass --source-dir)")
	}

	mode := manifest.Mode(cfg.Modes.BackupMode)
	if a.backupMode != "" {
		mode = manifest.Mode(a.backupMode)
	}

	localRoots := cfg.Backups.DestinationDirs
	if len(a.backupDirs) > 0 {
		localRoots = a.backupDirs
	}

	excludes := cfg.Backups.Excludes
	if len(a.exclude) > 0 {
		excludes = a.exclude
	}

	wantsLocal, wantsSSH, wantsS3, wantsDB := modeSet(a, cfg)

	if !wantsLocal {
		localRoots = nil
	}

	var limiter *bandwidth.Limiter
	if cfg.SSH.BandwidthLimit > 0 {
		limiter = bandwidth.New(&bandwidth.Config{MaxBytesPerSecond: cfg.SSH.BandwidthLimit}, logger.New(cfg.Defaults.LogLevel))
	}

	var sftpConfigs []copier.SFTPConfig
	if wantsSSH {
		servers := cfg.SSH.Servers
		if len(a.sshServers) > 0 {
			servers = a.sshServers
		}
		for _, server := range servers {
			host, port := splitHostPort(server)
			sftpConfigs = append(sftpConfigs, copier.SFTPConfig{
				Host:           host,
				Port:           port,
				User:           cfg.SSH.User,
				PrivateKeyPath: cfg.SSH.PrivateKeyPath,
				KnownHostsPath: cfg.SSH.KnownHostsPath,
				Retry:          retry.DefaultConfig(),
			})
		}
	}

	var objectStores []copier.ObjectStoreConfig
	if wantsS3 && cfg.S3.Bucket != "" {
		objectStores = append(objectStores, copier.ObjectStoreConfig{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Retry:     retry.DefaultConfig(),
		})
	}

	var dbDump *dbdump.Config
	if wantsDB && cfg.Database.DumpCommand != "" {
		stagingDir := sourceDir
		if len(localRoots) > 0 {
			stagingDir = localRoots[0]
		}
		dbDump = &dbdump.Config{
			Command:     cfg.Database.DumpCommand,
			Database:    cfg.Database.Database,
			PasswordEnv: cfg.Database.PasswordEnv,
			StagingDir:  stagingDir,
		}
	}

	retain := cfg.Retention.KeepCount
	if a.retain > 0 {
		retain = a.retain
	}

	compress := cfg.Backups.Compress
	compressPassword := ""
	if a.compress != "" {
		compress = true
		if a.compress == "zip_pw" {
			compressPassword = archivePassword
		}
	}

	encryptionEnabled := cfg.Encryption.Enabled || a.encrypt
	dedupEnabled := cfg.Dedup.Enabled || a.dedup

	return orchestrator.Config{
		SourceDir:         sourceDir,
		Excludes:          excludes,
		Mode:              mode,
		Parallel:          4,
		LocalRoots:        localRoots,
		SFTP:              sftpConfigs,
		ObjectStore:       objectStores,
		Limiter:           limiter,
		Compress:          compress,
		CompressPassword:  compressPassword,
		EncryptionEnabled: encryptionEnabled,
		Encryption:        crypto.KeySource{KeyFile: cfg.Encryption.KeyFile, Passphrase: cfg.Encryption.Passphrase},
		DedupEnabled:      dedupEnabled,
		Retention:         retention.Config{MaxCount: retain, MaxAgeDays: cfg.Retention.MaxAgeDays},
		DBDump:            dbDump,
		PreHook:           cfg.Hooks.PreBackup,
		PostHook:          cfg.Hooks.PostBackup,
		LockPath:          lockPath(localRoots),
		Verify:            a.verify,
	}, nil
}

func modeSet(a *args, cfg *config.Config) (local, ssh, s3, db bool) {
	if len(a.operationModes) == 0 {
		// No explicit selector: run whatever destinations the config defines.
		return true, len(cfg.SSH.Servers) > 0, cfg.S3.Bucket != "", cfg.Database.DumpCommand != ""
	}
	for _, m := range a.operationModes {
		switch m {
		case "local":
			local = true
		case "ssh":
			ssh = true
		case "s3":
			s3 = true
		case "db":
			db = true
		}
	}
	return
}

func splitHostPort(entry string) (string, int) {
	idx := strings.LastIndexByte(entry, ':')
	if idx < 0 {
		return entry, 22
	}
	port, err := strconv.Atoi(entry[idx+1:])
	if err != nil {
		return entry, 22
	}
	return entry[:idx], port
}

func lockPath(localRoots []string) string {
	if len(localRoots) > 0 {
		return filepath.Join(localRoots[0], ".backupvault.lock")
	}
	return filepath.Join(".", ".backupvault.lock")
}

func notificationsEnabled(a *args, cfg *config.Config) bool {
	if a.notifications {
		return true
	}
	return !cfg.NotificationsDisabled()
}

func emailConfig(a *args, cfg *config.Config) *notify.EmailConfig {
	receivers := cfg.Notifications.Receivers
	if len(a.receivers) > 0 {
		receivers = a.receivers
	}
	if cfg.SMTP.Host == "" || len(receivers) == 0 {
		return nil
	}
	return &notify.EmailConfig{
		SMTPHost:     cfg.SMTP.Host,
		SMTPPort:     cfg.SMTP.Port,
		SMTPUsername: cfg.SMTP.Username,
		SMTPPassword: cfg.SMTP.Password,
		FromAddress:  cfg.SMTP.From,
		ToAddresses:  receivers,
	}
}

func webhookManager(a *args, cfg *config.Config, log logger.Logger) *notify.WebhookManager {
	if cfg.Notifications.WebhookURL == "" {
		return nil
	}
	return notify.NewWebhookManager([]notify.Webhook{
		{
			URL:     cfg.Notifications.WebhookURL,
			Events:  []string{"*"},
			Enabled: true,
			Timeout: 10 * time.Second,
			Retry:   3,
		},
	}, log)
}
