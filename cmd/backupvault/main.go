// SPDX-License-Identifier: LGPL-3.0-or-later

// Command backupvault is the single entrypoint for the backup pipeline:
// it parses one flat flag set, loads the ini-formatted configuration file,
// and dispatches to a run, a restore, or one of the informational modes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"backupvault/config"
	"backupvault/logger"
)

const version = "1.0.0"

// exit codes, per the CLI's documented contract.
const (
	exitSuccess      = 0
	exitConfigError  = 1
	exitLockConflict = 2
	exitPartial      = 3
	exitFailed       = 4
)

// args is the parsed, validated command line.
type args struct {
	operationModes stringList // local, ssh, s3, db
	backupMode     string
	sourceDir      string
	backupDirs     stringList
	sshServers     stringList
	exclude        stringList
	retain         int
	compress       string // "", "zip", "zip_pw"
	encrypt        bool
	dedup          bool

	scheduled bool
	dryRun    bool
	showSetup bool
	status    bool
	verify    bool

	restore          bool
	fromDir          string
	toDir            string
	restoreTimestamp string

	configPath      string
	profile         string
	notifications   bool
	receivers       stringList
	showVersion     bool
}

// stringList accumulates repeated flag occurrences, or a single
// comma-separated value, into a slice.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func parseArgs(argv []string) (*args, error) {
	fs := flag.NewFlagSet("backupvault", flag.ContinueOnError)

	a := &args{}
	fs.Var(&a.operationModes, "operation-modes", "backup destinations to run: local, ssh, s3, db (comma-separated or repeated)")
	fs.StringVar(&a.backupMode, "backup-mode", "", "full, incremental, or differential (empty defers to config file)")
	fs.StringVar(&a.sourceDir, "source-dir", "", "source directory to back up")
	fs.Var(&a.backupDirs, "backup-dirs", "local destination directories")
	fs.Var(&a.sshServers, "ssh-servers", "remote host:port entries for the ssh destination")
	fs.Var(&a.exclude, "exclude", "glob patterns to exclude from selection")
	fs.IntVar(&a.retain, "retain", 0, "number of runs to retain (0 defers to config file)")
	fs.StringVar(&a.compress, "compress", "", "zip or zip_pw to enable archive mode")
	fs.BoolVar(&a.encrypt, "encrypt", false, "encrypt files at local destinations")
	fs.BoolVar(&a.dedup, "dedup", false, "hardlink-dedupe identical files at local destinations")

	fs.BoolVar(&a.scheduled, "scheduled", false, "run the in-process scheduler instead of a single run")
	fs.BoolVar(&a.dryRun, "dry-run", false, "report the resolved source, mode, and destination count without selecting or copying any files")
	fs.BoolVar(&a.showSetup, "show-setup", false, "print the resolved configuration and exit")
	fs.BoolVar(&a.status, "status", false, "print the most recent run's manifest summary and exit")
	fs.BoolVar(&a.verify, "verify", false, "re-hash destination files against their manifest after the run")
	fs.BoolVar(&a.restore, "restore", false, "restore files from a prior run instead of backing up")
	fs.StringVar(&a.fromDir, "from-dir", "", "restore source: local path, user@host:/path, ssh://user@host/path, or s3://bucket/prefix")
	fs.StringVar(&a.toDir, "to-dir", "", "restore destination directory")
	fs.StringVar(&a.restoreTimestamp, "restore-timestamp", "", "run ID to restore, YYYYMMDD_HHMMSS (defaults to latest, local sources only)")

	fs.StringVar(&a.configPath, "config", "", "path to the ini configuration file")
	fs.StringVar(&a.profile, "profile", "", "resolves to config/config.<NAME>.ini")
	fs.BoolVar(&a.notifications, "notifications", false, "send email/webhook notifications for this run")
	fs.Var(&a.receivers, "receiver", "notification recipient email addresses")
	fs.BoolVar(&a.showVersion, "version", false, "print the version and exit")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	if a.scheduled && a.dryRun {
		return nil, fmt.Errorf("--scheduled and --dry-run are mutually exclusive")
	}
	if a.restore && (len(a.operationModes) > 0 || a.backupMode != "" || a.sourceDir != "" || len(a.backupDirs) > 0 ||
		len(a.sshServers) > 0 || len(a.exclude) > 0 || a.retain > 0 || a.compress != "" || a.encrypt || a.dedup) {
		return nil, fmt.Errorf("--restore cannot be combined with backup-producing flags")
	}
	if a.restore && (a.fromDir == "" || a.toDir == "") {
		return nil, fmt.Errorf("--restore requires both --from-dir and --to-dir")
	}

	return a, nil
}

// resolveConfigPath applies §6's --profile resolution: config/config.<NAME>.ini
// takes precedence over an explicit --config when both are given, matching
// the documented profile-overrides-path behavior.
func resolveConfigPath(a *args) string {
	if a.profile != "" {
		return filepath.Join("config", fmt.Sprintf("config.%s.ini", a.profile))
	}
	if a.configPath != "" {
		return a.configPath
	}
	return "config/config.ini"
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	a, err := parseArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "backupvault:", err)
		return exitConfigError
	}

	if a.showVersion {
		fmt.Println("backupvault", version)
		return exitSuccess
	}

	cfg, err := config.Load(resolveConfigPath(a))
	if err != nil {
		fmt.Fprintln(os.Stderr, "backupvault: config error:", err)
		return exitConfigError
	}

	log := logger.NewWithConfig(logger.Config{Level: cfg.Defaults.LogLevel, Format: cfg.Defaults.LogFormat})

	switch {
	case a.showSetup:
		printSetup(cfg)
		return exitSuccess
	case a.status:
		return printStatus(cfg, log)
	case a.restore:
		if err := runRestore(a, cfg, log); err != nil {
			fmt.Fprintln(os.Stderr, "backupvault: restore failed:", err)
			return exitFailed
		}
		return exitSuccess
	case a.scheduled:
		return runScheduled(a, cfg, log)
	default:
		return runOnce(context.Background(), a, cfg, log)
	}
}
