// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the pipeline's ini-formatted configuration file,
// expanding ${NAME}-style environment variable references before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the fully resolved, defaulted configuration for one run.
type Config struct {
	Defaults     DefaultsConfig
	Backups      BackupsConfig
	SSH          SSHConfig
	S3           S3Config
	Encryption   EncryptionConfig
	Database     DatabaseConfig
	SMTP         SMTPConfig
	Dedup        DedupConfig
	Schedule     ScheduleConfig
	Modes        ModesConfig
	Hooks        HooksConfig
	Retention    RetentionConfig
	Notifications NotificationsConfig
}

type DefaultsConfig struct {
	LogLevel  string
	LogFormat string // "text" or "json"
}

type BackupsConfig struct {
	SourceDir        string
	DestinationDirs  []string // local destination roots
	Excludes         []string
	Compress         bool
}

type SSHConfig struct {
	Servers        []string // host:port entries, one per destination
	User           string
	PrivateKeyPath string
	KnownHostsPath string
	BandwidthLimit int64 // bytes/sec, 0 = unlimited
}

type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type EncryptionConfig struct {
	Enabled    bool
	Passphrase string
	KeyFile    string
}

type DatabaseConfig struct {
	DumpCommand string
	Database    string
	PasswordEnv string // name of the env var holding the DB password
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type DedupConfig struct {
	Enabled bool
}

type ScheduleConfig struct {
	Times            []string // "HH:MM" slots
	ToleranceMinutes int
	CronExpr         string // optional secondary trigger
}

type ModesConfig struct {
	BackupMode string // full, incremental, differential
}

type HooksConfig struct {
	PreBackup  string
	PostBackup string
}

type RetentionConfig struct {
	KeepCount int
	MaxAgeDays int
}

type NotificationsConfig struct {
	Receivers []string // nil/empty both mean "disabled"
	WebhookURL string
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv resolves every ${NAME} reference in raw against the process
// environment. An unresolved reference aborts loading rather than being
// left in place or silently blanked.
func expandEnv(raw string) (string, error) {
	var missing []string
	expanded := envRefPattern.ReplaceAllStringFunc(raw, func(match string) string {
		name := envRefPattern.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved environment reference(s): %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// Load reads path, expands ${NAME} references, and parses it as an ini
// document into a defaulted Config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("expand config: %w", err)
	}

	file, err := ini.Load([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := defaults()

	if s := file.Section("DEFAULT"); s != nil {
		cfg.Defaults.LogLevel = s.Key("log_level").MustString(cfg.Defaults.LogLevel)
		cfg.Defaults.LogFormat = s.Key("log_format").MustString(cfg.Defaults.LogFormat)
	}
	if s := file.Section("BACKUPS"); s != nil {
		cfg.Backups.SourceDir = s.Key("source_dir").String()
		cfg.Backups.DestinationDirs = splitList(s.Key("backup_dirs").String())
		cfg.Backups.Excludes = splitList(s.Key("exclude").String())
		cfg.Backups.Compress = s.Key("compress").MustBool(cfg.Backups.Compress)
	}
	if s := file.Section("SSH"); s != nil {
		cfg.SSH.Servers = splitList(s.Key("servers").String())
		cfg.SSH.User = s.Key("user").String()
		cfg.SSH.PrivateKeyPath = s.Key("private_key_path").String()
		cfg.SSH.KnownHostsPath = s.Key("known_hosts_path").MustString(cfg.SSH.KnownHostsPath)
		cfg.SSH.BandwidthLimit = s.Key("bandwidth_limit_bytes").MustInt64(0)
	}
	if s := file.Section("S3"); s != nil {
		cfg.S3.Bucket = s.Key("bucket").String()
		cfg.S3.Prefix = s.Key("prefix").String()
		cfg.S3.Region = s.Key("region").String()
		cfg.S3.Endpoint = s.Key("endpoint").String()
		cfg.S3.AccessKey = s.Key("access_key").String()
		cfg.S3.SecretKey = s.Key("secret_key").String()
	}
	if s := file.Section("ENCRYPTION"); s != nil {
		cfg.Encryption.Enabled = s.Key("enabled").MustBool(false)
		cfg.Encryption.Passphrase = s.Key("passphrase").String()
		cfg.Encryption.KeyFile = s.Key("key_file").String()
	}
	if s := file.Section("DATABASE"); s != nil {
		cfg.Database.DumpCommand = s.Key("dump_command").String()
		cfg.Database.Database = s.Key("database").String()
		cfg.Database.PasswordEnv = s.Key("password_env").String()
	}
	if s := file.Section("SMTP"); s != nil {
		cfg.SMTP.Host = s.Key("host").String()
		cfg.SMTP.Port = s.Key("port").MustInt(25)
		cfg.SMTP.Username = s.Key("username").String()
		cfg.SMTP.Password = s.Key("password").String()
		cfg.SMTP.From = s.Key("from").String()
	}
	if s := file.Section("DEDUP"); s != nil {
		cfg.Dedup.Enabled = s.Key("enabled").MustBool(false)
	}
	if s := file.Section("SCHEDULE"); s != nil {
		cfg.Schedule.Times = splitList(s.Key("times").String())
		cfg.Schedule.ToleranceMinutes = s.Key("tolerance_minutes").MustInt(cfg.Schedule.ToleranceMinutes)
		cfg.Schedule.CronExpr = s.Key("cron_expr").String()
	}
	if s := file.Section("MODES"); s != nil {
		cfg.Modes.BackupMode = s.Key("backup_mode").MustString(cfg.Modes.BackupMode)
	}
	if s := file.Section("HOOKS"); s != nil {
		cfg.Hooks.PreBackup = s.Key("pre_backup").String()
		cfg.Hooks.PostBackup = s.Key("post_backup").String()
	}
	if s := file.Section("RETENTION"); s != nil {
		cfg.Retention.KeepCount = s.Key("keep_count").MustInt(cfg.Retention.KeepCount)
		cfg.Retention.MaxAgeDays = s.Key("max_age_days").MustInt(cfg.Retention.MaxAgeDays)
	}
	if s := file.Section("NOTIFICATIONS"); s != nil {
		cfg.Notifications.Receivers = splitList(s.Key("receiver_emails").String())
		cfg.Notifications.WebhookURL = s.Key("webhook_url").String()
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Defaults: DefaultsConfig{LogLevel: "info", LogFormat: "text"},
		SSH:      SSHConfig{KnownHostsPath: defaultKnownHosts()},
		Schedule: ScheduleConfig{ToleranceMinutes: 5},
		Modes:    ModesConfig{BackupMode: "full"},
		Retention: RetentionConfig{KeepCount: 7},
	}
}

func defaultKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.ssh/known_hosts"
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NotificationsDisabled reports the §9-pinned sentinel equivalence: an
// absent receiver list and an explicitly empty one both mean "no
// notifications", so callers never need to special-case either.
func (c *Config) NotificationsDisabled() bool {
	return len(c.Notifications.Receivers) == 0 && c.Notifications.WebhookURL == ""
}

// SMTPTimeout is a sane fixed dial/write timeout for the mail transport.
const SMTPTimeout = 10 * time.Second
