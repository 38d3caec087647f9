// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"backupvault/archive"
	"backupvault/config"
	"backupvault/copier"
	"backupvault/crypto"
	"backupvault/logger"
	"backupvault/manifest"
)

// runRestore copies files recorded in a prior run's manifest back to
// --to-dir, decrypting ".enc" entries and extracting a compressed run's
// single archive entry in place.
func runRestore(a *args, cfg *config.Config, log logger.Logger) error {
	ctx := context.Background()

	src, err := parseRestoreSource(a.fromDir)
	if err != nil {
		return err
	}

	keySource := crypto.KeySource{KeyFile: cfg.Encryption.KeyFile, Passphrase: cfg.Encryption.Passphrase}

	switch src.kind {
	case sourceLocal:
		return restoreFromLocal(src.path, a.toDir, a.restoreTimestamp, keySource, log)
	case sourceSSH:
		return restoreFromRemote(ctx, src, a, cfg, a.toDir, keySource, log)
	case sourceS3:
		return restoreFromRemote(ctx, src, a, cfg, a.toDir, keySource, log)
	default:
		return fmt.Errorf("unrecognized restore source %q", a.fromDir)
	}
}

type sourceKind int

const (
	sourceLocal sourceKind = iota
	sourceSSH
	sourceS3
)

type restoreSource struct {
	kind   sourceKind
	host   string
	path   string // local path, remote path, or s3 prefix
	bucket string
	user   string
}

// parseRestoreSource accepts a local filesystem path, user@host:/abs/path,
// ssh://user@host/abs/path, or s3://bucket/prefix, per §6's documented
// restore path syntax.
func parseRestoreSource(raw string) (restoreSource, error) {
	switch {
	case strings.HasPrefix(raw, "s3://"):
		rest := strings.TrimPrefix(raw, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		bucket := parts[0]
		prefix := ""
		if len(parts) == 2 {
			prefix = parts[1]
		}
		return restoreSource{kind: sourceS3, bucket: bucket, path: prefix}, nil

	case strings.HasPrefix(raw, "ssh://"):
		rest := strings.TrimPrefix(raw, "ssh://")
		userHost, path, ok := strings.Cut(rest, "/")
		if !ok {
			return restoreSource{}, fmt.Errorf("ssh:// restore path must include an absolute path")
		}
		user, host, _ := strings.Cut(userHost, "@")
		return restoreSource{kind: sourceSSH, user: user, host: host, path: "/" + path}, nil

	case strings.Contains(raw, "@") && strings.Contains(raw, ":"):
		userHost, path, ok := strings.Cut(raw, ":")
		if !ok {
			return restoreSource{}, fmt.Errorf("invalid user@host:/path restore source %q", raw)
		}
		user, host, _ := strings.Cut(userHost, "@")
		return restoreSource{kind: sourceSSH, user: user, host: host, path: path}, nil

	default:
		return restoreSource{kind: sourceLocal, path: raw}, nil
	}
}

func restoreFromLocal(fromDir, toDir, runID string, keySource crypto.KeySource, log logger.Logger) error {
	var m *manifest.Manifest
	var err error

	if runID != "" {
		m, err = manifest.ReadFromFile(filepath.Join(fromDir, manifest.ManifestFileName(runID)))
	} else {
		m, err = manifest.Latest(fromDir)
	}
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}
	if m == nil {
		return fmt.Errorf("no manifest found under %s", fromDir)
	}

	return restoreFiles(m, func(storedPath string) (string, error) {
		return filepath.Join(fromDir, storedPath), nil
	}, toDir, keySource, log)
}

func restoreFromRemote(ctx context.Context, src restoreSource, a *args, cfg *config.Config, toDir string, keySource crypto.KeySource, log logger.Logger) error {
	if a.restoreTimestamp == "" {
		return fmt.Errorf("--restore-timestamp is required when restoring from a remote source")
	}

	dest, err := openRestoreDestination(ctx, src, cfg, log)
	if err != nil {
		return err
	}
	defer dest.Close()

	manifestName := manifest.ManifestFileName(a.restoreTimestamp)
	tmpManifest := filepath.Join(os.TempDir(), "backupvault_restore_"+a.restoreTimestamp+".json")
	if err := dest.Get(ctx, manifestName, tmpManifest, nil); err != nil {
		return fmt.Errorf("fetch manifest %s: %w", manifestName, err)
	}
	defer os.Remove(tmpManifest)

	m, err := manifest.ReadFromFile(tmpManifest)
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	staging := os.TempDir()
	return restoreFiles(m, func(storedPath string) (string, error) {
		local := filepath.Join(staging, "backupvault_restore_"+filepath.Base(storedPath))
		if err := dest.Get(ctx, storedPath, local, nil); err != nil {
			return "", fmt.Errorf("fetch %s: %w", storedPath, err)
		}
		return local, nil
	}, toDir, keySource, log)
}

func openRestoreDestination(ctx context.Context, src restoreSource, cfg *config.Config, log logger.Logger) (copier.Destination, error) {
	switch src.kind {
	case sourceSSH:
		host, port := splitHostPort(src.host)
		return copier.NewSFTP(copier.SFTPConfig{
			Host:           host,
			Port:           port,
			User:           firstNonEmpty(src.user, cfg.SSH.User),
			PrivateKeyPath: cfg.SSH.PrivateKeyPath,
			KnownHostsPath: cfg.SSH.KnownHostsPath,
			Prefix:         src.path,
		}, nil, log)
	case sourceS3:
		return copier.NewObjectStore(ctx, copier.ObjectStoreConfig{
			Bucket:    src.bucket,
			Prefix:    src.path,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported remote restore source")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// restoreFiles walks every succeeded FileRecord in m, materializing each one
// locally via fetch (which may be a no-op local path join or a remote Get),
// decrypting ".enc" entries, and extracting the single archive entry a
// compressed run produces.
func restoreFiles(m *manifest.Manifest, fetch func(storedPath string) (string, error), toDir string, keySource crypto.KeySource, log logger.Logger) error {
	if err := os.MkdirAll(toDir, 0o755); err != nil {
		return fmt.Errorf("create restore destination: %w", err)
	}

	enc := crypto.New(keySource)

	for _, f := range m.Files {
		if f.Status == manifest.StatusSymlink {
			target := filepath.Join(toDir, f.Path)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", f.Path, err)
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove existing %s: %w", f.Path, err)
			}
			if err := os.Symlink(f.LinkTarget, target); err != nil {
				return fmt.Errorf("restore symlink %s: %w", f.Path, err)
			}
			log.Info("restored symlink", "path", f.Path, "target", f.LinkTarget)
			continue
		}

		if f.Status != manifest.StatusCopied && f.Status != manifest.StatusDeduped {
			continue
		}

		localPath, err := fetch(f.StoredPath)
		if err != nil {
			return err
		}

		plainPath := localPath
		if strings.HasSuffix(localPath, crypto.EncryptedExt) {
			plainPath = strings.TrimSuffix(localPath, crypto.EncryptedExt)
			if err := enc.DecryptFile(localPath, plainPath); err != nil {
				return fmt.Errorf("decrypt %s: %w", f.Path, err)
			}
		}

		if strings.HasSuffix(plainPath, ".zip") {
			if err := archive.Extract(plainPath, toDir, log); err != nil {
				return fmt.Errorf("extract archive %s: %w", f.Path, err)
			}
			continue
		}

		target := filepath.Join(toDir, f.Path)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", f.Path, err)
		}
		if err := copyFile(plainPath, target); err != nil {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
		log.Info("restored file", "path", f.Path)
	}

	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
