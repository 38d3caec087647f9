// SPDX-License-Identifier: LGPL-3.0-or-later

package copier

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"backupvault/bandwidth"
	"backupvault/logger"
	"backupvault/retry"
)

// SFTPConfig configures a remote-host destination.
type SFTPConfig struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	Password       string
	KnownHostsPath string // empty uses ~/.ssh/known_hosts
	Prefix         string // remote path prefix under which files are stored
	Retry          *retry.Config
}

// SFTP copies files to a remote host over SSH. Host keys are verified
// against a known_hosts file; an unrecognized host key fails the
// connection rather than being silently trusted.
type SFTP struct {
	ssh     *ssh.Client
	sftp    *sftp.Client
	host    string
	prefix  string
	log     logger.Logger
	retryer *retry.Retryer
	limiter *bandwidth.Limiter
}

// NewSFTP dials host and opens an SFTP session.
func NewSFTP(cfg SFTPConfig, limiter *bandwidth.Limiter, log logger.Logger) (*SFTP, error) {
	var auth []ssh.AuthMethod

	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no SFTP authentication method configured (password or private key required)")
	}

	hostKeyCallback, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("setup host key verification: %w", err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)

	sshClient, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("open SFTP session: %w", err)
	}

	return &SFTP{
		ssh:     sshClient,
		sftp:    sftpClient,
		host:    cfg.Host,
		prefix:  cfg.Prefix,
		log:     log,
		retryer: retry.New(cfg.Retry, log),
		limiter: limiter,
	}, nil
}

func (s *SFTP) Kind() string { return "sftp" }

func (s *SFTP) remotePath(relPath string) string {
	if s.prefix == "" {
		return relPath
	}
	return filepath.Join(s.prefix, relPath)
}

func (s *SFTP) Put(ctx context.Context, localPath, relPath string, progress ProgressFunc) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	return s.PutStream(ctx, file, relPath, info.Size(), progress)
}

func (s *SFTP) PutStream(ctx context.Context, r io.Reader, relPath string, size int64, progress ProgressFunc) error {
	remote := s.remotePath(relPath)

	return s.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			s.log.Info("uploading via SFTP", "host", s.host, "path", remote, "size", size)
		} else {
			s.log.Info("retrying SFTP upload", "host", s.host, "path", remote, "attempt", attempt)
		}

		if err := s.sftp.MkdirAll(filepath.Dir(remote)); err != nil {
			return fmt.Errorf("create remote directory: %w", err)
		}

		remoteFile, err := s.sftp.Create(remote)
		if err != nil {
			return fmt.Errorf("create remote file: %w", err)
		}
		defer remoteFile.Close()

		limited := r
		if s.limiter != nil {
			limited = bandwidth.NewReader(ctx, r, s.limiter)
		}

		_, err = copyWithProgress(limited, remoteFile, size, progress)
		if err != nil {
			if err == io.ErrShortWrite {
				return err
			}
			return retry.NonRetryable(fmt.Errorf("read local file: %w", err))
		}
		return nil
	}, fmt.Sprintf("SFTP upload %s", remote))
}

func (s *SFTP) PutSymlink(ctx context.Context, target, relPath string) error {
	remote := s.remotePath(relPath)
	return s.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := s.sftp.MkdirAll(filepath.Dir(remote)); err != nil {
			return fmt.Errorf("create remote directory: %w", err)
		}
		if err := s.sftp.Remove(remote); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove existing remote path: %w", err)
		}
		if err := s.sftp.Symlink(target, remote); err != nil {
			return fmt.Errorf("symlink remote %q -> %q: %w", remote, target, err)
		}
		return nil
	}, fmt.Sprintf("SFTP symlink %s", remote))
}

func (s *SFTP) ReadSymlink(ctx context.Context, relPath string) (string, error) {
	remote := s.remotePath(relPath)
	target, err := s.sftp.ReadLink(remote)
	if err != nil {
		return "", fmt.Errorf("read remote symlink %q: %w", remote, err)
	}
	return target, nil
}

func (s *SFTP) List(ctx context.Context, prefix string) ([]string, error) {
	root := s.remotePath("")
	var out []string
	walker := s.sftp.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, fmt.Errorf("walk remote %q: %w", root, err)
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel, err := filepath.Rel(root, walker.Path())
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (s *SFTP) Get(ctx context.Context, relPath, localPath string, progress ProgressFunc) error {
	remote := s.remotePath(relPath)

	return s.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		remoteFile, err := s.sftp.Open(remote)
		if err != nil {
			if os.IsNotExist(err) {
				return retry.NonRetryable(fmt.Errorf("remote file not found: %w", err))
			}
			return fmt.Errorf("open remote file: %w", err)
		}
		defer remoteFile.Close()

		info, err := remoteFile.Stat()
		if err != nil {
			return fmt.Errorf("stat remote file: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return retry.NonRetryable(fmt.Errorf("create local directory: %w", err))
		}
		localFile, err := os.Create(localPath)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("create local file: %w", err))
		}
		defer localFile.Close()

		limited := io.Reader(remoteFile)
		if s.limiter != nil {
			limited = bandwidth.NewReader(ctx, remoteFile, s.limiter)
		}

		_, err = copyWithProgress(limited, localFile, info.Size(), progress)
		return err
	}, fmt.Sprintf("SFTP download %s", remote))
}

func (s *SFTP) Remove(ctx context.Context, relPath string) error {
	remote := s.remotePath(relPath)
	return s.retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := s.sftp.Remove(remote); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove remote file: %w", err)
		}
		return nil
	}, fmt.Sprintf("SFTP remove %s", remote))
}

func (s *SFTP) Close() error {
	if s.sftp != nil {
		s.sftp.Close()
	}
	if s.ssh != nil {
		s.ssh.Close()
	}
	return nil
}

// hostKeyCallback builds a verifying host key callback from a known_hosts
// file. An unrecognized or mismatched host key aborts the connection; a
// missing known_hosts file is an error rather than an implicit trust-all.
func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determine home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("known_hosts file not found at %s; connect once via ssh to populate it, "+
			"or set known_hosts_path", path)
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts from %s: %w", path, err)
	}
	return cb, nil
}
