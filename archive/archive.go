// SPDX-License-Identifier: LGPL-3.0-or-later

// Package archive streams an entire source tree into a single ZIP file,
// bypassing per-file selection. An optional one-time password protects
// the archive by wrapping the finished ZIP stream in an AES-256-GCM
// envelope rather than implementing ZipCrypto from scratch.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"backupvault/crypto"
	"backupvault/logger"
)

// GenerateOneTimePassword returns a fresh random password for sealing a
// single archive. It draws on the same crypto/rand-backed randomness
// google/uuid already provides for event IDs elsewhere in this module,
// rather than hand-rolling a second source of entropy.
func GenerateOneTimePassword() string {
	return uuid.NewString() + uuid.NewString()
}

// Result describes the produced archive.
type Result struct {
	Path       string
	Size       int64
	FileCount  int
	Encrypted  bool
}

// Build streams every regular file under sourceRoot into a ZIP archive at
// outputPath. When passphrase is non-empty, the finished archive is sealed
// with crypto.Encryptor and outputPath gains the ".enc" suffix; the
// plaintext ZIP is never left on disk.
func Build(sourceRoot, outputPath, passphrase string, log logger.Logger) (Result, error) {
	zipPath := outputPath
	if passphrase != "" {
		zipPath = outputPath + ".zip-plain"
		defer os.Remove(zipPath)
	}

	fileCount, err := writeZip(sourceRoot, zipPath, log)
	if err != nil {
		return Result{}, err
	}

	if passphrase == "" {
		info, err := os.Stat(zipPath)
		if err != nil {
			return Result{}, fmt.Errorf("stat archive: %w", err)
		}
		return Result{Path: zipPath, Size: info.Size(), FileCount: fileCount}, nil
	}

	encPath := outputPath + crypto.EncryptedExt
	enc := crypto.New(crypto.KeySource{Passphrase: passphrase})
	if err := enc.EncryptFile(zipPath, encPath); err != nil {
		return Result{}, fmt.Errorf("seal archive: %w", err)
	}

	info, err := os.Stat(encPath)
	if err != nil {
		return Result{}, fmt.Errorf("stat sealed archive: %w", err)
	}

	log.Info("archive sealed with one-time password", "path", encPath, "files", fileCount)
	return Result{Path: encPath, Size: info.Size(), FileCount: fileCount, Encrypted: true}, nil
}

// Extract unpacks zipPath into destRoot, recreating the relative directory
// structure recorded in the archive.
func Extract(zipPath, destRoot string, log logger.Logger) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destRoot, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %q: %w", f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create directory for %q: %w", f.Name, err)
		}

		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %q in archive: %w", f.Name, err)
		}

		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return fmt.Errorf("create %q: %w", target, err)
		}

		_, copyErr := io.Copy(dst, src)
		src.Close()
		closeErr := dst.Close()
		if copyErr != nil {
			return fmt.Errorf("extract %q: %w", f.Name, copyErr)
		}
		if closeErr != nil {
			return fmt.Errorf("finalize %q: %w", target, closeErr)
		}
	}

	log.Info("archive extracted", "path", zipPath, "dest", destRoot, "files", len(r.File))
	return nil
}

func writeZip(sourceRoot, zipPath string, log logger.Logger) (int, error) {
	if err := os.MkdirAll(filepath.Dir(zipPath), 0o755); err != nil {
		return 0, fmt.Errorf("create archive directory: %w", err)
	}

	out, err := os.Create(zipPath)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	fileCount := 0
	walkErr := filepath.WalkDir(sourceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("build zip header for %q: %w", rel, err)
		}
		header.Name = rel
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("add %q to archive: %w", rel, err)
		}

		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %q: %w", path, err)
		}
		defer src.Close()

		if _, err := io.Copy(w, src); err != nil {
			return fmt.Errorf("write %q to archive: %w", rel, err)
		}

		fileCount++
		return nil
	})
	if walkErr != nil {
		zw.Close()
		return 0, fmt.Errorf("walk source tree: %w", walkErr)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalize archive: %w", err)
	}

	log.Info("archive built", "path", zipPath, "files", fileCount)
	return fileCount, nil
}
