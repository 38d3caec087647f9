// SPDX-License-Identifier: LGPL-3.0-or-later

// Package verify re-hashes destination files against the manifest that
// recorded them, without mutating anything it reads.
package verify

import (
	"fmt"
	"os"
	"path/filepath"

	"backupvault/crypto"
	"backupvault/logger"
	"backupvault/manifest"
)

// Outcome is one file's verification result.
type Outcome struct {
	Path    string
	OK      bool
	Message string
}

// Report summarizes a destination verification pass.
type Report struct {
	Outcomes  []Outcome
	Corrupted bool
}

// Destination re-hashes every `copied` or `deduped` file recorded in m against its
// on-disk content at destRoot. Files stored with the ".enc" suffix are
// decrypted to a temp path first using source (ignored when no file in
// the manifest carries the suffix).
func Destination(m *manifest.Manifest, destRoot string, source crypto.KeySource, log logger.Logger) (Report, error) {
	var report Report

	for _, f := range m.Files {
		if f.Status != manifest.StatusCopied && f.Status != manifest.StatusDeduped {
			continue
		}

		outcome := verifyOne(f, destRoot, source)
		report.Outcomes = append(report.Outcomes, outcome)
		if !outcome.OK {
			report.Corrupted = true
			log.Warn("verify: mismatch", "path", f.Path, "message", outcome.Message)
		}
	}

	return report, nil
}

func verifyOne(f manifest.FileRecord, destRoot string, source crypto.KeySource) Outcome {
	fullPath := filepath.Join(destRoot, f.StoredPath)

	info, err := os.Stat(fullPath)
	if err != nil {
		return Outcome{Path: f.Path, OK: false, Message: fmt.Sprintf("stat failed: %v", err)}
	}

	hashPath := fullPath
	if filepath.Ext(f.StoredPath) == crypto.EncryptedExt {
		tmp, err := os.CreateTemp("", "backupvault-verify-*")
		if err != nil {
			return Outcome{Path: f.Path, OK: false, Message: fmt.Sprintf("create temp file: %v", err)}
		}
		tmpPath := tmp.Name()
		tmp.Close()
		defer os.Remove(tmpPath)

		enc := crypto.New(source)
		if err := enc.DecryptFile(fullPath, tmpPath); err != nil {
			return Outcome{Path: f.Path, OK: false, Message: fmt.Sprintf("decrypt failed: %v", err)}
		}
		hashPath = tmpPath
	} else if info.Size() != f.Size {
		return Outcome{Path: f.Path, OK: false, Message: fmt.Sprintf("size mismatch: manifest=%d actual=%d", f.Size, info.Size())}
	}

	match, err := manifest.VerifyFile(f, hashPath)
	if err != nil {
		return Outcome{Path: f.Path, OK: false, Message: err.Error()}
	}
	if !match {
		return Outcome{Path: f.Path, OK: false, Message: "sha256 mismatch"}
	}
	return Outcome{Path: f.Path, OK: true}
}
