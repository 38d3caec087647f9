// SPDX-License-Identifier: LGPL-3.0-or-later

// Package crypto implements per-file at-rest encryption for backup
// destinations.
//
// Each encrypted file is a single envelope: a 16-byte random salt, a
// 12-byte random nonce, then the AES-256-GCM sealed ciphertext (with its
// authentication tag appended, per cipher.AEAD.Seal). There is no chunk
// framing — the whole plaintext is sealed in one Seal call — so the
// envelope format does not grow a length-prefixed record structure that
// has to be parsed back apart on read.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"backupvault/checksum"
)

const (
	saltSize     = 16
	nonceSize    = 12
	keySize      = 32
	pbkdf2Rounds = 600_000

	// EncryptedExt is appended to a file's stored path when encryption is on.
	EncryptedExt = ".enc"
)

// KeySource supplies the encryption key: either a 32-byte keyfile (used
// directly) or a passphrase (run through PBKDF2-HMAC-SHA256 with a fresh
// salt per file). A keyfile, when present, always takes precedence.
type KeySource struct {
	KeyFile    string
	Passphrase string
}

// Encryptor seals and opens per-file envelopes.
type Encryptor struct {
	source KeySource
}

func New(source KeySource) *Encryptor {
	return &Encryptor{source: source}
}

func (e *Encryptor) key(salt []byte) ([]byte, error) {
	if e.source.KeyFile != "" {
		data, err := os.ReadFile(e.source.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read keyfile: %w", err)
		}
		if len(data) != keySize {
			return nil, fmt.Errorf("keyfile must contain exactly %d bytes, got %d", keySize, len(data))
		}
		return data, nil
	}
	if e.source.Passphrase == "" {
		return nil, fmt.Errorf("no keyfile or passphrase configured")
	}
	return pbkdf2.Key([]byte(e.source.Passphrase), salt, pbkdf2Rounds, keySize, sha256.New), nil
}

// EncryptFile seals inputPath's contents into outputPath's envelope. If
// outputPath already exists and its plaintext digest (after decrypting)
// matches inputPath's current digest, the file is left untouched —
// re-running a backup is then a no-op for files that haven't changed.
func (e *Encryptor) EncryptFile(inputPath, outputPath string) error {
	if existing, err := e.alreadyEncrypted(inputPath, outputPath); err == nil && existing {
		return nil
	}

	plaintext, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key, err := e.key(salt)
	if err != nil {
		return err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	tmpPath := outputPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	envelope := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, ciphertext...)

	if _, err := f.Write(envelope); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close output: %w", err)
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}

	return nil
}

// DecryptFile opens inputPath's envelope and writes its plaintext to
// outputPath.
func (e *Encryptor) DecryptFile(inputPath, outputPath string) error {
	envelope, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}
	if len(envelope) < saltSize+nonceSize {
		return fmt.Errorf("envelope too short: %d bytes", len(envelope))
	}

	salt := envelope[:saltSize]
	nonce := envelope[saltSize : saltSize+nonceSize]
	ciphertext := envelope[saltSize+nonceSize:]

	key, err := e.key(salt)
	if err != nil {
		return err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decrypt: authentication failed: %w", err)
	}

	if err := os.WriteFile(outputPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	return nil
}

// alreadyEncrypted reports whether outputPath's decrypted content already
// matches inputPath's current content, so EncryptFile can skip re-sealing
// an unchanged file.
func (e *Encryptor) alreadyEncrypted(inputPath, outputPath string) (bool, error) {
	if _, err := os.Stat(outputPath); err != nil {
		return false, err
	}

	tmp, err := os.CreateTemp("", "backupvault-decrypt-check-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := e.DecryptFile(outputPath, tmpPath); err != nil {
		return false, err
	}

	existing, err := checksum.File(tmpPath)
	if err != nil {
		return false, err
	}
	current, err := checksum.File(inputPath)
	if err != nil {
		return false, err
	}
	return existing.SHA256 == current.SHA256, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
