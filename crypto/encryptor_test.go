// SPDX-License-Identifier: LGPL-3.0-or-later

package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTripPassphrase(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "plain.txt")
	enc := filepath.Join(dir, "plain.txt.enc")
	out := filepath.Join(dir, "roundtrip.txt")

	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(input, content, 0o644))

	e := New(KeySource{Passphrase: "correct horse battery staple"})
	require.NoError(t, e.EncryptFile(input, enc))
	require.NoError(t, e.DecryptFile(enc, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEnvelopeHasRandomSaltAndNonceEachRun(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(input, []byte("same content"), 0o644))

	e := New(KeySource{Passphrase: "pw"})

	enc1 := filepath.Join(dir, "1.enc")
	enc2 := filepath.Join(dir, "2.enc")
	require.NoError(t, e.EncryptFile(input, enc1))
	require.NoError(t, e.EncryptFile(input, enc2))

	b1, _ := os.ReadFile(enc1)
	b2, _ := os.ReadFile(enc2)
	assert.NotEqual(t, b1, b2, "same plaintext must not produce identical envelopes")
	assert.Len(t, b1[:saltSize], saltSize)
}

func TestDecryptFailsWithWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "plain.txt")
	enc := filepath.Join(dir, "plain.txt.enc")
	out := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(input, []byte("secret"), 0o644))

	require.NoError(t, New(KeySource{Passphrase: "right"}).EncryptFile(input, enc))

	err := New(KeySource{Passphrase: "wrong"}).DecryptFile(enc, out)
	assert.Error(t, err)
}

func TestEncryptFileSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "plain.txt")
	enc := filepath.Join(dir, "plain.txt.enc")
	require.NoError(t, os.WriteFile(input, []byte("stable content"), 0o644))

	e := New(KeySource{Passphrase: "pw"})
	require.NoError(t, e.EncryptFile(input, enc))
	first, err := os.ReadFile(enc)
	require.NoError(t, err)

	require.NoError(t, e.EncryptFile(input, enc))
	second, err := os.ReadFile(enc)
	require.NoError(t, err)

	assert.Equal(t, first, second, "unchanged source should leave the existing envelope untouched")
}

func TestKeyFileMustBeExactLength(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("too short"), 0o600))

	input := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(input, []byte("data"), 0o644))

	err := New(KeySource{KeyFile: keyFile}).EncryptFile(input, filepath.Join(dir, "out.enc"))
	assert.Error(t, err)
}
