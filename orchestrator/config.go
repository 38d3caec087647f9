// SPDX-License-Identifier: LGPL-3.0-or-later

package orchestrator

import (
	"backupvault/bandwidth"
	"backupvault/copier"
	"backupvault/crypto"
	"backupvault/dbdump"
	"backupvault/manifest"
	"backupvault/retention"
)

// Config is the immutable snapshot of everything one run needs, resolved
// once at run start from the loaded configuration file and CLI flags.
// Nothing in Run mutates it or reaches back into a process-wide holder.
type Config struct {
	RunID      string // empty generates one from the local clock
	SourceDir  string
	Excludes   []string
	Mode       manifest.Mode
	Parallel   int // parallel_copies

	LocalRoots  []string
	SFTP        []copier.SFTPConfig
	ObjectStore []copier.ObjectStoreConfig
	Limiter     *bandwidth.Limiter

	Compress         bool
	CompressPassword string

	EncryptionEnabled bool
	Encryption        crypto.KeySource

	DedupEnabled bool
	Retention    retention.Config

	DBDump *dbdump.Config

	PreHook  string
	PostHook string

	LockPath string

	Verify bool
}
