// SPDX-License-Identifier: LGPL-3.0-or-later

// Package copier transfers selected files to a backup destination: the
// local filesystem, a remote host over SFTP, or an S3-compatible object
// store. Every variant implements Destination.
package copier

import (
	"context"
	"errors"
	"io"
)

// ProgressFunc is invoked as bytes move, for a single file transfer.
type ProgressFunc func(transferred, total int64)

// ErrSymlinksUnsupported is returned by PutSymlink when the destination has
// no way to represent a symlink (an object store, notably). Callers should
// surface this as a per-file failed status rather than aborting the run.
var ErrSymlinksUnsupported = errors.New("destination cannot represent symlinks")

// Destination is the transfer target a run copies selected files to.
type Destination interface {
	// Kind identifies the destination variant, used in logging.
	Kind() string

	// Put writes localPath's content to relPath under the destination
	// root, creating any intermediate directories.
	Put(ctx context.Context, localPath, relPath string, progress ProgressFunc) error

	// PutStream writes size bytes read from r to relPath.
	PutStream(ctx context.Context, r io.Reader, relPath string, size int64, progress ProgressFunc) error

	// PutSymlink recreates a symlink at relPath pointing at target, instead
	// of copying file content. Returns ErrSymlinksUnsupported if the
	// destination cannot represent symlinks.
	PutSymlink(ctx context.Context, target, relPath string) error

	// ReadSymlink returns the target of the symlink stored at relPath.
	ReadSymlink(ctx context.Context, relPath string) (string, error)

	// Get reads relPath from the destination into localPath.
	Get(ctx context.Context, relPath, localPath string, progress ProgressFunc) error

	// List returns every relative path stored under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Remove deletes relPath from the destination.
	Remove(ctx context.Context, relPath string) error

	// Close releases any held connections.
	Close() error
}

const copyBufferSize = 32 * 1024
