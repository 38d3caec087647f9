// SPDX-License-Identifier: LGPL-3.0-or-later

package copier

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"backupvault/bandwidth"
	"backupvault/logger"
)

// Local copies files to a destination directory on the same machine.
type Local struct {
	root    string
	log     logger.Logger
	limiter *bandwidth.Limiter
}

// NewLocal creates a Local destination rooted at root. The directory is
// created if it does not already exist.
func NewLocal(root string, limiter *bandwidth.Limiter, log logger.Logger) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create destination root %q: %w", root, err)
	}
	return &Local{root: root, log: log, limiter: limiter}, nil
}

func (l *Local) Kind() string { return "local" }

func (l *Local) Put(ctx context.Context, localPath, relPath string, progress ProgressFunc) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	return l.PutStream(ctx, src, relPath, info.Size(), progress)
}

func (l *Local) PutStream(ctx context.Context, r io.Reader, relPath string, size int64, progress ProgressFunc) error {
	fullPath := filepath.Join(l.root, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	tmpPath := fullPath + ".partial"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}

	limited := r
	if l.limiter != nil {
		limited = bandwidth.NewReader(ctx, r, l.limiter)
	}

	written, err := copyWithProgress(limited, dst, size, progress)
	closeErr := dst.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("copy to %q: %w", relPath, err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close destination file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize %q: %w", relPath, err)
	}

	l.log.Debug("copied file", "dest", l.Kind(), "path", relPath, "bytes", written)
	return nil
}

func (l *Local) PutSymlink(ctx context.Context, target, relPath string) error {
	fullPath := filepath.Join(l.root, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing %q: %w", relPath, err)
	}
	if err := os.Symlink(target, fullPath); err != nil {
		return fmt.Errorf("symlink %q -> %q: %w", relPath, target, err)
	}
	l.log.Debug("recreated symlink", "dest", l.Kind(), "path", relPath, "target", target)
	return nil
}

func (l *Local) ReadSymlink(ctx context.Context, relPath string) (string, error) {
	target, err := os.Readlink(filepath.Join(l.root, relPath))
	if err != nil {
		return "", fmt.Errorf("readlink %q: %w", relPath, err)
	}
	return target, nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".partial") {
			return nil
		}
		if prefix == "" || strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", l.root, err)
	}
	return out, nil
}

func (l *Local) Get(ctx context.Context, relPath, localPath string, progress ProgressFunc) error {
	fullPath := filepath.Join(l.root, relPath)
	src, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", relPath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", relPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create local directory: %w", err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	defer dst.Close()

	limited := io.Reader(src)
	if l.limiter != nil {
		limited = bandwidth.NewReader(ctx, src, l.limiter)
	}

	_, err = copyWithProgress(limited, dst, info.Size(), progress)
	return err
}

func (l *Local) Remove(ctx context.Context, relPath string) error {
	if err := os.Remove(filepath.Join(l.root, relPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %q: %w", relPath, err)
	}
	return nil
}

func (l *Local) Close() error { return nil }

func copyWithProgress(r io.Reader, w io.Writer, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		nr, er := r.Read(buf)
		if nr > 0 {
			nw, ew := w.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				if progress != nil {
					progress(written, total)
				}
			}
			if ew != nil {
				return written, ew
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				break
			}
			return written, er
		}
	}
	return written, nil
}

// Job is a single file transfer task handed to a worker pool.
type Job struct {
	LocalPath string
	RelPath   string
	Size      int64

	// IsSymlink routes this job through Destination.PutSymlink instead of
	// Put; LocalPath and Size are unused in that case.
	IsSymlink  bool
	LinkTarget string
}

// JobResult reports the outcome of one Job.
type JobResult struct {
	Job Job
	Err error
}

// RunPool copies each job to dest using up to concurrency worker
// goroutines, per the parallel_copies setting. results[i] is the outcome
// of jobs[i], whatever order the workers finished in.
func RunPool(ctx context.Context, dest Destination, jobs []Job, concurrency int, onProgress func(Job, int64, int64)) []JobResult {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]JobResult, len(jobs))
	jobCh := make(chan int)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range jobCh {
			job := jobs[idx]
			var err error
			if job.IsSymlink {
				err = dest.PutSymlink(ctx, job.LinkTarget, job.RelPath)
			} else {
				err = dest.Put(ctx, job.LocalPath, job.RelPath, func(transferred, total int64) {
					if onProgress != nil {
						onProgress(job, transferred, total)
					}
				})
			}
			results[idx] = JobResult{Job: job, Err: err}
		}
	}

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker()
	}

	for idx := range jobs {
		select {
		case <-ctx.Done():
			results[idx] = JobResult{Job: jobs[idx], Err: ctx.Err()}
			continue
		case jobCh <- idx:
		}
	}
	close(jobCh)
	wg.Wait()

	return results
}
