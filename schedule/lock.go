// SPDX-License-Identifier: LGPL-3.0-or-later

package schedule

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// Lock is a single-instance guard backed by a PID file. A second process
// calling TryAcquire while the first holds the lock fails immediately
// rather than blocking, so the orchestrator can map that straight to the
// scheduler-conflict exit code.
type Lock struct {
	path string
	fl   *flock.Flock
}

// NewLock creates a Lock bound to the given PID file path. The file is
// created on first acquisition if it does not exist.
func NewLock(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// TryAcquire attempts to take the lock without blocking. It returns
// (true, nil) on success, (false, nil) if another instance already holds
// it, or a non-nil error on any other failure.
func (l *Lock) TryAcquire() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", l.path, err)
	}
	if ok {
		if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			l.fl.Unlock()
			return false, fmt.Errorf("write pid to lock %q: %w", l.path, err)
		}
	}
	return ok, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock %q: %w", l.path, err)
	}
	return nil
}
