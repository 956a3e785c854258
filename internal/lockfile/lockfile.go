// Package lockfile guarantees a single supervisor per configuration.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockedElsewhere is returned when another process holds the lock.
var ErrLockedElsewhere = errors.New("lock file already held by another supervisor")

// Lock is an acquired advisory lock.
type Lock struct {
	l *flock.Flock
}

// Acquire takes the lock at path without waiting.
func Acquire(path string) (*Lock, error) {
	return acquire(nil, path)
}

// AcquireWait retries until the lock is free or ctx is done.
func AcquireWait(ctx context.Context, path string) (*Lock, error) {
	return acquire(ctx, path)
}

func acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	l := flock.New(path)

	var locked bool
	var err error
	if ctx != nil {
		locked, err = l.TryLockContext(ctx, 25*time.Millisecond)
	} else {
		locked, err = l.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrLockedElsewhere)
	}
	return &Lock{l: l}, nil
}

// Path of the lock file.
func (l *Lock) Path() string { return l.l.Path() }

// Release unlocks. The file is left in place.
func (l *Lock) Release() error {
	return l.l.Unlock()
}
