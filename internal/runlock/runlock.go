// Package runlock serializes pipeline runs that must not overlap, such as
// runs of the primary branch that touch shared cloud resources. The lock is
// an advisory flock on a file in the state directory, so it is released by
// the kernel if the process dies.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/imagegrid/internal/ctxlog"
	"golang.org/x/sys/unix"
)

// DefaultPollInterval is how often a waiting run retries the lock.
const DefaultPollInterval = 2 * time.Second

// Lock is a held run lock.
type Lock struct {
	f *os.File
}

// Acquire takes the exclusive lock at path, waiting until it is free or
// ctx ends. The file and its parent directory are created if needed.
func Acquire(ctx context.Context, path string, poll time.Duration) (*Lock, error) {
	logger := ctxlog.FromContext(ctx)
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	waiting := false
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			logger.Debug("Run lock acquired.", "path", path)
			return &Lock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if !waiting {
			logger.Info("⏳ Another run holds the lock, waiting", "path", path)
			waiting = true
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for run lock %s: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release unlocks and closes the lock file. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
