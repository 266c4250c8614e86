package buildpipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryInterval = 100 * time.Millisecond

// WorkspaceLock ensures that only a single process uses a build workspace.
type WorkspaceLock struct {
	lock *flock.Flock
}

// NewWorkspaceLock returns a lock for the workspace directory dir.
// The lock file is created as dir + ".lock".
func NewWorkspaceLock(dir string) *WorkspaceLock {
	return &WorkspaceLock{lock: flock.New(dir + ".lock")}
}

// Lock acquires an exclusive lock, it waits until it is available or ctx is
// done.
func (l *WorkspaceLock) Lock(ctx context.Context) error {
	locked, err := l.lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", l.lock.Path(), err)
	}

	if !locked {
		return fmt.Errorf("timed out acquiring lock on %s", l.lock.Path())
	}

	return nil
}

func (l *WorkspaceLock) Unlock() error {
	return l.lock.Unlock()
}
