package medium

import (
	"os"
	"sync"

	"github.com/danjacques/gofslock/fslock"

	"github.com/xtxerr/acqbuf/internal/errors"
)

// Lock is exclusive ownership of a backing name across processes.
// The operating system drops the lock if the owning process dies.
type Lock struct {
	mu     sync.Mutex
	path   string
	handle fslock.Handle
}

// LockPath returns the lock file used for a backing name.
func LockPath(backingName string) string {
	return backingName + ".lock"
}

// AcquireLock takes the lock for backingName without blocking. If another
// live buffer holds it, the error matches both ErrMedium and ErrBackingInUse.
func AcquireLock(backingName string) (*Lock, error) {
	path := LockPath(backingName)

	h, err := fslock.Lock(path)
	if err != nil {
		if err == fslock.ErrLockHeld {
			return nil, errors.Medium("lock "+backingName, errors.ErrBackingInUse)
		}
		return nil, errors.Medium("lock "+backingName, err)
	}

	return &Lock{path: path, handle: h}, nil
}

// Release removes the lock file and unlocks. It is idempotent.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle == nil {
		return nil
	}

	rmErr := os.Remove(l.path)
	if os.IsNotExist(rmErr) {
		rmErr = nil
	}
	err := l.handle.Unlock()
	l.handle = nil

	if err != nil {
		return errors.Medium("unlock "+l.path, err)
	}
	return errors.Medium("remove lock file", rmErr)
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}
