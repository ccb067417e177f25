// Package lock provides the cross-process exclusive lock that keeps two
// processes from opening the same SQLite database and index set at once.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// InstanceLock guards one knowledge base's store directory.
type InstanceLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New creates a lock for storeDir. The lock file lives at
// <storeDir>/.kbe.lock and is created on first TryLock/Lock.
func New(storeDir string) *InstanceLock {
	path := filepath.Join(storeDir, ".kbe.lock")
	return &InstanceLock{path: path, flock: flock.New(path)}
}

// TryLock attempts to acquire the lock without blocking. false means
// another process currently holds it.
func (l *InstanceLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire instance lock: %w", err)
	}
	if acquired {
		l.locked = true
	}
	return acquired, nil
}

// Unlock releases the lock. Safe to call on an unlocked InstanceLock.
func (l *InstanceLock) Unlock() error {
	if !l.locked {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release instance lock: %w", err)
	}
	l.locked = false
	return nil
}
