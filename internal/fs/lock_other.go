//go:build !unix

package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockFileName is the name of the advisory lock file inside a data directory.
const LockFileName = "LOCK"

// ErrLocked is returned when another process holds the data directory lock.
var ErrLocked = errors.New("data directory is locked by another process")

// DirLock is an exclusive lock on a data directory. Without flock the lock file
// is created exclusively and removed on Unlock.
type DirLock struct {
	path string
}

// LockDir creates dir/LOCK exclusively.
func LockDir(dir string) (*DirLock, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, err
	}
	_ = f.Close()
	return &DirLock{path: path}, nil
}

// Unlock releases the lock.
func (l *DirLock) Unlock() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
