package fsutil

import (
	"fmt"
	"os"
)

// FileLock is an inter-process lock backed by flock on a dedicated file.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock returns a lock on path. The file is created on first Acquire.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire blocks until the lock is held.
func (l *FileLock) Acquire() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := Lock(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.file = f
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	unlockErr := Unlock(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
