// Package lock guards the project against concurrent scheduler
// processes: the ticket store assumes a single writer, so the daemon
// and sprint-running CLI commands take an exclusive flock on a file
// inside the data directory.
package lock

import (
	"fmt"
	"os"
	"syscall"
)

// FileLock is an exclusive, non-blocking advisory file lock holding
// the owner's pid.
type FileLock struct {
	path string
	file *os.File
}

// New returns an unacquired lock at path.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock acquires the lock or fails immediately when another process
// holds it.
func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("lock: open %s: %w", fl.path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("lock: %s held by another process: %w", fl.path, err)
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	fl.file = f
	return nil
}

// Unlock releases the lock and removes the file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN)
	err := fl.file.Close()
	fl.file = nil
	os.Remove(fl.path)
	return err
}
