// Package flock provides an exclusive cross-process advisory lock over a
// storage directory. Unix uses flock(2), Windows uses LockFileEx. The lock
// guards every read-modify-write sequence against the event log, so two SDK
// instances sharing a storage path cannot corrupt each other's files.
package flock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// LockFileName is the name of the lock file created inside the storage
// directory.
const LockFileName = "storage.lock"

// Lock is an exclusive advisory lock on a directory's lock file. The zero
// value is not usable; create one with New. A Lock additionally serializes
// goroutines within the process, since advisory file locks only arbitrate
// between processes.
type Lock struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// New creates a lock for the given storage directory. The directory must
// exist; the lock file is created on first acquire.
func New(dir string) *Lock {
	return &Lock{path: filepath.Join(dir, LockFileName)}
}

// Acquire takes the exclusive lock, blocking until it is available.
func (l *Lock) Acquire() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		l.mu.Unlock()
		return fmt.Errorf("acquire lock: %w", err)
	}
	l.f = f
	return nil
}

// Release drops the lock. Safe to call only after a successful Acquire.
func (l *Lock) Release() error {
	f := l.f
	l.f = nil
	defer l.mu.Unlock()

	if f == nil {
		return nil
	}
	err := unlockFile(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// With runs fn while holding the lock, releasing it on every exit path.
func (l *Lock) With(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
