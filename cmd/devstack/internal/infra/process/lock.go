// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Locker prevents multiple manage-devstack instances from running
// mutating operations simultaneously. Without it, one terminal running
// `manage-devstack start` can race another running `manage-devstack
// reset` and leave the compose project half torn down.
//
// The lock provides inter-process synchronization only; implementations
// are meant to be used from a single goroutine (typically main).
type Locker interface {
	// Acquire attempts to get an exclusive lock. Returns nil if the
	// lock was acquired, *ErrLockHeld if another instance holds it.
	Acquire() error

	// Release releases the lock if held. Safe to call multiple times
	// or if the lock was never acquired.
	Release() error

	// IsHeld reports whether this instance currently holds the lock.
	IsHeld() bool

	// HolderPID returns the PID of the lock holder, or 0 if unknown.
	HolderPID() int
}

// LockConfig configures lock file placement.
type LockConfig struct {
	// LockDir is the directory for lock files. Default: os.TempDir().
	LockDir string

	// LockName is the base name for lock files. Default: "devstack".
	LockName string
}

// DefaultLockConfig returns the default lock placement: the system
// temp directory with base name "devstack".
func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockDir:  os.TempDir(),
		LockName: "devstack",
	}
}

// FileLock implements Locker with flock(2) advisory locking.
//
// How it works:
//
//  1. Creates {LockDir}/{LockName}.lock and takes a non-blocking
//     exclusive flock on it.
//  2. Writes the PID to {LockDir}/{LockName}.pid for diagnostics.
//  3. Release removes the PID file and drops the flock. The lock file
//     itself is left behind for faster subsequent acquires.
//
// If the process crashes without Release, the OS drops the flock; only
// the PID file goes stale, and the error message tells the user where
// it is.
//
// Limitations: advisory only, and flock is unreliable on NFS.
type FileLock struct {
	config   LockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewFileLock creates a lock for the given config. The lock is not
// acquired until Acquire is called.
func NewFileLock(config LockConfig) *FileLock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "devstack"
	}

	return &FileLock{
		config:   config,
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire takes a non-blocking exclusive flock. When another process
// holds the lock the returned error is an *ErrLockHeld carrying the
// holder's PID when it can be determined.
func (l *FileLock) Acquire() error {
	if l.held {
		return nil
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", l.lockPath, err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		f.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) {
			return &ErrLockHeld{
				HolderPID: l.readHolderPID(),
				LockPath:  l.lockPath,
				PIDPath:   l.pidPath,
			}
		}

		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.lockFile = f
	l.held = true

	// Best effort; the flock is authoritative.
	_ = l.writePID()

	return nil
}

// Release drops the flock and removes the PID file.
func (l *FileLock) Release() error {
	if !l.held || l.lockFile == nil {
		return nil
	}

	os.Remove(l.pidPath)

	err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)

	l.lockFile.Close()
	l.lockFile = nil
	l.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// IsHeld reports local state only; it does not re-verify the flock.
func (l *FileLock) IsHeld() bool {
	return l.held
}

// HolderPID reads the PID file left by the holder. The value can be
// stale if the holder crashed without cleanup.
func (l *FileLock) HolderPID() int {
	return l.readHolderPID()
}

// LockPath returns the lock file path, for error messages.
func (l *FileLock) LockPath() string {
	return l.lockPath
}

func (l *FileLock) writePID() error {
	return os.WriteFile(l.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func (l *FileLock) readHolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}

	return pid
}

// ErrLockHeld is returned by Acquire when another manage-devstack
// instance holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
	PIDPath   string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another manage-devstack instance is running (PID %d); if stale, remove %s", e.HolderPID, e.PIDPath)
	}
	return fmt.Sprintf("another manage-devstack instance is running (check: lsof %s)", e.LockPath)
}

// Compile-time interface satisfaction check
var _ Locker = (*FileLock)(nil)
