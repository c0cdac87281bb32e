// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package startlock provides a cross-process, non-blocking exclusive lock
// guarding a single supervisor instance per lock file.
package startlock

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/process"
)

// StartLock guards single-instance start via an OS advisory lock plus a
// PID recorded in the lock file, so a conflicting holder can be identified
// and stale locks can be distinguished from a live conflict.
type StartLock struct {
	path string
	fl   *flock.Flock
}

// New returns a StartLock bound to path. The lock file is not touched
// until Acquire is called.
func New(path string) *StartLock {
	return &StartLock{path: path, fl: flock.New(path)}
}

// ErrAlreadyStarting is returned when another live process holds the lock.
type ErrAlreadyStarting struct{ PID int }

func (e *ErrAlreadyStarting) Error() string {
	return fmt.Sprintf("already starting (PID %d)", e.PID)
}

// ErrStaleLockRemoved is returned when a conflicting lock's PID turned out
// to be dead; the stale lock file has been removed and the caller should retry.
var ErrStaleLockRemoved = fmt.Errorf("stale lock removed, retry")

// Acquire attempts the non-blocking exclusive lock. On success the caller's
// PID is written and fsynced into the lock file; the caller must call
// Release (typically via defer) regardless of what happens afterward.
func (l *StartLock) Acquire() error {
	locked, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("startlock: acquire %s: %w", l.path, err)
	}
	if !locked {
		return l.handleConflict()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("startlock: write pid: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("startlock: write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = l.fl.Unlock()
		return fmt.Errorf("startlock: fsync pid: %w", err)
	}
	return nil
}

// handleConflict is invoked when TryLock finds the file already locked by
// another process; it inspects the recorded PID to distinguish a live
// conflict from a stale lock left by a crashed process.
func (l *StartLock) handleConflict() error {
	pid, readErr := readPID(l.path)
	if readErr != nil {
		return l.removeStale()
	}

	alive, err := pidIsLive(pid)
	if err != nil || !alive {
		return l.removeStale()
	}
	return &ErrAlreadyStarting{PID: pid}
}

func (l *StartLock) removeStale() error {
	_ = os.Remove(l.path)
	return ErrStaleLockRemoved
}

// Release closes the lock descriptor and unlinks the lock file. It is
// safe to call even if Acquire failed: without a held lock it does nothing.
func (l *StartLock) Release() {
	if !l.fl.Locked() {
		return
	}
	_ = l.fl.Unlock()
	_ = os.Remove(l.path)
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	return pid, nil
}

func pidIsLive(pid int) (bool, error) {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false, nil
	}
	status, err := proc.Status()
	if err != nil {
		return true, nil
	}
	for _, s := range status {
		if s == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}
