// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package procsupervisor spawns child processes as the leaders of their
// own process groups and terminates them through a graceful-then-forceful
// escalation.
package procsupervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

const (
	gracefulTimeout  = 15 * time.Second
	pollIntervalInit = 100 * time.Millisecond
	pollIntervalMax  = 500 * time.Millisecond
	pollIntervalMult = 1.2

	forceKillPollInterval = 200 * time.Millisecond
)

// Spawn starts name with args as the leader of a new process group,
// redirecting stdout/stderr to logFile. It returns the running command so
// the caller can capture its PID.
func Spawn(name string, args []string, logFile *os.File) (*exec.Cmd, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procsupervisor: spawn %s: %w", name, err)
	}
	return cmd, nil
}

// Terminate escalates termination of pid (named for logging):
// treat missing/zombie/dead/stopped as already terminated; SIGTERM the
// process group (falling back to per-process on error); poll with
// adaptive backoff up to gracefulTimeout; on failure SIGKILL the group
// (falling back to per-process) and poll up to min(timeout/2, 10s); final
// verification decides success.
func Terminate(ctx context.Context, pid int, name string, log *logrus.Entry) bool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if pid == 0 {
		log.WithField("process", name).Warn("no PID provided, assuming stopped")
		return true
	}

	if alreadyTerminated(pid, name, log) {
		return true
	}

	children := childrenOf(pid)
	log.WithFields(logrus.Fields{"process": name, "pid": pid, "children": len(children)}).Info("terminating")

	sendGroupSignal(pid, children, syscall.SIGTERM, name, log)
	if waitForExit(ctx, pid, gracefulTimeout, log) {
		return true
	}

	log.WithFields(logrus.Fields{"process": name, "pid": pid}).Warn("still running after SIGTERM, sending SIGKILL")
	children = childrenOf(pid)
	sendGroupSignal(pid, children, syscall.SIGKILL, name, log)

	forceTimeout := gracefulTimeout / 2
	if forceTimeout > 10*time.Second {
		forceTimeout = 10 * time.Second
	}
	if waitForExitFixedInterval(ctx, pid, forceTimeout, forceKillPollInterval) {
		return true
	}

	return finalCheck(pid, name, log)
}

func alreadyTerminated(pid int, name string, log *logrus.Entry) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		log.WithFields(logrus.Fields{"process": name, "pid": pid}).Info("process not found, assuming stopped")
		return true
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	status, err := proc.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		switch s {
		case process.Zombie, process.Stop:
			log.WithFields(logrus.Fields{"process": name, "pid": pid, "status": s}).Info("already zombie or stopped, cleaning up")
			return true
		}
	}
	return false
}

func childrenOf(pid int) []*process.Process {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	children, err := proc.Children()
	if err != nil {
		return nil
	}
	return children
}

// sendGroupSignal tries killpg(pgid, sig) first when pid leads its own
// process group (pgid == pid); otherwise, or on failure, it falls back to
// signaling the parent and each known child individually.
func sendGroupSignal(pid int, children []*process.Process, sig syscall.Signal, name string, log *logrus.Entry) {
	pgid, err := syscall.Getpgid(pid)
	if err == nil && pgid == pid {
		if err := syscall.Kill(-pgid, sig); err == nil {
			log.WithFields(logrus.Fields{"process": name, "pgid": pgid, "signal": sig}).Debug("sent signal to process group")
			return
		}
	}

	log.WithFields(logrus.Fields{"process": name, "pid": pid}).Debug("process group signal failed, falling back to per-process")
	_ = syscall.Kill(pid, sig)
	for _, child := range children {
		_ = syscall.Kill(int(child.Pid), sig)
	}
}

// waitForExit polls with an adaptive interval (starting at
// pollIntervalInit, multiplying by pollIntervalMult up to
// pollIntervalMax) until pid is gone or considered a zombie, or timeout
// elapses.
func waitForExit(ctx context.Context, pid int, timeout time.Duration, log *logrus.Entry) bool {
	deadline := time.Now().Add(timeout)
	interval := pollIntervalInit

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		exists, err := process.PidExists(int32(pid))
		if err != nil || !exists {
			return true
		}
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			return true
		}
		status, err := proc.Status()
		if err != nil {
			return true
		}
		for _, s := range status {
			if s == process.Zombie {
				return true
			}
		}

		time.Sleep(interval)
		interval = time.Duration(float64(interval) * pollIntervalMult)
		if interval > pollIntervalMax {
			interval = pollIntervalMax
		}
	}
	return false
}

func waitForExitFixedInterval(ctx context.Context, pid int, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		exists, err := process.PidExists(int32(pid))
		if err != nil || !exists {
			return true
		}
		time.Sleep(interval)
	}
	exists, err := process.PidExists(int32(pid))
	return err != nil || !exists
}

func finalCheck(pid int, name string, log *logrus.Entry) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return true
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	status, err := proc.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			log.WithFields(logrus.Fields{"process": name, "pid": pid}).Warn("zombie but considered stopped")
			return true
		}
	}
	log.WithFields(logrus.Fields{"process": name, "pid": pid}).Error("failed to terminate")
	return false
}
