// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package applog configures the supervisor's structured logger and names
// the field conventions call sites use when reporting on a blob, process,
// or operation.
package applog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger with level and formatter set for the
// supervisor's operation, writing to stderr so spawned child logs
// (redirected separately to logs/ai.log and logs/api.log) stay distinct
// from supervisor-level logs.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// WithOp returns a child entry tagged with the operation name, the
// convention every component uses for its top-level log lines (e.g.
// "start", "stop", "fetch").
func WithOp(log *logrus.Logger, op string) *logrus.Entry {
	return log.WithField("op", op)
}

// WithCID tags an entry with a content ID, for fetcher/orchestrator logs.
func WithCID(entry *logrus.Entry, cid string) *logrus.Entry {
	return entry.WithField("cid", cid)
}

// WithPID tags an entry with a process ID, for procsupervisor/supervisor logs.
func WithPID(entry *logrus.Entry, pid int) *logrus.Entry {
	return entry.WithField("pid", pid)
}

// WithHash tags an entry with a model content hash, for supervisor logs.
func WithHash(entry *logrus.Entry, hash string) *logrus.Entry {
	return entry.WithField("hash", hash)
}
