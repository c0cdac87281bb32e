// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package progress aggregates per-chunk byte and file counts from many
// concurrent blob fetchers while minimizing contention on shared state.
package progress

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// batchThreshold is the pending-byte watermark at which a fetcher's
	// fast-path counter is drained into the main counters.
	batchThreshold = 10 * 1024 * 1024 // 10 MiB

	drainInterval = 1 * time.Second
	logInterval   = 2 * time.Second
)

// Aggregator collects byte/file progress across concurrent fetchers.
//
// Two mutexes protect disjoint state: pendingMu guards the fast-path
// pending-byte counter that every fetcher increments on each chunk;
// mainMu guards the totals, whose byte count is fed in 10 MiB batches and
// by the once-per-drainInterval drain of whatever is pending. This
// keeps the hot path (one increment per chunk) cheap even under heavy
// fan-out, independent of whether the runtime is single- or
// multi-threaded.
type Aggregator struct {
	log *logrus.Entry

	pendingMu sync.Mutex
	pending   int64

	mainMu             sync.Mutex
	totalFiles         int
	completedFiles     int
	totalBytesExpected int64
	totalBytesDone     int64
	startTime          time.Time
	lastLogTime        time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAggregator constructs an Aggregator for totalFiles files and starts
// its periodic drain/log background goroutine.
func NewAggregator(totalFiles int, log *logrus.Entry) *Aggregator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Aggregator{
		log:        log,
		totalFiles: totalFiles,
		startTime:  time.Now(),
		stop:       make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// RegisterFileSize adds an expected blob size to the running total. Called
// once per blob as soon as its Content-Length is known.
func (a *Aggregator) RegisterFileSize(size int64) {
	if size <= 0 {
		return
	}
	a.mainMu.Lock()
	a.totalBytesExpected += size
	a.mainMu.Unlock()
}

// AddBytes is the fast path called once per downloaded chunk. It only
// touches pendingMu, draining into the main counters once the batch
// threshold is reached.
func (a *Aggregator) AddBytes(n int64) {
	a.pendingMu.Lock()
	a.pending += n
	drain := a.pending >= batchThreshold
	var toDrain int64
	if drain {
		toDrain = a.pending
		a.pending = 0
	}
	a.pendingMu.Unlock()

	if drain {
		a.mainMu.Lock()
		a.totalBytesDone += toDrain
		a.mainMu.Unlock()
	}
}

// CompleteFile marks one blob as finished and logs progress, unless a
// progress line was already emitted within the last logInterval.
func (a *Aggregator) CompleteFile() {
	a.mainMu.Lock()
	a.completedFiles++
	a.logLocked(time.Now())
	a.mainMu.Unlock()
}

// Snapshot is a point-in-time view of aggregate progress.
type Snapshot struct {
	TotalFiles      int
	CompletedFiles  int
	TotalBytes      int64
	DownloadedBytes int64
	PercentDone     float64
	MBPerSecond     float64
}

// Snapshot returns the current aggregate state, including any bytes still
// pending in the fast-path counter (so pending+done always reflects every
// AddBytes call, per the aggregator invariant).
func (a *Aggregator) Snapshot() Snapshot {
	a.pendingMu.Lock()
	pending := a.pending
	a.pendingMu.Unlock()

	a.mainMu.Lock()
	defer a.mainMu.Unlock()

	done := a.totalBytesDone + pending
	return Snapshot{
		TotalFiles:      a.totalFiles,
		CompletedFiles:  a.completedFiles,
		TotalBytes:      a.totalBytesExpected,
		DownloadedBytes: done,
		PercentDone:     a.percentLocked(done),
		MBPerSecond:     a.speedLocked(done),
	}
}

func (a *Aggregator) percentLocked(done int64) float64 {
	if a.totalBytesExpected > 0 {
		pct := 100 * float64(done) / float64(a.totalBytesExpected)
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	if a.totalFiles == 0 {
		return 0
	}
	return 100 * float64(a.completedFiles) / float64(a.totalFiles)
}

func (a *Aggregator) speedLocked(done int64) float64 {
	elapsed := time.Since(a.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return (float64(done) / (1024 * 1024)) / elapsed
}

// logLocked emits one progress line; caller must hold mainMu.
func (a *Aggregator) logLocked(now time.Time) {
	if now.Sub(a.lastLogTime) < logInterval {
		return
	}
	a.lastLogTime = now

	a.pendingMu.Lock()
	pending := a.pending
	a.pendingMu.Unlock()
	done := a.totalBytesDone + pending

	a.log.WithFields(logrus.Fields{
		"percent":         a.percentLocked(done),
		"completed_files": a.completedFiles,
		"total_files":     a.totalFiles,
		"mb_per_sec":      a.speedLocked(done),
	}).Info("fetch progress")
}

// loop drains pending bytes once per drainInterval, logging progress at
// most once per logInterval, until Close is called. It always performs one final drain before returning so
// no bytes are lost to a pending-but-undrained batch.
func (a *Aggregator) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.drainAndLog()
		case <-a.stop:
			a.drainAndLog()
			return
		}
	}
}

func (a *Aggregator) drainAndLog() {
	a.pendingMu.Lock()
	toDrain := a.pending
	a.pending = 0
	a.pendingMu.Unlock()

	a.mainMu.Lock()
	if toDrain > 0 {
		a.totalBytesDone += toDrain
	}
	a.logLocked(time.Now())
	a.mainMu.Unlock()
}

// Close stops the background goroutine and blocks until it has observed
// the stop signal and performed its final flush.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}
