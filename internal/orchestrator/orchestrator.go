// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator resolves a content-addressed model manifest and
// fetches its sibling blobs in parallel, then assembles the final model
// artifact on disk.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/inferenced/llm-supervisor/internal/archiveops"
	"github.com/inferenced/llm-supervisor/internal/fetcher"
	"github.com/inferenced/llm-supervisor/internal/manifest"
	"github.com/inferenced/llm-supervisor/internal/progress"
)

const (
	defaultMaxAttempts = 2

	retryBaseSeconds = 60
	retryMaxSeconds  = 300

	minConcurrency = 4
	maxConcurrency = 16
)

// Orchestrator resolves a manifest and materializes its blobs into a
// final model artifact under OutputDir.
type Orchestrator struct {
	manifestClient *manifest.Client
	fetcher        *fetcher.Fetcher
	workDir        string
	outputDir      string
	maxAttempts    int
	log            *logrus.Entry
}

// Config configures an Orchestrator.
type Config struct {
	WorkDir     string // scratch directory manifests are unpacked under
	OutputDir   string // final artifact destination directory
	MaxAttempts int    // whole-orchestration retry budget, default 2
}

// New constructs an Orchestrator. f is the shared Fetcher used for every
// blob across every run; Fetcher holds no per-call state so it is safe to
// reuse across concurrent Materialize calls.
func New(manifestClient *manifest.Client, f *fetcher.Fetcher, cfg Config, log *logrus.Entry) *Orchestrator {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		manifestClient: manifestClient,
		fetcher:        f,
		workDir:        cfg.WorkDir,
		outputDir:      cfg.OutputDir,
		maxAttempts:    attempts,
		log:            log,
	}
}

// Materialize ensures the model package named by hash is present under
// OutputDir, returning its final path.
func (o *Orchestrator) Materialize(ctx context.Context, hash manifest.ContentID) (string, error) {
	final := filepath.Join(o.outputDir, string(hash)+".gguf")
	if _, err := os.Stat(final); err == nil {
		return final, nil
	}

	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		path, err := o.attempt(ctx, hash, final)
		if err == nil {
			return path, nil
		}
		lastErr = err

		if attempt == o.maxAttempts-1 {
			break
		}

		o.log.WithField("hash", hash).WithError(err).Warn("materialize attempt failed, retrying")
		if !sleepCtx(ctx, backoffFor(attempt)) {
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("materialize %s: exhausted %d attempt(s): %w", hash, o.maxAttempts, lastErr)
}

func (o *Orchestrator) attempt(ctx context.Context, hash manifest.ContentID, final string) (string, error) {
	m, err := o.manifestClient.FetchManifest(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("fetch manifest: %w", err)
	}

	folder := filepath.Join(o.workDir, m.FolderName)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		_ = archiveops.RemoveAll(context.Background(), folder)
	}()

	agg := progress.NewAggregator(len(m.Files), o.log)
	defer agg.Close()

	if err := o.fanOut(ctx, m, folder, agg); err != nil {
		return "", err
	}

	return o.install(ctx, m, folder, final)
}

// fanOut downloads every blob in m.Files concurrently, bounded by a
// semaphore sized to min(maxConcurrency, max(minConcurrency, num_of_files)).
func (o *Orchestrator) fanOut(ctx context.Context, m *manifest.Manifest, folder string, agg *progress.Aggregator) error {
	n := len(m.Files)
	ceiling := n
	if ceiling < minConcurrency {
		ceiling = minConcurrency
	}
	if ceiling > maxConcurrency {
		ceiling = maxConcurrency
	}

	sem := semaphore.NewWeighted(int64(ceiling))
	g, gctx := errgroup.WithContext(ctx)

	for _, blob := range m.Files {
		blob := blob
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			if _, err := o.fetcher.Fetch(gctx, blob, folder, agg); err != nil {
				return fmt.Errorf("blob %s (%s): %w", blob.FileName, blob.CID, err)
			}
			agg.CompleteFile()
			return nil
		})
	}

	return g.Wait()
}

// install extracts any archive blobs in place, then relocates the blob
// named after the manifest's folder name (the primary model artifact, not
// the working directory itself) and its optional projector sibling into
// their final OutputDir paths. The caller removes the working directory,
// with any blobs still left in it, afterward.
func (o *Orchestrator) install(ctx context.Context, m *manifest.Manifest, folder, final string) (string, error) {
	for _, blob := range m.Files {
		path := filepath.Join(folder, blob.FileName)
		err := archiveops.Extract(ctx, path, folder)
		if err != nil && err != archiveops.ErrNotAnArchive {
			return "", fmt.Errorf("extract %s: %w", blob.FileName, err)
		}
	}

	source := filepath.Join(folder, m.FolderName)
	if err := archiveops.Move(ctx, source, final); err != nil {
		return "", fmt.Errorf("install artifact: %w", err)
	}

	projectorSrc := filepath.Join(folder, m.FolderName+"-projector")
	if _, err := os.Stat(projectorSrc); err == nil {
		if err := archiveops.Move(ctx, projectorSrc, final+"-projector"); err != nil {
			return "", fmt.Errorf("install projector: %w", err)
		}
	}

	return final, nil
}

func backoffFor(attempt int) time.Duration {
	d := retryBaseSeconds * (1 << uint(attempt))
	if d > retryMaxSeconds {
		d = retryMaxSeconds
	}
	return time.Duration(d) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
