// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package fetcher downloads a single content-addressed blob with retry,
// integrity verification, and atomic install into its final destination.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferenced/llm-supervisor/internal/contenthash"
	"github.com/inferenced/llm-supervisor/internal/manifest"
	"github.com/inferenced/llm-supervisor/internal/progress"
)

const (
	chunkSize      = 4 * 1024 * 1024  // 4 MiB
	fsyncThreshold = 50 * 1024 * 1024 // 50 MiB

	defaultMaxAttempts = 2
	idleTimeout         = 180 * time.Second
	totalTimeout         = 900 * time.Second
	connectTimeout       = 120 * time.Second
	readHeaderTimeout    = 300 * time.Second

	retryBaseSeconds = 60
	retryMaxSeconds  = 300
)

// Config tunes shared transport behavior for a Fetcher.
type Config struct {
	// MaxAttempts is the number of download attempts per blob before
	// giving up. Defaults to 2.
	MaxAttempts int
	// InsecureSkipVerify disables TLS certificate verification on the
	// shared transport when set. nil defaults to true, matching the
	// upstream gateway's historical self-signed deployment; pass a
	// pointer to false to require verified certificates.
	InsecureSkipVerify *bool
	// MaxIdleConnsPerHost bounds the shared connection pool.
	MaxIdleConnsPerHost int
}

// NewSharedClient builds the *http.Client a Fetcher pool shares across all
// concurrent blob downloads, per cfg.
func NewSharedClient(cfg Config) *http.Client {
	poolSize := cfg.MaxIdleConnsPerHost
	if poolSize <= 0 {
		poolSize = 32
	}
	skipVerify := true
	if cfg.InsecureSkipVerify != nil {
		skipVerify = *cfg.InsecureSkipVerify
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: readHeaderTimeout,
		MaxIdleConnsPerHost:   poolSize,
		MaxConnsPerHost:       poolSize,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: skipVerify},
	}
	return &http.Client{Transport: transport}
}

// Fetcher downloads one BlobDescriptor at a time using a shared HTTP client.
type Fetcher struct {
	http        *http.Client
	blobURL     func(manifest.ContentID) string
	maxAttempts int
	log         *logrus.Entry
}

// New constructs a Fetcher. blobURL resolves a CID to its fully-qualified
// download URL (typically (*manifest.Client).BlobURL).
func New(httpClient *http.Client, blobURL func(manifest.ContentID) string, cfg Config, log *logrus.Entry) *Fetcher {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fetcher{http: httpClient, blobURL: blobURL, maxAttempts: attempts, log: log}
}

// Fetch installs blob at <dir>/<file_name>, returning the final path on
// success. agg, if non-nil, receives byte-level progress updates.
func (f *Fetcher) Fetch(ctx context.Context, blob manifest.BlobDescriptor, dir string, agg *progress.Aggregator) (string, error) {
	final := filepath.Join(dir, blob.FileName)

	if ok, _ := contenthash.Matches(final, blob.FileHash); ok {
		return final, nil
	}
	_ = os.Remove(final)

	tmp := final + ".tmp"
	var lastErr error

	for attempt := 0; attempt < f.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		err := f.attempt(ctx, blob, final, tmp, agg)
		if err == nil {
			return final, nil
		}
		lastErr = err

		if attempt == f.maxAttempts-1 {
			break
		}

		f.log.WithFields(logrus.Fields{
			"cid":     blob.CID,
			"file":    blob.FileName,
			"attempt": attempt + 1,
		}).WithError(err).Warn("blob fetch attempt failed, retrying")

		if !sleepCtx(ctx, backoffFor(err, attempt)) {
			return "", ctx.Err()
		}
	}

	return "", &ErrRetriesExhausted{CID: string(blob.CID), Attempts: f.maxAttempts, Last: lastErr}
}

// backoffFor computes the inter-attempt sleep: a flat 60s for auth/
// not-found status codes (retrying sooner won't help), otherwise
// exponential up to 300s.
func backoffFor(err error, attempt int) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return retryBaseSeconds * time.Second
		}
	}
	d := retryBaseSeconds * (1 << uint(attempt))
	if d > retryMaxSeconds {
		d = retryMaxSeconds
	}
	return time.Duration(d) * time.Second
}

func (f *Fetcher) attempt(ctx context.Context, blob manifest.BlobDescriptor, final, tmp string, agg *progress.Aggregator) (retErr error) {
	attemptCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	url := f.blobURL(blob.CID)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, URL: url}
	}

	if agg != nil && resp.ContentLength > 0 {
		agg.RegisterFileSize(resp.ContentLength)
	}

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		out.Close()
		if retErr != nil {
			_ = os.Remove(tmp)
		}
	}()

	if err := streamWithIdleWatchdog(attemptCtx, resp.Body, out, agg); err != nil {
		return err
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("final fsync: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	ok, err := contenthash.Matches(tmp, blob.FileHash)
	if err != nil {
		return fmt.Errorf("hash temp file: %w", err)
	}
	if !ok {
		_ = os.Remove(tmp)
		return ErrHashMismatch
	}

	_ = os.Remove(final)
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("install %s: %w", final, err)
	}
	return nil
}

// streamWithIdleWatchdog copies src into dst in chunkSize-sized reads,
// fsyncing every fsyncThreshold bytes, aborting with ErrIdleTimeout if no
// chunk arrives within idleTimeout.
func streamWithIdleWatchdog(ctx context.Context, src io.Reader, dst *os.File, agg *progress.Aggregator) error {
	buf := make([]byte, chunkSize)
	var sinceSync int64

	type readResult struct {
		n   int
		err error
	}

	for {
		resCh := make(chan readResult, 1)
		go func() {
			n, err := src.Read(buf)
			resCh <- readResult{n, err}
		}()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idleTimeout):
			return ErrIdleTimeout
		case res := <-resCh:
			if res.n > 0 {
				if _, werr := dst.Write(buf[:res.n]); werr != nil {
					return fmt.Errorf("write chunk: %w", werr)
				}
				sinceSync += int64(res.n)
				if agg != nil {
					agg.AddBytes(int64(res.n))
				}
				if sinceSync >= fsyncThreshold {
					if err := dst.Sync(); err != nil {
						return fmt.Errorf("periodic fsync: %w", err)
					}
					sinceSync = 0
				}
			}
			if res.err == io.EOF {
				return nil
			}
			if res.err != nil {
				return fmt.Errorf("read chunk: %w", res.err)
			}
		}
	}
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
