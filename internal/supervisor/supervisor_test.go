// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inferenced/llm-supervisor/internal/cmdbuilder"
	"github.com/inferenced/llm-supervisor/internal/config"
	"github.com/inferenced/llm-supervisor/internal/manifest"
	"github.com/inferenced/llm-supervisor/internal/record"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.RunningServiceFile = filepath.Join(dir, "running.json")
	cfg.StartLockFile = filepath.Join(dir, "start.lock")
	cfg.LogDir = filepath.Join(dir, "logs")

	mc := manifest.NewClient(nil, "http://unused/", "http://unused/")
	return New(cfg, nil, mc, nil)
}

func TestGetRunningModelWithNoRecord(t *testing.T) {
	s := newTestSupervisor(t)
	hash, err := s.GetRunningModel()
	require.NoError(t, err)
	require.Empty(t, hash)
}

func TestStopWithNoRecordReturnsFalseNotError(t *testing.T) {
	s := newTestSupervisor(t)
	ok, err := s.Stop(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStopTerminatesRecordedProcessesAndRemovesRecord(t *testing.T) {
	s := newTestSupervisor(t)

	backend := exec.Command("sleep", "30")
	require.NoError(t, backend.Start())
	api := exec.Command("sleep", "30")
	require.NoError(t, api.Start())

	require.NoError(t, s.store.Save(&record.Record{
		Hash:    "deadbeef",
		PID:     backend.Process.Pid,
		AppPID:  api.Process.Pid,
		Port:    0,
		AppPort: 0,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ok, err := s.Stop(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.store.Load()
	require.ErrorIs(t, err, record.ErrNoRecord)

	_ = backend.Wait()
	_ = api.Wait()
}

func TestCheckPortFreeDetectsBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	port := l.Addr().(*net.TCPAddr).Port
	err = checkPortFree("127.0.0.1", port)
	require.Error(t, err)
}

func TestCheckPortFreeAllowsUnboundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	require.NoError(t, checkPortFree("127.0.0.1", port))
}

func TestFreePortReturnsUsablePort(t *testing.T) {
	port, err := freePort()
	require.NoError(t, err)
	require.Greater(t, port, 0)
	require.NoError(t, checkPortFree("127.0.0.1", port))
}

func TestLoadBestPracticePreservesKeyOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets", "best_practices"), 0o755))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	raw := `{"temp":"0.7","top_p":"0.9","repeat_penalty":"1.1"}`
	require.NoError(t, os.WriteFile(filepath.Join("assets", "best_practices", "qwen3.json"), []byte(raw), 0o644))

	kvs := loadBestPractice("qwen3")
	require.Equal(t, []string{"temp", "top_p", "repeat_penalty"}, keysOf(kvs))
}

func keysOf(kvs []cmdbuilder.KV) []string {
	out := make([]string, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Key
	}
	return out
}
