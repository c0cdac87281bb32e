// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "running.json")
	store := NewStore(path)

	r := &Record{
		Hash:          "deadbeef",
		Port:          8081,
		AppPort:       8080,
		LocalTextPath: "/models/deadbeef.gguf",
		ContextLength: 4096,
		Family:        "qwen3",
		PID:           1234,
		AppPID:        1235,
	}

	require.NoError(t, store.Save(r))

	got, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, currentVersion, got.Version)
	require.Equal(t, r.Hash, got.Hash)
	require.Equal(t, r.Port, got.Port)
	require.Equal(t, r.PID, got.PID)
}

func TestLoadMissingReturnsErrNoRecord(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	_, err := store.Load()
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestRemoveIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "running.json")
	store := NewStore(path)
	require.NoError(t, store.Save(&Record{Hash: "x"}))
	require.NoError(t, store.Remove())
	require.NoError(t, store.Remove())
}

func TestNoTempFileLeftBehindAfterSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "running.json")
	store := NewStore(path)
	require.NoError(t, store.Save(&Record{Hash: "x"}))

	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, path, entries[0])
}
