// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inferenced/llm-supervisor/internal/contenthash"
	"github.com/inferenced/llm-supervisor/internal/fetcher"
	"github.com/inferenced/llm-supervisor/internal/manifest"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TestMaterializeEndToEnd matches spec.md §8 scenario 1: a single-file
// manifest whose file_name equals its folder_name must materialize into a
// plain file at <output_dir>/<hash>.gguf whose content hash is the
// descriptor's file_hash, with no working directory left behind.
func TestMaterializeEndToEnd(t *testing.T) {
	content := []byte("weights part A")

	m := manifest.Manifest{
		FolderName: "m1",
		NumOfFiles: 1,
		Files: []manifest.BlobDescriptor{
			{CID: "cidA", FileHash: hashOf(content), FileName: "m1"},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest/deadbeef":
			json.NewEncoder(w).Encode(m)
		case "/blob/cidA":
			w.Write(content)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	mc := manifest.NewClient(srv.Client(), srv.URL+"/manifest/", srv.URL+"/metadata/")
	// Override blob URL resolution to the /blob/ prefix used by this test server.
	blobURL := func(cid manifest.ContentID) string { return srv.URL + "/blob/" + string(cid) }

	f := fetcher.New(srv.Client(), blobURL, fetcher.Config{MaxAttempts: 1}, nil)

	workDir := t.TempDir()
	outDir := t.TempDir()

	orch := New(mc, f, Config{WorkDir: workDir, OutputDir: outDir, MaxAttempts: 1}, nil)

	final, err := orch.Materialize(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(outDir, "deadbeef.gguf"), final)

	info, err := os.Stat(final)
	require.NoError(t, err)
	require.False(t, info.IsDir(), "final artifact must be a file, not a directory")

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, content, got)

	gotHash, err := contenthash.Of(final)
	require.NoError(t, err)
	require.Equal(t, hashOf(content), gotHash)

	_, err = os.Stat(filepath.Join(workDir, "m1"))
	require.True(t, os.IsNotExist(err), "working directory must be removed after materialize")
}

// TestMaterializeMovesProjectorSibling covers a multimodal manifest: a
// primary blob named after folder_name, a projector sidecar named
// "<folder_name>-projector", and an unrelated sidecar blob that is
// discarded along with the rest of the working directory.
func TestMaterializeMovesProjectorSibling(t *testing.T) {
	primary := []byte("primary model bytes")
	projector := []byte("projector bytes")
	sidecar := []byte(`{"family":"qwen3"}`)

	m := manifest.Manifest{
		FolderName: "m2",
		NumOfFiles: 3,
		Files: []manifest.BlobDescriptor{
			{CID: "cidPrimary", FileHash: hashOf(primary), FileName: "m2"},
			{CID: "cidProjector", FileHash: hashOf(projector), FileName: "m2-projector"},
			{CID: "cidSidecar", FileHash: hashOf(sidecar), FileName: "config.json"},
		},
	}

	blobs := map[string][]byte{
		"cidPrimary":   primary,
		"cidProjector": projector,
		"cidSidecar":   sidecar,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/manifest/deadbeef" {
			json.NewEncoder(w).Encode(m)
			return
		}
		for cid, data := range blobs {
			if path == "/blob/"+cid {
				w.Write(data)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mc := manifest.NewClient(srv.Client(), srv.URL+"/manifest/", srv.URL+"/metadata/")
	blobURL := func(cid manifest.ContentID) string { return srv.URL + "/blob/" + string(cid) }
	f := fetcher.New(srv.Client(), blobURL, fetcher.Config{MaxAttempts: 1}, nil)

	workDir := t.TempDir()
	outDir := t.TempDir()
	orch := New(mc, f, Config{WorkDir: workDir, OutputDir: outDir, MaxAttempts: 1}, nil)

	final, err := orch.Materialize(context.Background(), "deadbeef")
	require.NoError(t, err)

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	require.Equal(t, primary, got)

	got, err = os.ReadFile(final + "-projector")
	require.NoError(t, err)
	require.Equal(t, projector, got)

	_, err = os.Stat(filepath.Join(workDir, "m2"))
	require.True(t, os.IsNotExist(err), "working directory must be removed after materialize")
}

func TestMaterializeReturnsExistingArtifactWithoutNetwork(t *testing.T) {
	outDir := t.TempDir()
	final := filepath.Join(outDir, "deadbeef.gguf")
	require.NoError(t, os.WriteFile(final, []byte("already installed"), 0o644))

	orch := New(nil, nil, Config{WorkDir: t.TempDir(), OutputDir: outDir, MaxAttempts: 1}, nil)

	got, err := orch.Materialize(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Equal(t, final, got)
}

func TestMaterializeFailsWhenBlobMissing(t *testing.T) {
	m := manifest.Manifest{
		FolderName: "my-model",
		NumOfFiles: 1,
		Files: []manifest.BlobDescriptor{
			{CID: "cidA", FileHash: "deadbeef", FileName: "a.bin"},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/manifest/deadbeef" {
			json.NewEncoder(w).Encode(m)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mc := manifest.NewClient(srv.Client(), srv.URL+"/manifest/", srv.URL+"/metadata/")
	blobURL := func(cid manifest.ContentID) string { return srv.URL + "/blob/" + string(cid) }
	f := fetcher.New(srv.Client(), blobURL, fetcher.Config{MaxAttempts: 1}, nil)

	orch := New(mc, f, Config{WorkDir: t.TempDir(), OutputDir: t.TempDir(), MaxAttempts: 1}, nil)

	_, err := orch.Materialize(context.Background(), "deadbeef")
	require.Error(t, err)
}
