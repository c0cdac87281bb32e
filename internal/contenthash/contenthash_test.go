// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package contenthash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfAndMatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sum, err := Of(path)
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde", sum)

	ok, err := Matches(path, "B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Matches(path, "deadbeef")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOfMissingFile(t *testing.T) {
	_, err := Of(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
