// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHasDistinctGatewayURLs(t *testing.T) {
	cfg := Default()
	require.NotEqual(t, cfg.ManifestGatewayURL, cfg.MetadataGatewayURL)
	require.Contains(t, cfg.ManifestGatewayURL, "mesh3.network")
	require.Contains(t, cfg.MetadataGatewayURL, "lighthouse.storage")
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("LLAMA_SERVER", "/usr/local/bin/llama-server")
	t.Setenv("RUNNING_SERVICE_FILE", "/run/llm-supervisord/running.json")
	t.Setenv("START_LOCK_FILE", "/run/llm-supervisord/start.lock")

	cfg := Default()
	applyEnv(&cfg)

	require.Equal(t, "/usr/local/bin/llama-server", cfg.LlamaServerPath)
	require.Equal(t, "/run/llm-supervisord/running.json", cfg.RunningServiceFile)
	require.Equal(t, "/run/llm-supervisord/start.lock", cfg.StartLockFile)
}

func TestMergeOnlyOverridesNonEmptyFields(t *testing.T) {
	base := Default()
	override := Config{OutputDir: "custom-models"}

	merged := merge(base, override)
	require.Equal(t, "custom-models", merged.OutputDir)
	require.Equal(t, base.ManifestGatewayURL, merged.ManifestGatewayURL)
}
