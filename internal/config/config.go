// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package config loads the supervisor's runtime configuration from
// environment variables and an optional config file, so call sites never
// read the environment directly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved runtime configuration, read once at
// process startup and threaded through constructors from there.
type Config struct {
	// LlamaServerPath is the backend executable (env LLAMA_SERVER).
	LlamaServerPath string `json:"llama_server" yaml:"llama_server"`
	// RunningServiceFile is the SupervisionRecord path (env RUNNING_SERVICE_FILE).
	RunningServiceFile string `json:"running_service_file" yaml:"running_service_file"`
	// StartLockFile is the advisory lock path (env START_LOCK_FILE).
	StartLockFile string `json:"start_lock_file" yaml:"start_lock_file"`

	// ManifestGatewayURL resolves model manifests (gateway.mesh3.network
	// in the original deployment). Kept distinct from MetadataGatewayURL
	// since the two are genuinely different hosts.
	ManifestGatewayURL string `json:"manifest_gateway_url" yaml:"manifest_gateway_url"`
	// MetadataGatewayURL resolves family metadata sidecars
	// (gateway.lighthouse.storage in the original deployment).
	MetadataGatewayURL string `json:"metadata_gateway_url" yaml:"metadata_gateway_url"`

	// OutputDir is where installed model artifacts live.
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	// WorkDir is the scratch directory manifests are assembled under.
	WorkDir string `json:"work_dir" yaml:"work_dir"`
	// LogDir holds ai.log / api.log for spawned child processes.
	LogDir string `json:"log_dir" yaml:"log_dir"`

	// LogLevel controls internal/applog's verbosity (env LOG_LEVEL).
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Default returns the baseline configuration before environment or file
// overrides are applied.
func Default() Config {
	return Config{
		ManifestGatewayURL: "https://gateway.mesh3.network/ipfs/",
		MetadataGatewayURL: "https://gateway.lighthouse.storage/ipfs/",
		OutputDir:          "models",
		WorkDir:            "tmp",
		LogDir:             "logs",
		LogLevel:           "info",
	}
}

// Load resolves configuration in priority order: environment variables
// (LLAMA_SERVER, RUNNING_SERVICE_FILE, START_LOCK_FILE, LOG_LEVEL) take
// precedence, then an optional config file at
// ~/.config/llm-supervisord.{json,yaml}, then Default(). It fails when no
// backend executable path (LLAMA_SERVER or llama_server) is configured.
func Load() (Config, error) {
	cfg := Default()

	if path, err := defaultConfigPath(); err == nil {
		if fileCfg, ferr := loadFile(path); ferr == nil {
			cfg = merge(cfg, fileCfg)
		}
	}

	applyEnv(&cfg)
	if cfg.LlamaServerPath == "" {
		return cfg, fmt.Errorf("config: LLAMA_SERVER is not set")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LLAMA_SERVER"); v != "" {
		cfg.LlamaServerPath = v
	}
	if v := os.Getenv("RUNNING_SERVICE_FILE"); v != "" {
		cfg.RunningServiceFile = v
	}
	if v := os.Getenv("START_LOCK_FILE"); v != "" {
		cfg.StartLockFile = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "llm-supervisord"), nil
}

// loadFile reads base+".json" or base+".yaml", whichever exists, JSON
// taking precedence if both are present.
func loadFile(base string) (Config, error) {
	var cfg Config

	if data, err := os.ReadFile(base + ".json"); err == nil {
		if jerr := json.Unmarshal(data, &cfg); jerr != nil {
			return cfg, fmt.Errorf("config: decode %s.json: %w", base, jerr)
		}
		return cfg, nil
	}

	for _, ext := range []string{".yaml", ".yml"} {
		if data, err := os.ReadFile(base + ext); err == nil {
			if yerr := yaml.Unmarshal(data, &cfg); yerr != nil {
				return cfg, fmt.Errorf("config: decode %s%s: %w", base, ext, yerr)
			}
			return cfg, nil
		}
	}

	return cfg, fmt.Errorf("config: no file found at %s.{json,yaml}", base)
}

// merge overlays any non-empty field of override onto base.
func merge(base, override Config) Config {
	result := base
	for _, pair := range []struct {
		dst *string
		src string
	}{
		{&result.LlamaServerPath, override.LlamaServerPath},
		{&result.RunningServiceFile, override.RunningServiceFile},
		{&result.StartLockFile, override.StartLockFile},
		{&result.ManifestGatewayURL, override.ManifestGatewayURL},
		{&result.MetadataGatewayURL, override.MetadataGatewayURL},
		{&result.OutputDir, override.OutputDir},
		{&result.WorkDir, override.WorkDir},
		{&result.LogDir, override.LogDir},
		{&result.LogLevel, override.LogLevel},
	} {
		if strings.TrimSpace(pair.src) != "" {
			*pair.dst = pair.src
		}
	}
	return result
}
