// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cmdbuilder constructs the backend server's argv from a model's
// family metadata and the supervisor's runtime parameters.
package cmdbuilder

import (
	"fmt"
	"strconv"
	"strings"
)

// Params are the inputs needed to build one backend invocation.
type Params struct {
	ServerPath      string // executable path, from LLAMA_SERVER
	ModelPath       string // absolute path to the installed model artifact
	Port            int
	Host            string
	ContextLength   int
	FolderName      string // used for case-insensitive family detection
	TemplatePath    string // optional chat template file
	BestPracticeSet []KV   // optional best-practice flags, in iteration order
	MmprojPath      string // optional projector path, if multimodal
}

// KV is a single best-practice flag/value pair, order-preserving.
type KV struct {
	Key   string
	Value string
}

// FamilySelection resolves which of a family's template/best-practice
// assets apply, and whether the context length should be halved.
type FamilySelection struct {
	UseTemplate     bool
	UseBestPractice bool
	HalveContext    bool
}

// SelectFamily inspects folderName case-insensitively per the family rule:
// gemma halves context and uses only the template; qwen25/qwen3/llama use
// both template and best-practice; anything else uses neither.
func SelectFamily(folderName string) FamilySelection {
	lower := strings.ToLower(folderName)
	switch {
	case strings.Contains(lower, "gemma"):
		return FamilySelection{UseTemplate: true, HalveContext: true}
	case strings.Contains(lower, "qwen25"), strings.Contains(lower, "qwen3"), strings.Contains(lower, "llama"):
		return FamilySelection{UseTemplate: true, UseBestPractice: true}
	default:
		return FamilySelection{}
	}
}

// Build constructs the backend argv (argv[0] is p.ServerPath). Callers
// apply SelectFamily themselves and populate TemplatePath/BestPracticeSet/
// ContextLength accordingly before calling Build — this keeps asset
// resolution (reading template/best-practice files from disk) out of this
// package, which only assembles flags.
func Build(p Params) []string {
	args := []string{
		p.ServerPath,
		"--model", p.ModelPath,
		"--port", strconv.Itoa(p.Port),
		"--host", p.Host,
		"-c", strconv.Itoa(p.ContextLength),
		"-fa",
		"--pooling", "mean",
		"--no-webui",
		"-ngl", "9999",
		"--no-mmap",
		"--mlock",
		"--jinja",
		"--reasoning-format", "none",
	}

	if p.TemplatePath != "" {
		args = append(args, "--chat-template-file", p.TemplatePath)
	}

	for _, kv := range p.BestPracticeSet {
		args = append(args, fmt.Sprintf("--%s", kv.Key), kv.Value)
	}

	if p.MmprojPath != "" {
		args = append(args, "--mmproj", p.MmprojPath)
	}

	return args
}
