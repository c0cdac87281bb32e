// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inferenced/llm-supervisor/internal/applog"
	"github.com/inferenced/llm-supervisor/internal/config"
	"github.com/inferenced/llm-supervisor/internal/fetcher"
	"github.com/inferenced/llm-supervisor/internal/manifest"
	"github.com/inferenced/llm-supervisor/internal/orchestrator"
	"github.com/inferenced/llm-supervisor/internal/supervisor"
)

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

func main() {
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "llm-supervisord",
		Short:         "Start, stop, and restart a managed llama.cpp backend plus its API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	var host string
	var jsonOut bool
	root.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "Bind host for the backend and API")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON on stdout")

	root.AddCommand(newStartCmd(ctx, &host, &jsonOut))
	root.AddCommand(newStopCmd(ctx, &jsonOut))
	root.AddCommand(newRestartCmd(ctx, &host, &jsonOut))
	root.AddCommand(newStatusCmd(&jsonOut))
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newStartCmd(ctx context.Context, host *string, jsonOut *bool) *cobra.Command {
	var appPort int
	var contextLength int

	cmd := &cobra.Command{
		Use:   "start <hash>",
		Short: "Materialize a model by content hash and start backend + API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := buildSupervisor()
			if err != nil {
				return err
			}
			ok, err := sup.Start(ctx, manifest.ContentID(args[0]), appPort, *host, contextLength)
			if err != nil {
				return err
			}
			return report(*jsonOut, "start", ok)
		},
	}
	cmd.Flags().IntVar(&appPort, "port", 8080, "API port to expose")
	cmd.Flags().IntVar(&contextLength, "context-length", 4096, "Backend context length (halved for gemma family)")
	return cmd
}

func newStopCmd(ctx context.Context, jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the currently running backend and API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := buildSupervisor()
			if err != nil {
				return err
			}
			ok, err := sup.Stop(ctx)
			if err != nil {
				return err
			}
			return report(*jsonOut, "stop", ok)
		},
	}
}

func newRestartCmd(ctx context.Context, host *string, jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop and re-start the currently running model with its saved parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := buildSupervisor()
			if err != nil {
				return err
			}
			ok, err := sup.Restart(ctx, *host)
			if err != nil {
				return err
			}
			return report(*jsonOut, "restart", ok)
		},
	}
}

func newStatusCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the hash of the currently running model, if any",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sup, err := buildSupervisor()
			if err != nil {
				return err
			}
			hash, err := sup.GetRunningModel()
			if err != nil {
				return err
			}
			if *jsonOut {
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(map[string]string{"hash": hash})
			}
			if hash == "" {
				fmt.Println("no model running")
			} else {
				fmt.Println(hash)
			}
			return nil
		},
	}
}

// buildSupervisor wires a Supervisor from configuration. It stays a thin
// shim over internal/supervisor — no lifecycle logic lives here.
func buildSupervisor() (*supervisor.Supervisor, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := applog.New(cfg.LogLevel)

	httpClient := fetcher.NewSharedClient(fetcher.Config{})
	manifestClient := manifest.NewClient(&http.Client{Timeout: 30 * time.Second}, cfg.ManifestGatewayURL, cfg.MetadataGatewayURL)
	f := fetcher.New(httpClient, manifestClient.BlobURL, fetcher.Config{}, applog.WithOp(log, "fetcher"))
	orch := orchestrator.New(manifestClient, f, orchestrator.Config{
		WorkDir:   cfg.WorkDir,
		OutputDir: cfg.OutputDir,
	}, applog.WithOp(log, "orchestrator"))

	return supervisor.New(cfg, orch, manifestClient, log), nil
}

func report(jsonOut bool, op string, ok bool) error {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		return enc.Encode(map[string]any{"op": op, "ok": ok})
	}
	if ok {
		fmt.Printf("%s: ok\n", op)
	} else {
		fmt.Printf("%s: no-op\n", op)
	}
	return nil
}

// signalContext cancels when the process receives SIGINT or SIGTERM, so
// an in-flight Start/Stop can unwind instead of leaving orphaned children.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
