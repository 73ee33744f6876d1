// Kestrel - Two-stage fraud detection over transaction datasets.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/orchestrator"
	"github.com/opensource-finance/kestrel/internal/tracing"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const usage = `Usage: kestrel [command]

Commands:
  run     Pre-score the active dataset and confirm suspects with the model (default)
  retry   Re-run the batches that failed in the latest run
  serve   Serve the dataset, diagnostics and results over HTTP
  mcp     Expose the analyst tools over MCP on stdio
`

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "run", "retry", "serve", "mcp":
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol
	out := io.Writer(os.Stdout)
	if cmd == "mcp" {
		out = os.Stderr
	}
	setupLogger(cfg.Logging, out)

	slog.Info("starting kestrel",
		"command", cmd,
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if cmd == "mcp" {
		os.Exit(serveMCP(cfg))
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"dataset", cfg.Dataset.Folder,
		"model", cfg.Agent.Model,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	var code int
	switch cmd {
	case "serve":
		code = serve(ctx, cfg)
	default:
		code = analyze(ctx, cfg, cmd == "retry")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}
	flushCancel()
	os.Exit(code)
}

func setupLogger(cfg domain.LoggingConfig, out io.Writer) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// analyze runs the pipeline, or only the failed batches when retry is set.
func analyze(ctx context.Context, cfg *domain.Config, retry bool) int {
	if err := config.RequireCredentials(cfg); err != nil {
		slog.Error("missing model credentials", "error", err)
		return 1
	}

	a, err := newApp(cfg, true)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	orch, err := a.orchestrator(ctx)
	if err != nil {
		slog.Error("failed to initialize pipeline", "error", err)
		return 1
	}

	var sum *orchestrator.Summary
	if retry {
		sum, err = orch.RetryErrored(ctx)
	} else {
		sum, err = orch.Run(ctx)
	}

	if sum != nil {
		printSummary(sum)
	}
	switch {
	case errors.Is(err, context.Canceled):
		slog.Warn("run interrupted, journal is consistent")
		return 130
	case errors.Is(err, orchestrator.ErrNoRun):
		slog.Error("nothing to retry", "error", err)
		return 1
	case err != nil:
		slog.Error("run failed", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *domain.Config) int {
	a, err := newApp(cfg, false)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		return 1
	}
	defer a.Close()

	srv := api.NewServer(cfg.Server, api.Deps{
		Store:      a.store,
		Journal:    a.journal,
		Repository: a.repo,
		Cache:      a.cache,
		Bus:        a.bus,
		ResultsDir: cfg.ResultsDir,
		Version:    Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		code = 1
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return code
}

func serveMCP(cfg *domain.Config) int {
	a, err := newToolApp(cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		return 1
	}

	slog.Info("serving tools over stdio", "dataset", cfg.Dataset.Folder, "tool_format", cfg.Agent.ToolFormat)
	if err := server.ServeStdio(a.toolbox.NewMCPServer(Version)); err != nil {
		slog.Error("mcp server failed", "error", err)
		return 1
	}
	return 0
}

func printSummary(sum *orchestrator.Summary) {
	fmt.Println()
	fmt.Printf("  Run:          %s (%s)\n", sum.RunID, sum.Status)
	fmt.Printf("  Dataset:      %s\n", sum.Dataset)
	fmt.Printf("  Model:        %s\n", sum.Model)
	if !sum.Retry {
		fmt.Printf("  Scored:       %d / %d\n", sum.Scored, sum.TotalTransactions)
		fmt.Printf("  Suspects:     %d (%d journaled)\n", sum.Suspects, sum.Persisted)
	}
	fmt.Printf("  Batches:      %d (%d failed)\n", sum.Batches, sum.FailedBatches)
	fmt.Printf("  Confirmed:    %d new, %d total\n", sum.NewlyConfirmed, sum.Confirmed)
	fmt.Printf("  Avg score:    %.2f\n", sum.Stats.AverageScore)
	fmt.Printf("  Tokens:       %d (%d prompt, %d completion)\n",
		sum.Stats.Tokens.TotalTokens, sum.Stats.Tokens.PromptTokens, sum.Stats.Tokens.CompletionTokens)
	fmt.Printf("  Throughput:   %.2f tx/s\n", sum.Stats.Throughput)
	fmt.Printf("  Duration:     %s\n", time.Duration(sum.TotalMs)*time.Millisecond)
	fmt.Println()
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║       Two-stage fraud detection           ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Dataset:  %s\n", cfg.Dataset.Folder)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /transactions/ids        - List transaction ids")
	fmt.Println("    GET  /transactions/{id}       - Evidence bundle")
	fmt.Println("    POST /transactions/batch      - Up to 200 bundles")
	fmt.Println("    POST /fraud-tools/check-*     - Diagnostic checks")
	fmt.Println("    GET  /dataset/current         - Active dataset")
	fmt.Println("    POST /dataset/{folder}        - Switch dataset")
	fmt.Println("    GET  /results                 - Journal summary")
	fmt.Println("    GET  /runs/latest             - Latest run and batches")
	fmt.Println("    GET  /metrics                 - Prometheus metrics")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
