// Package main is the entry point for kilnd, a thin driver that runs one
// scan_and_process cycle over a kiln root and exits. It is not a CLI
// dispatch framework — the specification names no command surface (§6:
// "No CLI surface is specified here") — only the environment variables
// the orchestrator itself consumes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kilnforge/kiln"
	"github.com/kilnforge/kiln/internal/embedpool"
	"github.com/kilnforge/kiln/internal/events"
	"github.com/kilnforge/kiln/internal/orchestrator"
	"github.com/kilnforge/kiln/internal/progress"
	"github.com/kilnforge/kiln/internal/store"
	"github.com/kilnforge/kiln/internal/termcolor"
)

func main() {
	initLogger()

	root := getEnv("KILN_ROOT", "")
	if root == "" {
		fmt.Fprintln(os.Stderr, "KILN_ROOT must be set to the kiln directory to process")
		os.Exit(1)
	}

	dbPath := getEnv("KILN_DB_PATH", filepath.Join(root, ".kiln.db"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, dbPath, slog.Default())
	if err != nil {
		slog.Error("failed to open index", "path", dbPath, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := kiln.DefaultConfig()
	cfg.RootPath = root

	var provider embedpool.Provider
	if endpoint := getEnv("EMBEDDING_ENDPOINT", ""); endpoint != "" {
		model := getEnv("EMBEDDING_MODEL", "")
		provider = embedpool.NewHTTPProvider(endpoint, model)
	}

	bus := events.NewBus(slog.Default())
	defer bus.Close()

	reporter := progress.NewReporter(bus)
	reporter.Start(fmt.Sprintf("scanning %s", root))
	defer reporter.Stop()

	orch := orchestrator.New(cfg, db, nil, provider, false, bus, slog.Default())

	start := time.Now()
	result, err := orch.Process(ctx, root)
	if err != nil {
		slog.Error("processing failed", "err", err)
		os.Exit(1)
	}

	printSummary(result, time.Since(start))

	if result.Errors != nil {
		os.Exit(1)
	}
	if result.Partial {
		os.Exit(2)
	}
}

// initLogger reads KILN_LOG_LEVEL and KILN_LOG_FORMAT from the
// environment, constructs the appropriate slog.Handler, and installs it
// as the default logger via slog.SetDefault.
func initLogger() {
	level := slog.LevelInfo
	switch getEnv("KILN_LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if getEnv("KILN_LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func printSummary(result *kiln.ProcessingResult, wall time.Duration) {
	cw := termcolor.NewWriter(os.Stdout, termcolor.ColorAuto)
	fmt.Print(cw.FormatSummary(result, wall))
}
