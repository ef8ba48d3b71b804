package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cvescout/internal/config"
	"cvescout/internal/github"
	"cvescout/internal/llm"
	"cvescout/internal/repository"
	"cvescout/internal/service"
)

// main is the single entry-point for the vulnerability code searcher.
func main() {
	// Load configuration
	cfg := config.Load()

	if cfg.LogDir != "" {
		closeLog := setupLogFile(cfg.LogDir)
		defer closeLog()
	}

	log.Printf("Configuration loaded:")
	log.Printf("  - Workbook: %s", cfg.ExcelPath)
	log.Printf("  - Vertex model: %s", cfg.VertexModel)
	log.Printf("  - Search language: %s", cfg.SearchLanguage)

	// Interrupts checkpoint the store and terminate the run cleanly.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open the record store
	store, err := repository.OpenExcelStore(cfg.ExcelPath)
	if err != nil {
		log.Fatalf("Failed to open record store: %v", err)
	}
	defer store.Close()

	// Initialize the Vertex AI model client
	model, err := llm.NewVertex(ctx, cfg.ProjectID, cfg.Location, cfg.VertexModel)
	if err != nil {
		log.Fatalf("Failed to initialize Vertex AI client: %v", err)
	}
	defer model.Close()

	// Initialize the GitHub search client
	gh := github.NewClient(cfg.GitHubToken, github.Options{
		Language:        cfg.SearchLanguage,
		PerResultDelay:  cfg.PerResultDelay,
		ExcludeForks:    cfg.ExcludeForks,
		ExcludeArchived: cfg.ExcludeArchived,
	})

	quota := gh.Quota(ctx)
	log.Printf("GitHub API quota: %d/%d remaining", quota.Remaining, quota.Limit)

	// Run the pipeline
	pipeline := service.NewPipeline(store, model, gh, cfg)
	stats, err := pipeline.Run(ctx)
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	log.Printf("Processing complete:")
	log.Printf("  - Processed: %d", stats.Processed)
	log.Printf("  - Updated:   %d", stats.Updated)
	log.Printf("  - Skipped:   %d", stats.Skipped)
	log.Printf("  - Errored:   %d", stats.Errored)
}

// setupLogFile mirrors log output into a dated file under dir.
func setupLogFile(dir string) func() {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("WARNING: could not create log directory %s: %v", dir, err)
		return func() {}
	}
	name := filepath.Join(dir, fmt.Sprintf("cvescout_%s.log", time.Now().Format("20060102_150405")))
	f, err := os.Create(name)
	if err != nil {
		log.Printf("WARNING: could not create log file %s: %v", name, err)
		return func() {}
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() { _ = f.Close() }
}
