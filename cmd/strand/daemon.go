package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mlowden/strand/internal/approval"
	"github.com/mlowden/strand/internal/audit"
	"github.com/mlowden/strand/internal/broadcast"
	"github.com/mlowden/strand/internal/config"
	"github.com/mlowden/strand/internal/controlplane"
	"github.com/mlowden/strand/internal/installer"
	"github.com/mlowden/strand/internal/memory"
	"github.com/mlowden/strand/internal/pkgindex"
	"github.com/mlowden/strand/internal/prefs"
	"github.com/mlowden/strand/internal/registry"
	"github.com/mlowden/strand/internal/runner"
	"github.com/mlowden/strand/internal/scheduler"
	"github.com/mlowden/strand/internal/store"
	"github.com/mlowden/strand/internal/toolbox"
)

var (
	listenAddr string
	dbPath     string
	workers    int
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Strand daemon (strandd)",
	Long:  `Starts the Strand daemon which provides the HTTP API and event streams for thread and task coordination.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().IntVar(&workers, "workers", 0, "Concurrent worker count (overrides config)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	log.Println("Starting Strand daemon...")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if workers > 0 {
		cfg.Scheduler.Workers = workers
	}

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	// Deferred first so it runs after the scheduler and approval manager
	// have drained their in-flight work.
	defer s.Close()

	// Initialize components
	auditor := audit.NewWriter(s)
	hub := broadcast.NewHub()
	threads := registry.New(s)
	mem := memory.New(s)
	pref := prefs.New(s)

	tools := toolbox.New(s)
	seeded, err := tools.SeedSystemTools()
	if err != nil {
		return err
	}
	log.Printf("Tool registry ready (%d system tools)", seeded)

	// Execution backend
	run, err := buildRunner(cfg)
	if err != nil {
		return err
	}
	log.Printf("Runner: %s", run.Name())

	// Package approval pipeline
	workDir := cfg.Packages.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	pip := installer.NewPip(cfg.Packages.PipPath, workDir)
	index := pkgindex.NewPyPI("")
	packages := approval.New(s, index, pip, hub, auditor)
	defer packages.Stop()

	var watcher *approval.DriftWatcher
	if cfg.Packages.ManifestPath != "" {
		watcher, err = approval.NewDriftWatcher(packages, cfg.Packages.ManifestPath)
		if err != nil {
			log.Printf("Warning: drift watcher disabled: %v", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	// Scheduler
	schedCfg := &scheduler.Config{
		Workers:      cfg.Scheduler.Workers,
		PollInterval: cfg.Scheduler.PollInterval,
		TaskTimeout:  cfg.Scheduler.TaskTimeout,
		RetryLimit:   cfg.Scheduler.RetryLimit,
		RetryBackoff: cfg.Scheduler.RetryBackoff,
	}
	sched := scheduler.New(s, run, hub, auditor, tools, schedCfg)
	sched.Start()
	defer sched.Stop()

	// Create service and server
	service := controlplane.NewService(threads, sched, packages, tools, mem, pref, hub, auditor)
	server := controlplane.NewServer(service, cfg.Listen)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			hub.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Disconnect stream subscribers before the components they observe stop.
	hub.Close()

	log.Println("Shutdown complete")
	return nil
}

// buildRunner selects the execution backend from config.
func buildRunner(cfg *config.Config) (runner.Runner, error) {
	switch cfg.Runner.Kind {
	case "anthropic":
		return runner.NewAnthropic(cfg.Runner.APIKey, cfg.Runner.Model, cfg.Runner.System)
	default:
		return runner.NewLoopback(), nil
	}
}
