// Package main provides the bridged daemon, the cross-chain HTLC
// bridge: chain monitors, relayer, swap orchestrator and HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/starbridge-labs/starbridge/internal/api"
	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/internal/chains/evm"
	"github.com/starbridge-labs/starbridge/internal/chains/soroban"
	"github.com/starbridge-labs/starbridge/internal/config"
	"github.com/starbridge-labs/starbridge/internal/health"
	"github.com/starbridge-labs/starbridge/internal/monitor"
	"github.com/starbridge-labs/starbridge/internal/orchestrator"
	"github.com/starbridge-labs/starbridge/internal/relayer"
	"github.com/starbridge-labs/starbridge/internal/resilience"
	"github.com/starbridge-labs/starbridge/internal/storage"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.starbridge", "Data directory")
		apiAddr     = flag.String("api", "127.0.0.1:8080", "HTTP API address")
		evmRPC      = flag.String("evm-rpc", "", "EVM RPC endpoint, overrides config")
		sorobanRPC  = flag.String("soroban-rpc", "", "Soroban RPC endpoint, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("bridged %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *evmRPC != "" {
		cfg.EVM.RPCURL = *evmRPC
	}
	if *sorobanRPC != "" {
		cfg.Soroban.RPCURL = *sorobanRPC
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Storage.DataDir = *dataDir

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(*dataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", expandPath(cfg.Storage.DataDir))

	// Connect the chain adapters
	evmAdapter, err := evm.New(&evm.Config{
		RPCURL:   cfg.EVM.RPCURL,
		Contract: cfg.EVM.Contract,
		AdminKey: cfg.EVM.AdminKey,
	})
	if err != nil {
		log.Fatal("Failed to connect EVM adapter", "error", err)
	}
	defer evmAdapter.Close()

	sorobanAdapter, err := soroban.New(&soroban.Config{
		RPCURL:   cfg.Soroban.RPCURL,
		Contract: cfg.Soroban.Contract,
		AdminKey: cfg.Soroban.AdminKey,
	})
	if err != nil {
		log.Fatal("Failed to connect Soroban adapter", "error", err)
	}
	defer sorobanAdapter.Close()

	adapters := map[chains.Tag]chains.Adapter{
		chains.TagEVM:     evmAdapter,
		chains.TagSoroban: sorobanAdapter,
	}
	log.Info("Chain adapters connected", "evm", cfg.EVM.RPCURL, "soroban", cfg.Soroban.RPCURL)

	// One resilience chain per adapter, sharing the operation queue.
	queue := resilience.NewOpQueue(cfg.OperationQueueSize)
	budgets := map[chains.Tag]time.Duration{
		chains.TagEVM:     time.Duration(cfg.EVM.TimeoutMS) * time.Millisecond,
		chains.TagSoroban: time.Duration(cfg.Soroban.TimeoutMS) * time.Millisecond,
	}
	execs := make(map[chains.Tag]*resilience.Executor, len(adapters))
	for tag := range adapters {
		breaker := resilience.NewCircuitBreaker(tag, resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			OpenTimeout:      time.Duration(cfg.Breaker.OpenTimeoutMS) * time.Millisecond,
		})
		retrier := resilience.NewRetrier(resilience.RetryConfig{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: time.Duration(cfg.Retry.InitialDelayMS) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
			Multiplier:   cfg.Retry.BackoffMultiplier,
		})
		execs[tag] = resilience.NewExecutor(tag, queue, breaker, retrier, budgets[tag])
	}

	// Monitors feed normalized chain events to the orchestrator.
	events := make(chan chains.Event, 256)
	monitors := make(map[chains.Tag]*monitor.Monitor, len(adapters))
	for tag, adapter := range adapters {
		monitors[tag] = monitor.New(adapter, execs[tag], store, cfg.PollingInterval(), events)
	}

	rel := relayer.New(relayer.Config{
		TickInterval: time.Duration(cfg.Relayer.TickIntervalMS) * time.Millisecond,
		MaxParallel:  cfg.Relayer.MaxParallelPerTick,
		MaxAttempts:  cfg.Relayer.MaxAttempts,
		RetryDelay:   time.Duration(cfg.Relayer.RetryDelayMS) * time.Millisecond,
	}, store, adapters, execs)

	orch := orchestrator.New(orchestrator.Config{
		DefaultTimelockSec: cfg.DefaultTimelockSec,
		MinTimelockSec:     config.MinTimelockSec,
		MaxTimelockSec:     config.MaxTimelockSec,
		RetentionTTL:       time.Duration(cfg.SwapRetentionTTLMS) * time.Millisecond,
	}, store, rel, events)

	// Re-arm swaps that were mid-flight when the daemon last stopped.
	if err := orch.Recover(); err != nil {
		log.Warn("Swap recovery failed", "error", err)
	}

	checker := health.New(monitors, execs, adapters, store, rel, queue)

	// Start the pipeline
	for _, mon := range monitors {
		go mon.Run(ctx)
	}
	go rel.Run(ctx)
	go orch.Run(ctx)

	apiServer := api.NewServer(orch, rel, checker)
	if err := apiServer.Start(*apiAddr); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	printBanner(log, cfg, *apiAddr)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown: stop intake first, then drain the loops.
	if err := apiServer.Stop(); err != nil {
		log.Error("Error stopping API server", "error", err)
	}
	cancel()

	for _, mon := range monitors {
		<-mon.Done()
	}
	<-rel.Done()
	<-orch.Done()

	log.Info("Goodbye!")
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Starbridge HTLC Bridge (%s)", cfg.Environment)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  EVM RPC:     %s", cfg.EVM.RPCURL)
	log.Infof("  Soroban RPC: %s", cfg.Soroban.RPCURL)
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Polling: %s | Queue: %d | Timelock: %ds",
		cfg.PollingInterval(), cfg.OperationQueueSize, cfg.DefaultTimelockSec)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
