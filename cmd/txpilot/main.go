// Package main provides the main entry point for the txpilot submission
// core. It initializes and coordinates all services using the service
// registry pattern.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dmaresca/txpilot/internal/alert"
	"github.com/dmaresca/txpilot/internal/api"
	"github.com/dmaresca/txpilot/internal/archive"
	"github.com/dmaresca/txpilot/internal/intake"
	"github.com/dmaresca/txpilot/internal/keyring"
	"github.com/dmaresca/txpilot/internal/orchestrator"
	"github.com/dmaresca/txpilot/pkg/config"
	"github.com/dmaresca/txpilot/pkg/logging"
	"github.com/dmaresca/txpilot/pkg/metrics"
	"github.com/dmaresca/txpilot/pkg/service"
)

// main initializes configuration, wires the submission core and its
// sinks, registers all services, starts them in dependency order, and
// handles graceful shutdown.
func main() {
	// Define command-line flags
	configFile := pflag.String("config", "", "Path to configuration file")
	envFile := pflag.String("env-file", ".env", "Path to dotenv file")
	logLevel := pflag.String("log-level", "", "Log level (debug, info, warn, error)")
	dryRun := pflag.Bool("dry-run", false, "Fake every broadcast while reading real chain state")
	pflag.Parse()

	// Set up custom load options
	opts := config.DefaultLoadOptions()
	if *configFile != "" {
		opts.ConfigFile = *configFile
	}
	if *envFile != "" {
		opts.EnvFile = *envFile
	}

	// Initialize configuration
	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command-line overrides
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *dryRun {
		cfg.DryRun = true
	}

	// Set up loggers: stdlib for the registry, structured for everything else
	stdLogger := log.New(os.Stdout, "[TXPILOT] ", log.LstdFlags)
	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: "txpilot",
		Environment: cfg.Log.Environment,
	})

	// Print configuration source for debugging
	if *configFile != "" {
		stdLogger.Printf("Configuration loaded from file: %s", *configFile)
	} else {
		stdLogger.Println("Configuration loaded from environment and defaults")
	}

	if len(cfg.Chains) == 0 {
		stdLogger.Fatal("No chains configured; nothing to do")
	}

	// Set up metrics
	metricsCollector := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		ServiceName: "txpilot",
	})

	// Select the signing backend
	var keys keyring.Keyring
	if cfg.Vault.Address != "" {
		keys = keyring.NewVaultKeyring(cfg.Vault.Address, cfg.Vault.Token, logger)
		logger.Info("using vault signing backend", "address", cfg.Vault.Address)
	} else {
		local, err := keyring.NewLocalKeyringFromHex(cfg.Keyring.Keys)
		if err != nil {
			stdLogger.Fatalf("Failed to load local keyring: %v", err)
		}
		keys = local
		logger.Warn("using local signing keys; not for production use", "accounts", len(local.Addresses()))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Build the submission core
	core, err := orchestrator.New(cfg, keys, logger, metricsCollector)
	if err != nil {
		stdLogger.Fatalf("Failed to initialize orchestrator: %v", err)
	}

	// Completion sinks. All of them are optional and best-effort.
	var store *archive.Archive
	if cfg.Redis.Address != "" {
		store, err = archive.New(cfg.Redis, logger)
		if err != nil {
			stdLogger.Fatalf("Failed to connect to archive: %v", err)
		}
		defer store.Close()
		core.AddSink(archive.NewCompletionSink(store))
	}

	notifier := alert.NewNotifier(cfg.Alerts.SlackWebhookURL, alert.ParseLevel(cfg.Alerts.MinLevel), logger, metricsCollector)
	if cfg.Alerts.SlackWebhookURL != "" {
		core.AddSink(alert.NewCompletionSink(notifier))
	}

	// Create service registry
	registry := service.NewRegistry(stdLogger)

	// Initialize and register services
	stdLogger.Println("Initializing services...")

	if err := registry.Register(orchestrator.NewOrchestratorService(core)); err != nil {
		stdLogger.Fatalf("Failed to register orchestrator service: %v", err)
	}

	if cfg.Kafka.Enabled {
		publisher, err := intake.NewPublisher(cfg.Kafka, logger)
		if err != nil {
			stdLogger.Fatalf("Failed to initialize kafka publisher: %v", err)
		}
		defer publisher.Close()
		core.AddSink(publisher)

		consumer, err := intake.NewConsumer(cfg.Kafka, core, logger)
		if err != nil {
			stdLogger.Fatalf("Failed to initialize kafka consumer: %v", err)
		}
		if err := registry.Register(intake.NewIntakeService(consumer)); err != nil {
			stdLogger.Fatalf("Failed to register intake service: %v", err)
		}
	}

	apiService := api.NewAPIService(cfg, core, store, notifier, logger, metricsCollector)
	if err := registry.Register(apiService); err != nil {
		stdLogger.Fatalf("Failed to register API service: %v", err)
	}

	// Start all services
	stdLogger.Println("Starting all services...")
	if err := registry.StartAll(ctx); err != nil {
		stdLogger.Fatalf("Failed to start services: %v", err)
	}
	stdLogger.Println("All services started successfully")

	// Handle graceful shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	stdLogger.Println("Shutting down gracefully...")
	cancel()

	// Stop all services
	if err := registry.StopAll(context.Background()); err != nil {
		stdLogger.Printf("Error during shutdown: %v", err)
	}

	stdLogger.Println("Shutdown complete")
}
