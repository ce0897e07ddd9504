// Package main is the entry point for the taskpilot server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/pkg/api"
	"github.com/taskpilot/taskpilot/pkg/config"
	"github.com/taskpilot/taskpilot/pkg/logging"
	"github.com/taskpilot/taskpilot/pkg/runtime"
	"github.com/taskpilot/taskpilot/pkg/storage"
)

const (
	appName    = "taskpilot"
	appVersion = "0.1.0"
)

var configPath string

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Durable multi-phase AI task execution engine",
		Version: appVersion,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the execution server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	configCmd := &cobra.Command{
		Use:   "config-init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewStdLogger(cfg.Logging.Level)

	backend, err := buildBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	store := storage.NewExecutionStore(backend, logger, storage.StoreOptions{
		ExecutionTTL:   time.Duration(cfg.Execution.ExecutionTTLHours) * time.Hour,
		IdempotencyTTL: time.Duration(cfg.Execution.IdempotencyTTLMinutes) * time.Minute,
		AuditTTL:       time.Duration(cfg.Execution.AuditTTLDays) * 24 * time.Hour,
	})

	capabilities, invoker := buildModelStack(logger)

	registry := runtime.NewCancellationRegistry()
	controller := runtime.NewController(
		store,
		registry,
		capabilities,
		invoker,
		runtime.EchoToolExecutor{},
		logger,
	)

	if recovered := controller.RecoverInterrupted(context.Background()); recovered > 0 {
		logger.Info("recovered interrupted executions", logging.F("count", recovered))
	}

	planner, err := buildPlanner(cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg, controller, planner, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-stop:
		log.Println("Shutting down gracefully...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(ctx)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config

	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		locations := []string{
			"./config.json",
			"./configs/config.json",
			defaultConfigPath(),
			"/etc/taskpilot/config.json",
		}
		for _, path := range locations {
			if loaded, err := config.LoadConfig(path); err == nil {
				cfg = loaded
				break
			}
		}
		if cfg == nil {
			cfg = config.DefaultConfig()
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

func defaultConfigPath() string {
	return filepath.Join(os.Getenv("HOME"), "."+appName, "config.json")
}

// buildBackend creates the configured backend, degrading to the
// in-memory fallback when the durable backend is unreachable and
// fallback is enabled.
func buildBackend(cfg *config.Config, logger logging.Logger) (storage.Backend, error) {
	backend, err := storage.NewBackend(storage.BackendConfig{
		Type: storage.BackendType(cfg.Storage.Type),
		Redis: &storage.RedisBackendConfig{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		},
		DynamoDB: &storage.DynamoDBBackendConfig{
			Region:      cfg.Storage.DynamoDB.Region,
			Endpoint:    cfg.Storage.DynamoDB.Endpoint,
			TablePrefix: cfg.Storage.DynamoDB.TablePrefix,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := backend.Initialize(); err != nil {
		if !cfg.Storage.FallbackToMemory {
			return nil, fmt.Errorf("failed to initialize %s backend: %w", cfg.Storage.Type, err)
		}
		logger.Warn("durable backend unavailable, falling back to in-memory store",
			logging.F("backend", cfg.Storage.Type),
			logging.F("error", err.Error()),
		)
		backend = storage.NewMemoryBackend()
	}

	return backend, nil
}

// buildModelStack wires real model providers from API-key environment
// variables, defaulting to the echo stubs so the server runs without
// credentials
func buildModelStack(logger logging.Logger) (runtime.CapabilityLookup, runtime.ModelInvoker) {
	apiKeys := map[string]string{}
	if key := os.Getenv("TASKPILOT_OPENAI_API_KEY"); key != "" {
		apiKeys["openai"] = key
	}
	if key := os.Getenv("TASKPILOT_ANTHROPIC_API_KEY"); key != "" {
		apiKeys["anthropic"] = key
	}

	if len(apiKeys) == 0 {
		logger.Warn("no model provider API keys set, using echo stubs")
		return runtime.StaticCapabilities{Default: runtime.Capability{Provider: "echo", Model: "echo"}}, runtime.EchoInvoker{}
	}

	capability := runtime.Capability{Provider: "openai", Model: "gpt-4o-mini"}
	if _, ok := apiKeys["openai"]; !ok {
		capability = runtime.Capability{Provider: "anthropic", Model: "claude-sonnet-4-0"}
	}
	if model := os.Getenv("TASKPILOT_DEFAULT_MODEL"); model != "" {
		capability.Model = model
	}

	return runtime.StaticCapabilities{Default: capability}, runtime.NewHTTPInvoker(apiKeys)
}

func buildPlanner(cfg *config.Config) (runtime.Planner, error) {
	if path := cfg.Execution.PlanTemplatesPath; path != "" {
		return runtime.LoadStaticPlanner(path)
	}
	return runtime.NewStaticPlanner([]runtime.PlanTemplate{
		{
			Name: "general task",
			Phases: []runtime.PlanTemplatePhase{
				{ID: "analyze", Name: "Analyze request", TaskKind: "analysis"},
				{ID: "execute", Name: "Execute task", TaskKind: "generation"},
				{ID: "summarize", Name: "Summarize results", TaskKind: "summarization"},
			},
		},
	}), nil
}
