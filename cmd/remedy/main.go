// Remedy orchestrator server. Provides the HTTP API, runs the worker
// runtimes that execute runbook steps, and orchestrates session processing.
//
// Invoked with "credential-holder" as the first argument the binary
// instead runs the credential holder loop over stdin/stdout; the broker
// spawns it as a child process so secrets never live in orchestrator
// memory longer than one use. Invoked with "ctl" it acts as an operator
// control client for a running orchestrator.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeready-toolchain/remedy/pkg/api"
	"github.com/codeready-toolchain/remedy/pkg/approval"
	"github.com/codeready-toolchain/remedy/pkg/cleanup"
	"github.com/codeready-toolchain/remedy/pkg/config"
	"github.com/codeready-toolchain/remedy/pkg/connectors"
	"github.com/codeready-toolchain/remedy/pkg/credentials"
	"github.com/codeready-toolchain/remedy/pkg/database"
	"github.com/codeready-toolchain/remedy/pkg/events"
	"github.com/codeready-toolchain/remedy/pkg/masking"
	"github.com/codeready-toolchain/remedy/pkg/matcher"
	"github.com/codeready-toolchain/remedy/pkg/models"
	"github.com/codeready-toolchain/remedy/pkg/policy"
	"github.com/codeready-toolchain/remedy/pkg/sessions"
	"github.com/codeready-toolchain/remedy/pkg/slack"
	"github.com/codeready-toolchain/remedy/pkg/storage"
	"github.com/codeready-toolchain/remedy/pkg/storage/memory"
	"github.com/codeready-toolchain/remedy/pkg/storage/postgres"
	"github.com/codeready-toolchain/remedy/pkg/ticketing"
	"github.com/codeready-toolchain/remedy/pkg/worker"
	"github.com/joho/godotenv"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Holder subcommand: serve one credential over framed stdin/stdout and
	// exit. Must be checked before any flag parsing.
	if len(os.Args) > 1 && os.Args[1] == credentials.HolderSubcommand {
		if err := credentials.RunHolder(os.Stdin, os.Stdout); err != nil {
			slog.Error("Credential holder exited with error", "error", err)
			os.Exit(1)
		}
		return
	}

	// Operator control subcommand: talks to a running orchestrator over
	// its REST surface and maps the outcome to the exit-code contract.
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		os.Exit(runCtl(os.Args[2:]))
	}

	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")

	slog.Info("Starting remedy", "http_port", httpPort, "config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Storage: PostgreSQL when configured, in-memory otherwise. The
	// in-memory store is for development and tests; it honors the same
	// ordering and tenancy contracts.
	var (
		store    storage.Store
		dbClient *database.Client
		notifier events.Notifier
	)
	if getEnv("STORAGE", "postgres") == "memory" {
		store = memory.New()
		slog.Warn("Using in-memory storage; sessions will not survive a restart")
	} else {
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbConfig)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		store = postgres.New(dbClient.Pool())
		notifier = events.NewPgNotifier(dbClient.Pool())
		slog.Info("Connected to PostgreSQL database")
	}

	// 3. Masking and event streaming
	masker := masking.NewService(nil)

	connManager := events.NewConnectionManager(
		events.NewStoreCatchupAdapter(store),
		cfg.Events.WriteTimeout,
		cfg.Events.SubscriberLagLimit,
	)

	var notifyListener *events.NotifyListener
	if dbClient != nil {
		notifyListener = events.NewNotifyListener(dbClient.DSN(), connManager)
		if err := notifyListener.Start(ctx); err != nil {
			slog.Error("Failed to start notify listener", "error", err)
			os.Exit(1)
		}
		defer notifyListener.Stop(ctx)
		connManager.SetListener(notifyListener)
	}

	bus := events.NewBus(store, connManager, notifier)
	slog.Info("Event streaming initialized")

	// 4. Session state machine, matcher, approval gate
	manager := sessions.NewManager(store, bus, cfg)

	tickets := matcher.New(store, nil, matcher.NewStoreStats(store), matcher.Config{
		MatchMinimum:         cfg.Matcher.MatchMinimum,
		AutoExecuteThreshold: cfg.Matcher.AutoExecuteThreshold,
		MaxCandidates:        cfg.Matcher.TopK,
	})

	slackSvc := slack.NewService(slack.ServiceConfig{
		Token:          os.Getenv("SLACK_TOKEN"),
		DefaultChannel: getEnv("SLACK_CHANNEL", cfg.Approval.EscalationChannel),
		DashboardURL:   getEnv("DASHBOARD_URL", "http://localhost:"+httpPort),
	})

	var escalation approval.EscalationNotifier
	if slackSvc != nil {
		escalation = slackSvc
	}
	gate := approval.NewGate(manager.ExpireApproval, escalation, cfg.Approval.EscalationChannel)
	defer gate.Stop()
	manager.SetApprovalScheduler(gate)

	// 5. Credential broker with its holder child processes
	credSource, err := credentials.NewStoreClient(cfg.Credentials)
	if err != nil {
		slog.Error("Failed to initialize credential store client", "error", err)
		os.Exit(1)
	}
	broker, err := credentials.NewBroker(cfg.Credentials, credSource)
	if err != nil {
		slog.Error("Failed to initialize credential broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	// 6. Connectors, policy engine, worker runtimes
	registry := connectors.NewRegistry(cfg.Connectors, masker)
	engine := policy.NewEngine()

	cancels := worker.NewCancelRegistry()
	manager.SetCancelBroadcaster(cancels)

	runtimes := make([]*worker.Runtime, 0, cfg.Queue.WorkerCount)
	for i := 0; i < cfg.Queue.WorkerCount; i++ {
		rt := worker.NewRuntime(cfg.Queue, worker.Options{}, store, manager,
			broker, registry, engine, masker, bus, cancels)
		runtimes = append(runtimes, rt)
	}
	monitor := worker.NewMonitor(cfg.Queue, store, manager)

	// 7. Ticketing: webhook ingest and outcome reporting
	ingestor, err := ticketing.NewIngestor(cfg.Ticketing, cfg.Execution.Mode,
		cfg.Matcher.AutoExecuteThreshold, store, tickets, manager, masker)
	if err != nil {
		slog.Error("Failed to initialize ticket ingestor", "error", err)
		os.Exit(1)
	}

	reporter := ticketing.NewReporter(cfg.Ticketing, store)
	manager.SetTerminalHook(func(ctx context.Context, tenantID string, s *models.ExecutionSession, steps []models.ExecutionStep) {
		reporter.OnSessionTerminal(ctx, tenantID, s, steps)
		slackSvc.NotifySessionTerminal(ctx, s.SessionID, string(s.Status), s.PauseReason)
	})

	// 8. Background services
	retention := cleanup.NewService(cfg.Events, store)
	retention.Start(ctx)
	defer retention.Stop()

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workerGroup, workerCtx := errgroup.WithContext(workerCtx)
	for _, rt := range runtimes {
		rt := rt
		workerGroup.Go(func() error { return rt.Run(workerCtx) })
	}
	workerGroup.Go(func() error { return monitor.Run(workerCtx) })
	slog.Info("Worker runtimes started", "count", len(runtimes))

	// 9. HTTP server
	httpServer := api.NewServer(cfg, dbClient, store, manager, ingestor, gate, connManager)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Remedy started successfully", "workers", cfg.Queue.WorkerCount)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop claiming, drain in-flight steps, then
	// close the HTTP surface. Steps that do not finish in time are
	// redelivered through orphan recovery.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Execution.GracefulShutdownTimeout)
	defer cancel()

	stopWorkers()
	done := make(chan struct{})
	go func() {
		if err := workerGroup.Wait(); err != nil && err != context.Canceled {
			slog.Warn("Worker shutdown returned error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker runtimes stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded; unfinished steps will be redelivered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
