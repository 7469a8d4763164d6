package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpbx/callbridge/internal/admission"
	"github.com/flowpbx/callbridge/internal/api"
	"github.com/flowpbx/callbridge/internal/api/middleware"
	"github.com/flowpbx/callbridge/internal/bridge"
	"github.com/flowpbx/callbridge/internal/config"
	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/metrics"
	"github.com/flowpbx/callbridge/internal/qa"
	"github.com/flowpbx/callbridge/internal/queue"
	"github.com/flowpbx/callbridge/internal/realtime"
	"github.com/flowpbx/callbridge/internal/registry"
	"github.com/flowpbx/callbridge/internal/resilience"
	"github.com/flowpbx/callbridge/internal/retention"
	"github.com/flowpbx/callbridge/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("callbridge failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	slog.Info("starting callbridge",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"postgres", cfg.UsesPostgres(),
		"max_concurrent_calls", cfg.MaxConcurrentCalls,
		"call_queue", cfg.EnableCallQueue,
	)
	if cfg.OpenAIAPIKey == "" {
		slog.Warn("no realtime api key configured, calls will fail to connect")
	}

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	calls := registry.New(rdb, registry.Options{
		Enabled:      cfg.EnableCallRegistry,
		TTL:          cfg.CallRegistryTTL,
		DrainTimeout: cfg.ShutdownDrainTimeout,
	}, logger)
	callQueue := queue.New(rdb, queue.Options{
		Enabled: cfg.EnableCallQueue,
		MaxSize: cfg.MaxCallQueueSize,
	}, logger)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := calls.Ping(pingCtx); err != nil {
		// The registry and queue degrade on their own; readiness reports it.
		slog.Warn("redis unreachable at startup", "error", err)
	}
	pingCancel()

	realtimePolicy := resilience.New(cfg.Resilience("realtime"), logger)
	toolPolicy := resilience.New(cfg.Resilience("tools"), logger)
	circuits := resilience.NewPolicies(realtimePolicy, toolPolicy)
	var evaluatorPolicy *resilience.Policy
	if cfg.EnableQA {
		evaluatorPolicy = resilience.New(cfg.Resilience("evaluator"), logger)
		circuits.Add(evaluatorPolicy)
	}

	catalog := tools.NewCatalog(toolPolicy, logger)
	tools.RegisterBuiltins(catalog, tools.NewWebhookClient(cfg.ToolTimeout))
	slog.Info("tool catalog loaded", "tools", catalog.Names())

	collector := metrics.NewCollector(calls, callQueue, circuits, startTime)
	m := metrics.New(collector)

	records := database.NewCallRecordRepository(db)
	agents := database.NewAgentRepository(db)
	evaluations := database.NewEvaluationRepository(db)

	var evaluator *qa.Evaluator
	if cfg.EnableQA {
		judge := qa.NewAnthropicJudge(qa.AnthropicConfig{
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.QAModel,
			Timeout: cfg.QATimeout,
		})
		evaluator = qa.New(records, agents, evaluations, judge, evaluatorPolicy, m.Calls, qa.Options{
			Threshold:     cfg.QAThreshold,
			MaxConcurrent: cfg.QAMaxConcurrent,
		}, logger)
		slog.Info("call quality evaluation enabled", "model", cfg.QAModel, "threshold", cfg.QAThreshold)
	}

	bridgeDeps := bridge.Deps{
		Agents:     agents,
		Workspaces: database.NewWorkspaceRepository(db),
		Users:      database.NewUserRepository(db),
		Records:    records,
		Dialer: &realtime.WSDialer{
			URL:    cfg.RealtimeURL,
			APIKey: cfg.OpenAIAPIKey,
			Logger: logger,
		},
		Catalog:  catalog,
		Registry: calls,
		Realtime: realtimePolicy,
		Metrics:  m.Calls,
		Logger:   logger,
		Model:    cfg.RealtimeModel,
	}
	if evaluator != nil {
		bridgeDeps.Evaluator = evaluator
	}
	b := bridge.New(bridgeDeps)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()
	retention.StartCleanupTicker(appCtx, records, cfg.RecordRetentionDays, time.Hour, logger)

	admit := admission.New(calls, callQueue, admission.Options{
		MaxConcurrent: cfg.MaxConcurrentCalls,
		WaitTimeout:   cfg.QueueWaitTimeout,
	}, logger)

	deps := api.Deps{
		Calls:        b,
		Admission:    admit,
		Registry:     calls,
		Queue:        callQueue,
		Circuits:     circuits,
		Records:      records,
		Evaluations:  evaluations,
		Logger:       logger,
		ConnectLimit: middleware.ConnectRateLimitConfig(cfg.WSConnectRate, cfg.WSConnectBurst),
		TLS:          strings.HasPrefix(cfg.PublicURL, "https://"),
	}
	if evaluator != nil {
		deps.Evaluator = evaluator
	}
	if cfg.EnableMetrics {
		deps.Metrics = m.Handler()
	}
	handler := api.NewServer(deps)

	if cfg.PublicURL != "" {
		slog.Info("carrier stream url", "url", strings.TrimSuffix(cfg.PublicURL, "/")+"/ws/telephony/{carrier}/{agent_id}")
	}

	// Calls run on hijacked connections that http.Server.Shutdown does not
	// track; canceling callCtx ends any call still running after the drain.
	callCtx, cancelCalls := context.WithCancel(context.Background())
	defer cancelCalls()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return callCtx },
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Stop admitting, then give active calls the drain timeout to finish.
	shutdownCtx := context.Background()
	calls.SetShuttingDown(shutdownCtx, true)
	if !calls.WaitForDrain(shutdownCtx, cfg.ShutdownDrainTimeout) {
		slog.Warn("ending calls still active after drain timeout")
	}

	ctx, cancel := context.WithTimeout(shutdownCtx, 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	cancelCalls()
	handler.Wait()

	if evaluator != nil {
		evalCtx, evalCancel := context.WithTimeout(shutdownCtx, 30*time.Second)
		if err := evaluator.Wait(evalCtx); err != nil {
			slog.Warn("abandoning call evaluations still running", "error", err)
		}
		evalCancel()
	}

	slog.Info("callbridge stopped", "uptime", time.Since(startTime).Round(time.Second).String())
	return nil
}
