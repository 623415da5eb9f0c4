package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/juparopi2/agentcore/internal/approvals"
	"github.com/juparopi2/agentcore/internal/config"
	"github.com/juparopi2/agentcore/internal/counter"
	"github.com/juparopi2/agentcore/internal/events"
	"github.com/juparopi2/agentcore/internal/notify"
	"github.com/juparopi2/agentcore/internal/observability"
	"github.com/juparopi2/agentcore/internal/queue"
	"github.com/juparopi2/agentcore/internal/ratelimit"
	"github.com/juparopi2/agentcore/internal/sequence"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agentcore server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	return cmd
}

// stores bundles the persistence backends the server wires together.
// All of them share one database handle in postgres mode.
type stores struct {
	counters  counter.Store
	events    events.Store
	queue     queue.Store
	approvals approvals.Store
	directory approvals.SessionDirectory
	db        *sql.DB
}

func openStores(cfg *config.Config) (*stores, error) {
	if cfg.Store.Backend == "memory" {
		dir := approvals.StaticDirectory{}
		return &stores{
			counters:  counter.NewMemoryStore(),
			events:    events.NewMemoryStore(),
			queue:     queue.NewMemoryStore(),
			directory: dir,
			approvals: approvals.NewMemoryStore(dir),
		}, nil
	}

	db, err := sql.Open("postgres", cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Store.MaxConnections)
	db.SetConnMaxLifetime(cfg.Store.ConnMaxLifetime)

	dir := approvals.NewSQLSessionDirectory(db)
	return &stores{
		counters:  counter.NewSQLStore(db),
		events:    events.NewSQLStore(db),
		queue:     queue.NewSQLStore(db),
		directory: dir,
		approvals: approvals.NewSQLStore(db, dir),
		db:        db,
	}, nil
}

func (s *stores) close() {
	if s.db != nil {
		s.db.Close()
		return
	}
	s.counters.Close()
	s.events.Close()
	s.queue.Close()
	s.approvals.Close()
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slogger := logger.Slog()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "agentcore",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
		}
	}()

	backends, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer backends.close()

	seq := sequence.New(backends.counters, slogger)
	log := events.NewLog(seq, backends.events, slogger, metrics)
	log.SetTracer(tracer)
	limiter := ratelimit.NewLimiter(backends.counters, cfg.RateLimit, slogger, metrics)
	limiter.SetTracer(tracer)

	broker := notify.NewBroker(slogger, metrics)
	defer broker.Close()
	hub := notify.NewHub(broker, slogger)

	workers := queue.New(backends.queue, limiter, queue.Config{
		PollInterval:   cfg.Queue.PollInterval,
		WorkersPerLane: cfg.Queue.WorkersPerLane,
	}, slogger, metrics)
	workers.SetTracer(tracer)
	if err := workers.Register(queue.LaneMessages, queue.MessagePersistenceHandler(logSink{slogger}, log)); err != nil {
		return err
	}
	if err := workers.Register(queue.LaneTools, queue.ToolExecutionHandler(logRunner{slogger})); err != nil {
		return err
	}
	if err := workers.Register(queue.LaneEvents, queue.EventProcessingHandler(log)); err != nil {
		return err
	}
	workers.Start(ctx)

	gate := approvals.NewGate(
		backends.approvals,
		backends.directory,
		log,
		broker,
		slogger,
		metrics,
		approvals.WithTTL(cfg.Approvals.TTL),
		approvals.WithSweepInterval(cfg.Approvals.SweepInterval),
		approvals.WithTracer(tracer),
	)
	gate.Start()
	defer gate.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info(ctx, "http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		logger.Info(ctx, "metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		logger.Error(context.Background(), "server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "metrics shutdown failed", "error", err)
	}
	if err := workers.Close(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "queue drain failed", "error", err)
	}
	logger.Info(shutdownCtx, "shutdown complete")
	return nil
}

// logSink and logRunner stand in for the message store and agent
// runtime when agentcore runs standalone; embedders supply real ones.
type logSink struct {
	logger interface {
		Info(msg string, args ...any)
	}
}

func (s logSink) SaveMessage(ctx context.Context, sessionID string, message json.RawMessage) error {
	s.logger.Info("message persisted", "session_id", sessionID, "bytes", len(message))
	return nil
}

type logRunner struct {
	logger interface {
		Info(msg string, args ...any)
	}
}

func (r logRunner) Execute(ctx context.Context, sessionID, toolName string, args json.RawMessage) error {
	r.logger.Info("tool executed", "session_id", sessionID, "tool", toolName)
	return nil
}
