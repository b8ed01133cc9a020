// Chat session server: bridges one widget session to the automation and live-operator chat servers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatbridge/internal/api"
	"github.com/ashureev/chatbridge/internal/automation"
	"github.com/ashureev/chatbridge/internal/channel"
	"github.com/ashureev/chatbridge/internal/clock"
	"github.com/ashureev/chatbridge/internal/config"
	"github.com/ashureev/chatbridge/internal/eventloop"
	"github.com/ashureev/chatbridge/internal/feedback"
	"github.com/ashureev/chatbridge/internal/handoff"
	"github.com/ashureev/chatbridge/internal/identity"
	"github.com/ashureev/chatbridge/internal/messagelog"
	"github.com/ashureev/chatbridge/internal/middleware"
	"github.com/ashureev/chatbridge/internal/network"
	"github.com/ashureev/chatbridge/internal/operator"
	"github.com/ashureev/chatbridge/internal/store"
	"github.com/ashureev/chatbridge/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo := openRepository(cfg.DBPath)
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The loop and the snapshot writer outlive the signal so shutdown can flush.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := eventloop.New(logger)
	go func() {
		if err := loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Event loop stopped", "error", err)
		}
	}()
	sched := eventloop.NewScheduler(loop, clock.Real{})

	dialer := &transport.WebSocketDialer{Logger: logger}
	bot := automation.New(automation.Config{
		Config:            channelConfig("automation", cfg.Automation.ChannelConfig),
		InboundEvent:      cfg.Automation.InboundEvent,
		OutboundEvent:     cfg.Automation.OutboundEvent,
		RestartDelay:      cfg.Timings.RestartDelay,
		SessionStartDelay: cfg.Timings.SessionStartDelay,
		EndGrace:          cfg.Timings.EndGrace,
	}, dialer, sched, logger)
	op := operator.New(operator.Config{
		Config:   channelConfig("operator", cfg.Operator.ChannelConfig),
		EndGrace: cfg.Timings.EndGrace,
	}, dialer, sched, logger)
	fb := feedback.New(feedback.Config{
		Endpoint:    cfg.Feedback.Endpoint,
		Timeout:     cfg.Feedback.Timeout,
		SuccessHold: cfg.Timings.FeedbackHold,
	}, nil, sched, logger)

	ident := identity.New(repo, logger)
	coord := handoff.New(handoff.Deps{
		Loop:       loop,
		Scheduler:  sched,
		Log:        messagelog.New(cfg.Timings.DedupWindow, logger),
		Identity:   ident,
		Repo:       repo,
		Network:    network.NewMonitor(true, logger),
		Automation: bot,
		Operator:   op,
		Feedback:   fb,
		Logger:     logger,
	}, handoff.Options{
		HandoffSettle:     cfg.Timings.HandoffSettle,
		FeedbackOnUserEnd: cfg.Feedback.OnOperatorUserEnd,
	})

	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		coord.Persist(persistCtx)
	}()

	if err := coord.Start(ctx); err != nil {
		slog.Error("Failed to start chat session", "error", err)
		os.Exit(1)
	}

	if cfg.Probe.Enabled() {
		prober := network.NewProber(cfg.Probe.URL, cfg.Probe.Interval, nil, func(online bool) {
			if err := coord.SetOnline(ctx, online); err != nil {
				slog.Debug("Connectivity signal dropped", "error", err)
			}
		}, logger)
		go prober.Run(ctx)
		slog.Info("Network probe started", "url", cfg.Probe.URL, "interval", cfg.Probe.Interval)
	}

	h := api.NewHandler(coord, coord.Hub(), repo, api.Options{
		FrontendURL:   cfg.FrontendURL,
		IsDevelopment: cfg.IsDevelopment(),
		MessageRate:   cfg.API.MessageRate,
		MessageBurst:  cfg.API.MessageBurst,
		Identity:      ident,
	}, logger)
	go h.Limiter().Cleanup(ctx, time.Minute)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.AllowedOrigins(cfg.FrontendURL)))

	h.RegisterRoutes(r)

	// The event stream is long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if err := coord.Close(shutdownCtx); err != nil {
		slog.Error("Failed to close chat session", "error", err)
	}
	stopPersist()
	select {
	case <-persistDone:
	case <-shutdownCtx.Done():
		slog.Warn("Final session snapshot not written before shutdown deadline")
	}
	stopLoop()

	slog.Info("Server stopped successfully")
}

// openRepository opens the SQLite store, falling back to memory so the chat
// keeps working without durable state.
func openRepository(dbPath string) store.Repository {
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		slog.Warn("Session storage unavailable, state will not survive a restart", "error", err, "db_path", dbPath)
		return store.NewMemory()
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := repo.Ping(pingCtx); err != nil {
		slog.Warn("Database health check failed, using memory storage", "error", err)
		_ = repo.Close()
		return store.NewMemory()
	}
	slog.Info("Database connected", "db_path", dbPath)
	return repo
}

func channelConfig(name string, c config.ChannelConfig) channel.Config {
	return channel.Config{
		Name:           name,
		Target:         transport.Target{URL: c.ServerURL, Path: c.SocketPath},
		MaxAttempts:    c.MaxAttempts,
		ConnectTimeout: c.ConnectTimeout,
		RetryDelay:     c.RetryDelay,
		RetryDelayMax:  c.RetryDelayMax,
	}
}
