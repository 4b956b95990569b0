// shsh-actions - streaming chat and confirmable agent actions server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/shsh-actions/internal/agent"
	"github.com/ashureev/shsh-actions/internal/api"
	"github.com/ashureev/shsh-actions/internal/config"
	"github.com/ashureev/shsh-actions/internal/container"
	"github.com/ashureev/shsh-actions/internal/domain"
	"github.com/ashureev/shsh-actions/internal/executor"
	"github.com/ashureev/shsh-actions/internal/identity"
	"github.com/ashureev/shsh-actions/internal/metrics"
	"github.com/ashureev/shsh-actions/internal/middleware"
	"github.com/ashureev/shsh-actions/internal/provider"
	"github.com/ashureev/shsh-actions/internal/store"
	"github.com/ashureev/shsh-actions/internal/suggest"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	serve := func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context(), logger)
	}

	root := &cobra.Command{
		Use:           "shsh-actions",
		Short:         "Streaming chat server with confirmable agent actions",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			RunE:  serve,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(logger)
			},
		},
	)
	return root
}

func runMigrate(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != "sqlite" {
		logger.Info("Nothing to migrate", "store_backend", cfg.StoreBackend)
		return nil
	}
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("Database schema is up to date", "path", cfg.DBPath)
	return repo.Close()
}

func openStore(cfg *config.Config) (store.Repository, error) {
	if cfg.StoreBackend == "memory" {
		return store.NewMemory(), nil
	}
	return store.NewSQLite(cfg.DBPath)
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "provider", cfg.Provider.Name)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	base, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer func() {
		if closeErr := base.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := base.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	repo := base
	if m != nil {
		repo = store.WithObserver(base, m)
	}
	slog.Info("Store ready", "backend", cfg.StoreBackend)

	// Anything left mid-flight by a previous process can no longer finish.
	staleFor := max(cfg.Executor.Timeout, cfg.Executor.BackgroundTimeout) + time.Minute
	reaper := executor.NewReaper(repo, staleFor, logger)
	if _, err := reaper.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted actions: %w", err)
	}

	prov, err := provider.New(ctx, provider.Config{
		Name:            cfg.Provider.Name,
		Model:           cfg.Provider.Model,
		APIKey:          cfg.Provider.APIKey,
		Address:         cfg.Provider.GRPCAddr,
		SystemPrompt:    cfg.Provider.SystemPrompt,
		Temperature:     provider.DefaultConfig().Temperature,
		MaxOutputTokens: provider.DefaultConfig().MaxOutputTokens,
		RequestTimeout:  cfg.Provider.RequestTimeout,
		TypingSpeed:     cfg.Provider.TypingSpeed,
		ThinkPause:      cfg.Provider.ThinkPause,
		JitterMax:       cfg.Provider.JitterMax,
		RetryAttempts:   cfg.Provider.RetryAttempts,
		RetryBaseDelay:  cfg.Provider.RetryBaseDelay,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize provider: %w", err)
	}
	defer func() {
		if closeErr := prov.Close(); closeErr != nil {
			slog.Error("Failed to close provider", "error", closeErr)
		}
	}()

	var proposer provider.Proposer
	if p, ok := provider.ProposerOf(prov); ok {
		proposer = p
	}
	suggester := suggest.New(proposer, cfg.Provider.SuggestTimeout, logger)
	slog.Info("Suggester ready", "mode", suggester.Source())

	exec := executor.New(repo, executor.Config{
		Timeout:           cfg.Executor.Timeout,
		BackgroundTimeout: cfg.Executor.BackgroundTimeout,
		PollInterval:      cfg.Executor.PollInterval,
	}, m, logger)
	exec.Register(domain.KindNote, executor.NoteHandler{Store: repo})
	exec.Register(domain.KindWebhook, executor.WebhookHandler{
		Client:       &http.Client{Timeout: cfg.Executor.WebhookTimeout},
		AllowedHosts: cfg.Executor.WebhookAllowedHosts,
	})

	var sandbox *container.DockerManager
	if cfg.Sandbox.Enabled {
		sandbox, err = container.NewDockerManager(container.Options{
			Image:   cfg.Sandbox.Image,
			Runtime: cfg.Sandbox.Runtime,
		})
		if err != nil {
			return fmt.Errorf("initialize container manager: %w", err)
		}
		defer func() { _ = sandbox.Close() }()

		if cfg.Sandbox.Container == "" {
			networkID, err := sandbox.EnsureNetwork(ctx)
			if err != nil {
				return fmt.Errorf("ensure sandbox network: %w", err)
			}
			slog.Info("Sandbox network ready", "network_id", networkID)
		}
		exec.Register(domain.KindShellCommand, executor.ShellHandler{
			Manager:   sandbox,
			Container: cfg.Sandbox.Container,
		})
		slog.Info("Sandbox enabled", "image", cfg.Sandbox.Image, "container", cfg.Sandbox.Container)
	}

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() { _ = convLog.Close() }()

	coord, err := agent.NewCoordinator(agent.Deps{
		Store:     repo,
		Generator: prov,
		Suggester: suggester,
		Runner:    exec,
		Metrics:   m,
		ConvLog:   convLog,
		Logger:    logger,
	}, agent.Config{
		HistoryLimit:      cfg.Stream.HistoryLimit,
		StreamBufferSize:  cfg.Stream.BufferSize,
		StreamHistorySize: cfg.Stream.HistorySize,
	})
	if err != nil {
		return fmt.Errorf("initialize coordinator: %w", err)
	}

	agentHandler := agent.NewHandler(coord, agent.HandlerConfig{
		MaxRequestBodySize: cfg.Stream.MaxRequestBodySize,
		KeepaliveInterval:  cfg.Stream.KeepaliveInterval,
		RateLimitRequests:  cfg.RateLimit.Requests,
		RateLimitWindow:    cfg.RateLimit.Window,
		MaxWait:            cfg.Stream.MaxWait,
		OriginPatterns:     websocketOrigins(cfg),
	}, logger)
	defer agentHandler.Close()

	info := api.ServiceInfo{
		Provider:        prov.Name(),
		SuggestionMode:  suggester.Source(),
		MetricsEnabled:  m != nil,
		StreamTransport: "sse",
	}
	var stopper api.SandboxStopper
	if sandbox != nil {
		stopper = sandbox
	}
	sandboxHandler := api.NewSandboxHandler(stopper, info, 30*time.Second)
	healthHandler := api.NewHealthHandler(repo, prov, 5*time.Second)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware)

	healthHandler.RegisterHealth(r)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	sandboxHandler.RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-reaper.Start(gctx, cfg.Executor.ReaperInterval)
		return nil
	})

	if sandbox != nil && cfg.Sandbox.Container == "" {
		g.Go(func() error {
			<-container.StartTTLWorker(gctx, sandbox, cfg.Sandbox.TTL, time.Minute)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Ending streams first lets SSE handlers return before Shutdown waits on them.
		if err := coord.Close(shutdownCtx); err != nil {
			slog.Error("Coordinator did not drain in time", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// websocketOrigins mirrors the CORS policy for WebSocket upgrades.
func websocketOrigins(cfg *config.Config) []string {
	origins := cfg.AllowedOrigins()
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
