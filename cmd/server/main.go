// tripstake - group trip stake negotiation and execution server
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

	"github.com/ashureev/tripstake/internal/agent"
	"github.com/ashureev/tripstake/internal/api"
	"github.com/ashureev/tripstake/internal/channel"
	"github.com/ashureev/tripstake/internal/config"
	"github.com/ashureev/tripstake/internal/domain"
	"github.com/ashureev/tripstake/internal/identity"
	"github.com/ashureev/tripstake/internal/ledger"
	"github.com/ashureev/tripstake/internal/middleware"
	"github.com/ashureev/tripstake/internal/oracle"
	"github.com/ashureev/tripstake/internal/pool"
	"github.com/ashureev/tripstake/internal/shared"
	"github.com/ashureev/tripstake/internal/stake"
	"github.com/ashureev/tripstake/internal/store"
	"github.com/ashureev/tripstake/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const (
	coordinatorID = "coordinator-agent"
	validatorID   = "validator-agent"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	metrics, err := telemetry.New()
	if err != nil {
		slog.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, shared.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	healthDeps := map[string]api.Pinger{}

	ch, err := newChannel(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize message channel", "error", err)
		os.Exit(1)
	}
	if r, ok := ch.(*channel.Redis); ok {
		healthDeps["channel"] = r
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				slog.Warn("Failed to close redis channel", "error", closeErr)
			}
		}()
	}
	slog.Info("Message channel ready", "backend", cfg.Channel.Backend, "shared_id", cfg.Channel.SharedID)

	// Oracle: gRPC service when configured, local heuristic otherwise.
	var reasoner oracle.Oracle = oracle.NewHeuristic(cfg.Negotiation.ComfortThreshold)
	if cfg.Oracle.Addr != "" {
		client, err := oracle.NewGrpcClient(oracle.GrpcClientConfig{
			Dial:           shared.DefaultGrpcDialConfig(cfg.Oracle.Addr),
			RequestTimeout: cfg.Oracle.RequestTimeout,
		}, logger)
		if err != nil {
			slog.Warn("Failed to connect to reasoning oracle, using heuristic", "error", err)
		} else {
			defer client.Close()
			reasoner = client
		}
	}

	// Ledger: gateway when configured, in-process otherwise.
	var (
		led       ledger.Ledger
		memLedger *ledger.Memory
	)
	if cfg.UsesMemoryLedger() {
		memLedger = ledger.NewMemory(cfg.Ledger.EscrowAccount)
		led = memLedger
		slog.Warn("Using in-process ledger; balances are lost on restart")
	} else {
		client, err := ledger.NewGrpcClient(shared.DefaultGrpcDialConfig(cfg.Ledger.Addr), 15*time.Second, logger)
		if err != nil {
			slog.Error("Failed to connect to ledger gateway", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		led = client
	}
	price := ledger.StaticPrice(cfg.Ledger.TokenPriceUSD)

	// Agents.
	policy := agent.Policy{
		Bounds: agent.Bounds{
			DefaultPercent: cfg.Stake.DefaultPercent,
			MaxPercent:     cfg.Stake.MaxPercent,
			MinAmount:      cfg.Stake.MinAmount,
		},
		MaxRounds:            cfg.Negotiation.MaxRounds,
		ConvergenceThreshold: cfg.Negotiation.ConvergenceThreshold,
		RewardRate:           cfg.Stake.RewardRate,
	}
	publisher := channel.NewPublisher(ch, channel.RetryPolicy{
		MaxAttempts: cfg.Channel.PublishRetry,
		BaseDelay:   cfg.Channel.PublishBase,
		MaxDelay:    cfg.Channel.PublishMax,
	}, logger)
	coordinator := agent.NewCoordinator(agent.NewRuntime(domain.AgentProfile{
		ID:           coordinatorID,
		Role:         domain.RoleCoordinator,
		Identity:     cfg.Ledger.AgentAccount,
		Capabilities: []string{"propose", "counter", "confirm"},
	}, publisher, reasoner, logger), validatorID, policy)
	validator := agent.NewValidator(agent.NewRuntime(domain.AgentProfile{
		ID:           validatorID,
		Role:         domain.RoleValidator,
		Identity:     cfg.Ledger.AgentAccount,
		Capabilities: []string{"validate", "counter", "approve", "reject"},
	}, publisher, reasoner, logger), policy)
	negotiator := agent.NewNegotiator(ch, coordinator, validator, agent.NegotiatorConfig{
		Policy:        policy,
		Timeout:       cfg.Negotiation.Timeout,
		SharedChannel: cfg.Channel.SharedID,
	}, metrics, logger)

	// Initialize services.
	executor := stake.NewExecutor(led, stake.Config{
		AgentAccount:  cfg.Ledger.AgentAccount,
		EscrowAccount: cfg.Ledger.EscrowAccount,
		SlashAccount:  cfg.Ledger.SlashAccount,
		FanOut:        cfg.Stake.FanOut,
		RPS:           cfg.Stake.LedgerRPS,
	}, metrics, logger)
	withdrawer := stake.NewWithdrawer(led, cfg.Ledger.EscrowAccount, repo, metrics, logger)

	var verifier identity.Verifier = identity.AllowAll{}
	if len(cfg.Identity.VerifiedWallets) > 0 {
		verifier = identity.NewStaticVerifier(cfg.Identity.VerifiedWallets)
	}

	registry := pool.NewRegistry(cfg.Pool.Quorum, cfg.Pool.AutoNegotiate)
	svc := pool.NewService(registry, repo, verifier, negotiator, executor, price, pool.Config{
		AutoExecute:   cfg.Pool.AutoExecute,
		TokenDecimals: cfg.Ledger.TokenDecimals,
		RewardRate:    cfg.Stake.RewardRate,
	}, logger)
	if err := svc.Recover(ctx); err != nil {
		slog.Error("Failed to restore pools", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, healthDeps)
	poolHandler := api.NewPoolHandler(svc, cfg.Pool.DefaultPoolID)
	withdrawHandler := api.NewWithdrawHandler(withdrawer, repo)
	streamHandler := api.NewStreamHandler(svc, ch, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware)

	healthHandler.RegisterHealth(r)
	poolHandler.RegisterRoutes(r)
	withdrawHandler.RegisterRoutes(r)
	r.Get("/ws/pool", streamHandler.ServeHTTP)

	if memLedger != nil {
		api.NewDevHandler(memLedger, cfg.Ledger.AgentAccount, price, cfg.Ledger.TokenDecimals).RegisterRoutes(r)
		slog.Info("Dev faucet enabled", "route", "/api/dev/fund")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // websocket streams stay open
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	maxNegotiation := cfg.Negotiation.Timeout * time.Duration(cfg.Negotiation.MaxRounds*2+2)
	svc.StartTimeoutWorker(ctx, cfg.Pool.SweepInterval, maxNegotiation)

	// Start server.
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

	drained := make(chan struct{})
	go func() {
		svc.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		slog.Warn("Background negotiations still running at shutdown")
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("Failed to flush traces", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func newChannel(ctx context.Context, cfg *config.Config) (channel.Channel, error) {
	switch cfg.Channel.Backend {
	case config.ChannelRedis:
		r := channel.NewRedis(channel.RedisOptions{
			Addr:     cfg.Channel.RedisAddr,
			Password: cfg.Channel.RedisPassword,
			DB:       cfg.Channel.RedisDB,
		})
		if err := r.Ping(ctx); err != nil {
			return nil, err
		}
		if cfg.Channel.SharedID != "" {
			if err := r.Ensure(ctx, cfg.Channel.SharedID); err != nil {
				return nil, err
			}
		}
		return r, nil
	default:
		m := channel.NewMemory()
		if cfg.Channel.SharedID != "" {
			m.Ensure(cfg.Channel.SharedID)
		}
		return m, nil
	}
}
