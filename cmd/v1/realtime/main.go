package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/r3almx/realtime/internal/v1/api"
	"github.com/r3almx/realtime/internal/v1/auth"
	"github.com/r3almx/realtime/internal/v1/broadcast"
	"github.com/r3almx/realtime/internal/v1/bus"
	"github.com/r3almx/realtime/internal/v1/cache"
	"github.com/r3almx/realtime/internal/v1/config"
	"github.com/r3almx/realtime/internal/v1/digestion"
	"github.com/r3almx/realtime/internal/v1/health"
	"github.com/r3almx/realtime/internal/v1/middleware"
	"github.com/r3almx/realtime/internal/v1/notify"
	"github.com/r3almx/realtime/internal/v1/observe"
	"github.com/r3almx/realtime/internal/v1/presence"
	"github.com/r3almx/realtime/internal/v1/ratelimit"
	"github.com/r3almx/realtime/internal/v1/store"
	"github.com/r3almx/realtime/internal/v1/tracing"
	"github.com/r3almx/realtime/internal/v1/transport"
	"github.com/r3almx/realtime/internal/v1/users"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	var tracerShutdown func(context.Context) error
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(context.Background(), "realtime", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			tracerShutdown = tp.Shutdown
			slog.Info("✅ Tracing initialized", "endpoint", cfg.OTLPEndpoint)
		}
	}

	// --- Durable Store ---
	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open message store", "error", err)
		os.Exit(1)
	}
	slog.Info("✅ Message store ready", "path", cfg.DBPath)

	// --- Tail Cache (Optional) ---
	var cacheClient *cache.Client
	if cfg.RedisEnabled {
		cacheClient, err = cache.New(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running without tail cache", "error", err)
			cacheClient = nil
		} else {
			slog.Info("✅ Redis tail cache initialized", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running without tail cache (Redis disabled)")
	}

	// --- Message Bus ---
	// The gateway dials lazily; the broker only needs to be up once the
	// first room activates.
	gateway := bus.NewGateway(cfg.AMQPURL)

	// --- Write-Behind Digestion ---
	digester := digestion.New(st, cfg.BatchSize, cfg.FlushInterval)
	digestCtx, stopDigestion := context.WithCancel(context.Background())
	go digester.Run(digestCtx)

	// --- Presence ---
	var statusCache presence.StatusCache
	if cacheClient != nil {
		statusCache = cacheClient
	}
	registry := presence.NewRegistry(statusCache)

	// --- Username Resolution ---
	resolver, err := users.NewResolver(st, 0)
	if err != nil {
		slog.Error("Failed to create username resolver", "error", err)
		os.Exit(1)
	}

	// --- Room Broadcast ---
	var tail broadcast.TailCache
	if cacheClient != nil {
		tail = cacheClient
	}
	broadcaster := broadcast.NewManager(gateway, digester, tail, resolver)

	notifier := notify.NewDispatcher(registry)
	observer := observe.NewObserver(broadcaster, gateway)

	// --- Rate Limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, cacheClient.Redis())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)

	wsHandlers := transport.NewHandlers(
		verifier, broadcaster, registry, notifier, observer, rateLimiter,
		cfg.HeartbeatInterval, cfg.ExpiryTimeout,
	)

	var apiTail api.TailCache
	if cacheClient != nil {
		apiTail = cacheClient
	}
	apiHandlers := api.NewHandlers(verifier, apiTail, st, resolver, registry, broadcaster)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Cors
	corsConfig := cors.DefaultConfig()
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Error handling and request plumbing
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("realtime"))
	}
	router.Use(rateLimiter.GlobalMiddleware())

	// WebSocket endpoints
	router.GET("/message/:roomId", wsHandlers.ServeMessage)
	router.GET("/connection", wsHandlers.ServeConnection)
	router.GET("/logs", wsHandlers.ServeLogs)

	// HTTP endpoints
	router.GET("/message/channel/cache", rateLimiter.MiddlewareForEndpoint("cache"), apiHandlers.ChannelCache)
	router.GET("/message/rooms", apiHandlers.RoomsOverview)
	router.GET("/status/get", rateLimiter.MiddlewareForEndpoint("status"), apiHandlers.GetStatus)
	router.POST("/status/change", rateLimiter.MiddlewareForEndpoint("status"), apiHandlers.ChangeStatus)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(pinger(cacheClient), gateway, st)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("API server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active rooms and WebSocket connections first so no new
	// envelopes enter the pipeline.
	broadcaster.Shutdown(ctx)

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	// Stop the digestion loop; its final flush persists whatever is
	// still buffered.
	stopDigestion()
	if err := digester.Flush(context.Background()); err != nil {
		slog.Error("Final digestion flush failed", "error", err)
	}

	if err := gateway.Close(); err != nil {
		slog.Error("Failed to close bus connection:", "error", err)
	}

	if cacheClient != nil {
		if err := cacheClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	if err := st.Close(); err != nil {
		slog.Error("Failed to close message store:", "error", err)
	}

	if tracerShutdown != nil {
		if err := tracerShutdown(ctx); err != nil {
			slog.Error("Failed to shut down tracer:", "error", err)
		}
	}

	slog.Info("Server exiting")
}

// pinger keeps a disabled cache out of the readiness checks. A typed
// nil *cache.Client inside the interface would otherwise read as
// present.
func pinger(c *cache.Client) health.Pinger {
	if c == nil {
		return nil
	}
	return c
}
