package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentmux-dev/agentmux/internal/auth"
	"github.com/agentmux-dev/agentmux/internal/cache"
	"github.com/agentmux-dev/agentmux/internal/config"
	"github.com/agentmux-dev/agentmux/internal/conflict"
	"github.com/agentmux-dev/agentmux/internal/events"
	"github.com/agentmux-dev/agentmux/internal/github"
	"github.com/agentmux-dev/agentmux/internal/handlers"
	"github.com/agentmux-dev/agentmux/internal/logger"
	"github.com/agentmux-dev/agentmux/internal/mapping"
	"github.com/agentmux-dev/agentmux/internal/middleware"
	"github.com/agentmux-dev/agentmux/internal/session"
	"github.com/agentmux-dev/agentmux/internal/slack"
	"github.com/agentmux-dev/agentmux/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENTMUX_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not configured yet; write to stderr and exit.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Initialize(cfg.Log.Level, cfg.Log.Pretty)
	log := logger.GetLogger()
	log.Info().Msg("Starting AgentMux API server")

	// Event bus: every committed mutation flows through here.
	bus := events.NewBus()

	// Optional NATS relay mirrors events to external consumers.
	relay, err := events.NewRelay(events.RelayConfig{
		URL:      cfg.NATS.URL,
		User:     cfg.NATS.User,
		Password: cfg.NATS.Password,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect event relay")
	}
	relay.Attach(bus)
	defer relay.Close()

	// Optional Redis snapshot cache.
	snapshotCache, err := cache.NewCache(cache.Config{
		Host:     cfg.Cache.Host,
		Port:     cfg.Cache.Port,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		Enabled:  cfg.Cache.Enabled,
		TTL:      cfg.Cache.TTL.Std(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Redis cache unavailable, continuing without caching")
		snapshotCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer snapshotCache.Close()

	// Session store: the coordination core.
	store := session.NewStore(session.Config{
		MaxUsersPerSession: cfg.Session.MaxUsersPerSession,
		MaxClientsPerUser:  cfg.Session.MaxClientsPerUser,
		MaxQueueSize:       cfg.Session.MaxQueueSize,
		Conflict: conflict.Config{
			Strategy:           conflict.ParseStrategy(cfg.Conflict.Strategy),
			NonMergeableFields: cfg.Conflict.NonMergeableFields,
			MaxVersionDrift:    cfg.Conflict.MaxVersionDrift,
		},
	}, bus)

	// GitHub PR integration.
	ghAdapter := github.NewAdapter(github.AdapterConfig{
		WebhookSecret:      cfg.GitHub.WebhookSecret,
		BotUsername:        cfg.GitHub.BotUsername,
		AutoCreateSessions: cfg.GitHub.AutoCreateSessions,
		Mapping: mapping.Config[github.PRInfo]{
			IdleTimeout: cfg.GitHub.Mapping.IdleTimeout.Std(),
			MaxMappings: cfg.GitHub.Mapping.MaxMappings,
		},
	}, bus, store)
	ghClient := github.NewClient(github.ClientConfig{
		BaseURL: cfg.GitHub.APIBaseURL,
		Token:   cfg.GitHub.Token,
	})
	responder := github.NewResponder(github.ResponderConfig{
		HeaderTemplate:   cfg.GitHub.Response.HeaderTemplate,
		FooterTemplate:   cfg.GitHub.Response.FooterTemplate,
		IncludeCommitSha: cfg.GitHub.Response.IncludeCommitSha,
		MaxLength:        cfg.GitHub.Response.MaxLength,
	}, ghClient, ghAdapter, bus)

	ghCleaner := mapping.NewCleaner("github-pr", cfg.GitHub.Mapping.CleanupEvery.Std(), func() {
		ghAdapter.Mappings().CleanupStale()
	})
	ghCleaner.Start()
	defer ghCleaner.Stop()

	// Slack thread integration.
	slAdapter := slack.NewAdapter(slack.AdapterConfig{
		SigningSecret:      cfg.Slack.SigningSecret,
		BotUserID:          cfg.Slack.BotUserID,
		AutoCreateSessions: true,
		Threads: mapping.Config[slack.ThreadInfo]{
			IdleTimeout: cfg.Slack.Threads.IdleTimeout.Std(),
			MaxMappings: cfg.Slack.Threads.MaxMappings,
		},
	}, bus, store)
	slClient := slack.NewClient(slack.ClientConfig{
		BaseURL:  cfg.Slack.APIBaseURL,
		BotToken: cfg.Slack.BotToken,
	}, bus)

	slCleaner := mapping.NewCleaner("slack-thread", cfg.Slack.Threads.CleanupEvery.Std(), func() {
		slAdapter.Threads().CleanupStale()
	})
	slCleaner.Start()
	defer slCleaner.Stop()

	// Optional JWT authentication.
	var authManager *auth.Manager
	if cfg.Auth.JWTSecret != "" {
		authManager, err = auth.NewManager(auth.Config{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			TokenTTL: cfg.Auth.TokenTTL.Std(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize auth")
		}
		log.Info().Msg("JWT authentication enabled")
	} else {
		log.Warn().Msg("JWT authentication disabled (no secret configured)")
	}

	gateway := ws.NewGateway(store, bus, authManager)
	mp := handlers.NewMultiplayerHandler(store, bus, snapshotCache)
	wh := handlers.NewWebhookHandler(ghAdapter, responder, slAdapter, slClient)

	// Router.
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(gin.Recovery())
	router.Use(middleware.StructuredLogger(middleware.DefaultStructuredLoggerConfig()))
	router.Use(middleware.Timeout(middleware.TimeoutConfig{
		Timeout:          cfg.Server.RequestTimeout.Std(),
		ExcludedSuffixes: []string{"/ws"},
	}))
	router.Use(middleware.RequestSizeLimiter(cfg.Server.MaxBodyBytes))

	router.GET("/health", mp.Health)

	api := router.Group("/api/v1")

	m := api.Group("/multiplayer")
	if authManager != nil {
		m.Use(authManager.Middleware())
	}
	{
		m.POST("", mp.CreateSession)
		m.GET("", mp.ListSessions)
		m.GET("/:id", mp.GetSession)
		m.DELETE("/:id", mp.DeleteSession)

		m.POST("/:id/join", mp.Join)
		m.POST("/:id/leave", mp.Leave)
		m.POST("/:id/connect", mp.Connect)
		m.POST("/:id/disconnect", mp.Disconnect)
		m.GET("/:id/users", mp.GetUsers)
		m.GET("/:id/clients", mp.GetClients)

		m.POST("/:id/lock", mp.AcquireLock)
		m.DELETE("/:id/lock", mp.ReleaseLock)
		m.PUT("/:id/cursor", mp.UpdateCursor)
		m.POST("/:id/state", mp.UpdateState)
		m.PUT("/:id/state", mp.UpdateState)

		m.POST("/:id/prompt", mp.Enqueue)
		m.GET("/:id/prompt", mp.GetQueue)
		m.DELETE("/:id/prompt/:pid", mp.CancelPrompt)
		m.POST("/:id/prompt/:pid/reorder", mp.ReorderPrompt)
		m.POST("/:id/start", mp.StartNext)
		m.POST("/:id/complete", mp.CompletePrompt)

		m.GET("/:id/ws", gateway.Handle)
	}

	wg := api.Group("/webhook")
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RPM, cfg.RateLimit.Burst)
		wg.Use(limiter.Middleware())
	}
	{
		wg.POST("/github", wh.GitHubWebhook)
		wg.GET("/github/mappings", wh.GitHubMappings)
		wg.POST("/github/respond", wh.GitHubRespond)

		wg.POST("/slack/events", wh.SlackEvents)
		wg.POST("/slack/interactions", wh.SlackInteractions)
		wg.GET("/slack/threads", wh.SlackThreads)
		wg.POST("/slack/respond", wh.SlackRespond)
	}

	// HTTP server. Read/write deadlines stay off the server itself so
	// long-lived WebSocket connections survive; the timeout middleware
	// bounds ordinary requests.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("Server stopped")
}
