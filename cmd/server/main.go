package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/phuslu/log"

	"sparkfluence-backend/internal/config"
	"sparkfluence-backend/internal/database"
	"sparkfluence-backend/internal/handlers"
	"sparkfluence-backend/internal/logger"
	"sparkfluence-backend/internal/middleware"
	"sparkfluence-backend/internal/mirror"
	"sparkfluence-backend/internal/orchestrator"
	"sparkfluence-backend/internal/provider/geminigen"
	"sparkfluence-backend/internal/provider/imagegen"
	"sparkfluence-backend/internal/services"
	"sparkfluence-backend/internal/supabase"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger.Setup(cfg.Environment)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	// Run migrations before anything touches the tables.
	migrator, err := database.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize migrator")
	}
	if err := migrator.Run(); err != nil {
		migrator.Close()
		log.Fatal().Err(err).Msg("migration failed")
	}
	migrator.Close()

	dbClient, err := supabase.NewDatabaseClient(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database client")
	}
	defer dbClient.Close()

	supabaseClient, err := supabase.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize Supabase client")
	}

	storageClient, err := supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabasePublishableKey, cfg.SupabaseStorageBucket)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage client")
	}

	realtimeClient := supabase.NewRealtimeClient(supabaseClient.Supabase)

	mirrorStore, err := mirror.Open(cfg.MirrorPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open mirror store")
	}
	defer mirrorStore.Close()

	videoClient := geminigen.NewClient(cfg.VideoAPIBaseURL, cfg.VideoAPIKey,
		geminigen.WithSubmitInterval(cfg.VideoSubmitInterval))
	imageClient := imagegen.NewClient(cfg.ImageAPIBaseURL, cfg.ImageAPIKey,
		imagegen.WithSubmitInterval(cfg.ImageSubmitInterval))

	resultService := services.NewResultService(videoClient, storageClient)
	notificationService := services.NewNotificationService(dbClient)

	manager := orchestrator.NewManager(orchestrator.Deps{
		Store:             dbClient,
		VideoGenerator:    videoClient,
		ImageGenerator:    imageClient,
		Mirror:            mirrorStore,
		Events:            realtimeClient,
		Rehoster:          resultService,
		Notifier:          notificationService,
		PollInterval:      cfg.PollInterval,
		SubmitTimeout:     cfg.SubmitTimeout,
		RateLimitCooldown: cfg.RateLimitCooldown,
	})
	defer manager.StopAll()

	sessionsHandler := handlers.NewSessionsHandler(dbClient, manager, mirrorStore)
	notificationsHandler := handlers.NewNotificationsHandler(dbClient)
	webhookHandler := handlers.NewWebhookHandler(cfg, dbClient, resultService)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.GET("/health", handlers.HealthHandler)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg))

	api.POST("/sessions", sessionsHandler.CreateSession)
	api.POST("/sessions/preview", sessionsHandler.Preview)
	api.GET("/sessions/last-active", sessionsHandler.LastActive)
	api.GET("/sessions/:session_id/status", sessionsHandler.GetStatus)
	api.GET("/sessions/:session_id/snapshot", sessionsHandler.GetSnapshot)
	api.POST("/sessions/:session_id/resume", sessionsHandler.Resume)
	api.POST("/sessions/:session_id/retry", sessionsHandler.RetryRateLimited)
	api.POST("/sessions/:session_id/regenerate", sessionsHandler.Regenerate)
	api.POST("/sessions/:session_id/jobs/:job_id/retry", sessionsHandler.RetryItem)

	api.GET("/notifications", notificationsHandler.List)
	api.POST("/notifications/:notification_id/read", notificationsHandler.MarkRead)

	// Provider callback, token-authenticated rather than JWT.
	router.POST("/api/v1/webhooks/provider", webhookHandler.HandleWebhook)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("environment", cfg.Environment).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
