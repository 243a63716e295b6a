package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkovacs/passage/internal/api/handlers"
	"github.com/dkovacs/passage/internal/api/middleware"
	"github.com/dkovacs/passage/internal/apps"
	"github.com/dkovacs/passage/internal/broker"
	"github.com/dkovacs/passage/internal/config"
	"github.com/dkovacs/passage/internal/crypto"
	"github.com/dkovacs/passage/internal/database"
	"github.com/dkovacs/passage/internal/relay"
	"github.com/dkovacs/passage/internal/transport"
)

// shutdownGrace bounds how long draining may take once a signal arrives.
const shutdownGrace = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Open the application registry database
	log.Info().Str("path", cfg.DatabasePath).Msg("opening database")
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open database")
		os.Exit(1)
	}
	defer db.Close()

	appStore := apps.NewStore(db.DB)

	// Initialize JWT manager
	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret, time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("failed to create JWT manager")
		os.Exit(1)
	}

	// Connect to the shared broker
	log.Info().Str("url", cfg.BrokerURL).Msg("connecting to broker")
	b, err := broker.Connect(cfg.BrokerURL, cfg.BrokerTimeout, cfg.BrokerMaxRetries)
	if err != nil {
		log.Error().Err(err).Msg("failed to connect to broker")
		os.Exit(1)
	}
	defer b.Close()

	// Build the relay core by explicit construction
	sessions := relay.NewSessionStore(b, cfg.SessionTTL)
	registry := relay.NewRegistry()
	engine := relay.NewEngine(b, sessions, registry, relay.EngineConfig{
		SessionTTL:     cfg.SessionTTL,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	wsHandler := transport.NewHandler(engine, transport.Config{
		MaxMessageSize: cfg.MaxMessageSize,
		IdleTimeout:    cfg.IdleTimeout,
		RequireAppAuth: cfg.RequireAppAuth,
	}, jwtManager, appStore)

	// Backstop idle sweep behind the transport read deadline: reaps
	// connections whose socket stalled without erroring.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.IdleTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				engine.DisconnectIdle(context.Background(), 2*cfg.IdleTimeout)
			case <-sweepDone:
				return
			}
		}
	}()

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logging())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	appsHandler := handlers.NewAppsHandler(appStore, jwtManager)
	healthHandler := handlers.NewHealthHandler(b)

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Passage Relay")
	})
	router.GET("/health", healthHandler.GetHealth)

	// Relay endpoint: the websocket handshake carries its own auth when
	// topic gating is enabled.
	router.GET("/v1/relay", wsHandler.Handle)

	v1 := router.Group("/v1")
	{
		v1.POST("/apps/token", appsHandler.PostToken)

		admin := v1.Group("/apps")
		admin.Use(middleware.AdminAuth(cfg.MasterSecret))
		{
			admin.POST("", appsHandler.CreateApp)
			admin.GET("", appsHandler.ListApps)
			admin.GET("/:id", appsHandler.GetApp)
			admin.DELETE("/:id", appsHandler.DeleteApp)
			admin.POST("/:id/status", appsHandler.SetStatus)
		}
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("passage relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	// Graceful shutdown: stop accepting, drain the engine, then close the
	// broker and database via the deferred closes above.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")
	close(sweepDone)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown did not finish cleanly")
	}
	engine.Shutdown(ctx)
}
