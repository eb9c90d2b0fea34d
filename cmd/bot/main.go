package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skyflock/skyflock/internal/config"
	"github.com/skyflock/skyflock/internal/database"
	"github.com/skyflock/skyflock/internal/gate"
	"github.com/skyflock/skyflock/internal/handler"
	"github.com/skyflock/skyflock/internal/jobs"
	"github.com/skyflock/skyflock/internal/keyring"
	"github.com/skyflock/skyflock/internal/mfa"
	"github.com/skyflock/skyflock/internal/middleware"
	"github.com/skyflock/skyflock/internal/redis"
	"github.com/skyflock/skyflock/internal/repository"
	"github.com/skyflock/skyflock/internal/service"
	"github.com/skyflock/skyflock/internal/sky"
	"github.com/skyflock/skyflock/internal/vault"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)

	kr := keyring.New(cfg.SystemKeys())
	log.Info().Int("slots", kr.Len()).Msg("system keyring loaded")

	credentialVault := vault.New(kr, sessionRepo)
	guard := mfa.NewGuard(credentialVault, sessionRepo)
	agent := sky.NewHTTPAgent(cfg.SkyServiceURL)

	challengeStore := gate.NewRedisChallengeStore(redisClient, cfg.InteractionTTL())
	authGate := gate.New(sessionRepo, credentialVault, guard, challengeStore)

	accountService := service.NewAccountService(db, sessionRepo, credentialVault, agent)
	actionService := service.NewActionService(agent)
	automationService := service.NewAutomationService(sessionRepo, redisClient, cfg.AutoQueueTTL())

	signatureMiddleware, err := middleware.NewSignatureMiddleware(cfg.ChatPublicKey)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid chat public key")
	}
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client, cfg.RateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	interactionsHandler := handler.NewInteractionsHandler(
		accountService, actionService, automationService,
		authGate, credentialVault, guard, agent, redisClient,
	)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/interactions", func(r chi.Router) {
		r.Use(signatureMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Post("/", interactionsHandler.Interactions)
	})

	worker := jobs.NewAutoRepostWorker(
		automationService, sessionRepo, authGate, agent, config.AutoRepostPollInterval,
	)
	worker.Start()
	defer worker.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
