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
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openmx/identityd/internal/cache"
	"github.com/openmx/identityd/internal/config"
	"github.com/openmx/identityd/internal/database"
	"github.com/openmx/identityd/internal/handler"
	"github.com/openmx/identityd/internal/jobs"
	"github.com/openmx/identityd/internal/middleware"
	"github.com/openmx/identityd/internal/notify"
	"github.com/openmx/identityd/internal/redis"
	"github.com/openmx/identityd/internal/replication"
	"github.com/openmx/identityd/internal/repository"
	"github.com/openmx/identityd/internal/sender"
	"github.com/openmx/identityd/internal/service"
	"github.com/openmx/identityd/internal/signing"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

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

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	keyID, priv, err := signing.LoadOrGenerateKey(cfg.SigningKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load signing key")
	}
	signer := signing.NewSigner(cfg.ServerName, keyID, priv)
	log.Info().Str("key_id", signing.Algorithm+":"+keyID).Msg("signing key loaded")

	// The lookup cache is optional; without Redis every method on the nil
	// cache is a no-op.
	var lookupCache *cache.LookupCache
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		lookupCache = cache.NewLookupCache(redisClient)
		log.Info().Msg("redis connected")
	}

	localRepo := repository.NewLocalAssociationRepository(db.DB)
	globalRepo := repository.NewGlobalAssociationRepository(db.DB)
	peerRepo := repository.NewPeerRepository(db.DB)
	hashingRepo := repository.NewHashingRepository(db.DB)
	sessionRepo := repository.NewValidationSessionRepository(db.DB)
	inviteRepo := repository.NewInviteRepository(db.DB)

	hashingService := service.NewHashingService(db, hashingRepo, localRepo, globalRepo, lookupCache)
	if err := hashingService.EnsurePepper(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to initialise lookup pepper")
	}

	localPeer, err := replication.NewLocalPeer(
		context.Background(), cfg.ServerName, globalRepo, hashingService, lookupCache,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise local peer")
	}

	pusher := replication.NewPusher(cfg.ServerName, signer, localRepo, peerRepo, localPeer, nil)
	inbound := replication.NewInbound(peerRepo, globalRepo, hashingService, lookupCache)
	notifier := notify.NewHomeserverNotifier(nil)

	sessionService := service.NewSessionService(sessionRepo, sender.LogSender{})
	lookupService := service.NewLookupService(globalRepo, hashingService, lookupCache)
	inviteService := service.NewInviteService(inviteRepo, lookupService)
	binder := service.NewBinder(
		signer, localRepo, globalRepo, inviteRepo,
		sessionService, hashingService, pusher, notifier,
	)

	statusHandler := handler.NewStatusHandler(signer)
	lookupHandler := handler.NewLookupHandler(lookupService)
	validateHandler := handler.NewValidateHandler(sessionService)
	bindHandler := handler.NewBindHandler(binder, inviteService)
	replicationHandler := handler.NewReplicationHandler(inbound)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/_matrix/identity/v2", func(r chi.Router) {
		r.Get("/", statusHandler.Status)
		r.Get("/pubkey/isvalid", statusHandler.PubkeyIsValid)
		r.Get("/pubkey/{keyID}", statusHandler.Pubkey)
		r.Get("/hash_details", lookupHandler.HashDetails)
		r.Post("/lookup", lookupHandler.Lookup)
		r.Post("/store-invite", bindHandler.StoreInvite)
		r.Mount("/validate", validateHandler.Routes())
		r.Route("/3pid", func(r chi.Router) {
			r.Post("/bind", bindHandler.Bind)
			r.Post("/unbind", bindHandler.Unbind)
		})
	})

	r.Mount("/_matrix/identity/replicate/v1", replicationHandler.Routes())

	pusher.Start()
	defer pusher.Stop()

	cleanupJob := jobs.NewCleanupJob(sessionRepo, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("server_name", cfg.ServerName).Msg("starting server")
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
