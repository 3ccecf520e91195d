package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"notes_core/internal/api"
	"notes_core/internal/broker"
	"notes_core/internal/chat"
	"notes_core/internal/config"
	"notes_core/internal/dispatch"
	"notes_core/internal/fanout"
	"notes_core/internal/notify"
	"notes_core/internal/presence"
	"notes_core/internal/push"
	"notes_core/internal/repository"
	"notes_core/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		startupLogger := zerolog.New(os.Stderr)
		startupLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Str("node_id", cfg.NodeID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := make(map[string]api.HealthCheck)

	// 1. Storage
	var (
		chatStore    chat.Store
		noticeStore  notify.Store
		sessionTable *presence.PostgresRepository
	)
	if cfg.DBConnStr != "" {
		db, err := sql.Open("postgres", cfg.DBConnStr)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open database")
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		if err := repository.EnsureSchema(ctx, db); err != nil {
			logger.Fatal().Err(err).Msg("schema setup failed")
		}
		logger.Info().Msg("connected to PostgreSQL")

		chatStore = repository.NewChatRepository(db)
		noticeStore = repository.NewNotificationRepository(db)
		sessionTable = presence.NewPostgresRepository(db)
		if err := sessionTable.PurgeNode(ctx, cfg.NodeID); err != nil {
			logger.Warn().Err(err).Msg("failed to purge stale sessions")
		}
		checks["postgres"] = db.PingContext
	} else {
		logger.Warn().Msg("DB_CONN_STR not set, chat history and notifications are kept in memory")
		chatStore = repository.NewMemoryChatRepository()
		noticeStore = repository.NewMemoryNotificationRepository()
	}

	// 2. Backplane
	var (
		backplane fanout.Backplane
		mqClient  *broker.RabbitMQClient
	)
	switch cfg.Backplane {
	case config.BackplaneAMQP:
		mqClient, err = broker.NewRabbitMQClient(cfg.AMQPURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer mqClient.Close()
		backplane = mqClient
		logger.Info().Msg("using RabbitMQ backplane")
	case config.BackplaneRedis:
		rb, err := broker.NewRedisBackplane(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rb.Close()
		backplane = rb
		checks["redis"] = rb.Ping
		logger.Info().Msg("using Redis backplane")
	default:
		logger.Info().Msg("no backplane configured, running single node")
	}

	// 3. Presence and dispatch
	registry := presence.NewRegistry(cfg.RegistryShards)

	var fan dispatch.Fanout
	var adapter *fanout.Adapter
	if backplane != nil {
		adapter = fanout.NewAdapter(backplane, cfg.NodeID, logger,
			fanout.WithPublishTimeout(cfg.FanoutPublishTimeout),
			fanout.WithRetryInterval(cfg.FanoutRetryInterval),
		)
		fan = adapter
	}
	dispatcher := dispatch.New(registry, fan, logger)
	if adapter != nil {
		go adapter.Run(ctx, dispatcher)
	}

	// 4. Notifications and offline follow-up
	notifier := notify.New(noticeStore, dispatcher, logger)

	var presenceChecker chat.PresenceChecker = presence.LocalChecker{Registry: registry}
	var apiPresence api.PresenceChecker
	var mirror presence.Repository
	if sessionTable != nil {
		presenceChecker = sessionTable
		apiPresence = sessionTable
		mirror = sessionTable
	}

	var offline chat.OfflineHook = notifier
	if mqClient != nil {
		offline = push.NewEnqueuer(mqClient)
		pushWorker := push.NewWorker(mqClient, notifier, logger, push.WithRetryInterval(cfg.FanoutRetryInterval))
		go pushWorker.Start(ctx)
	}

	chatService := chat.NewService(chatStore, dispatcher, logger, chat.WithOfflineHook(presenceChecker, offline))

	// 5. Websocket hub
	hub := ws.NewHub(registry, chatService, mirror, ws.HubConfig{
		NodeID:      cfg.NodeID,
		IdleTimeout: cfg.IdleTimeout,
		SendBuffer:  cfg.SendBuffer,
		OpTimeout:   cfg.PersistenceOpTimeout,
	}, logger)
	go hub.Run(ctx)

	// 6. HTTP
	handler := api.NewHandler(api.Deps{
		Chat:     chatService,
		Notifier: notifier,
		Registry: registry,
		Presence: apiPresence,
		Checks:   checks,
		NodeID:   cfg.NodeID,
		Logger:   logger,
	})
	router := api.NewRouter(logger, handler, hub.ServeWS)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("backplane", cfg.Backplane).
			Msg("starting notes core")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	hub.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	cancel()

	logger.Info().Msg("server stopped")
}
