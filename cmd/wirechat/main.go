package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wirechat/wirechat-server/internal/api"
	"github.com/wirechat/wirechat-server/internal/auth"
	"github.com/wirechat/wirechat-server/internal/chat"
	"github.com/wirechat/wirechat-server/internal/config"
	"github.com/wirechat/wirechat-server/internal/coord"
	"github.com/wirechat/wirechat-server/internal/gateway"
	"github.com/wirechat/wirechat-server/internal/group"
	"github.com/wirechat/wirechat-server/internal/postgres"
	"github.com/wirechat/wirechat-server/internal/user"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Str("replica_id", cfg.ReplicaID).Msg("Starting chat server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DSN(), cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DSN()); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect the Redis coordinator
	rdb, err := coord.Connect(ctx, cfg.RedisAddr(), cfg.RedisPassword)
	if err != nil {
		return fmt.Errorf("connect coordinator: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Coordinator connected")

	store := coord.NewStore(rdb, cfg.PresenceTTL, cfg.SessionTTL)

	// Repositories and services
	userRepo := user.NewPGRepository(db, log.Logger)
	chatRepo := chat.NewPGRepository(db, log.Logger)
	groupRepo := group.NewPGRepository(db, log.Logger)
	groupService := group.NewService(groupRepo, store, log.Logger)
	authService := auth.NewService(userRepo, store, cfg, log.Logger)

	hub := gateway.NewHub(store, userRepo, chatRepo, groupService, authService, cfg.ReplicaID, log.Logger)

	// Health sidecar for the Kubernetes probes
	health := api.NewApp(&api.HealthHandler{
		DB:         db,
		Redis:      api.RedisPinger{Client: rdb},
		ReplicaID:  cfg.ReplicaID,
		LocalUsers: hub.LocalCount,
	}, log.Logger)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HealthPort)
		if err := health.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
			log.Error().Err(err).Msg("Health server stopped")
		}
	}()

	// Subscriber loops with reconnection
	go func() {
		for {
			if err := hub.Run(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Hub subscribers stopped, restarting in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()
	go hub.Heartbeat(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info().Int("port", cfg.Port).Msg("Chat server listening")

	serveErr := make(chan error, 1)
	go func() { serveErr <- hub.Serve(ctx, ln) }()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	cancel()
	hub.Shutdown()
	if err := health.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Warn().Err(err).Msg("Health server shutdown failed")
	}
	log.Info().Msg("Server stopped cleanly")
	return nil
}
