package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/client-go/kubernetes"

	"github.com/wirechat/wirechat-server/internal/config"
	"github.com/wirechat/wirechat-server/internal/coord"
	"github.com/wirechat/wirechat-server/internal/scaler"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Scaler stopped")
	}
}

func run() error {
	cfg, err := config.LoadScaler()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := coord.Connect(ctx, cfg.RedisAddr(), cfg.RedisPassword)
	if err != nil {
		return fmt.Errorf("connect coordinator: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Coordinator connected")

	kubeCfg, err := scaler.LoadKubeConfig()
	if err != nil {
		return fmt.Errorf("load kube config: %w", err)
	}
	client, err := kubernetes.NewForConfig(kubeCfg)
	if err != nil {
		return fmt.Errorf("create kube client: %w", err)
	}

	// TTLs apply only to presence writes; the controller just reads.
	store := coord.NewStore(rdb, 0, 0)
	deployments := scaler.NewDeploymentScaler(client, cfg.Namespace, cfg.Deployment)
	controller := scaler.NewController(store, deployments, cfg, log.Logger)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutting down scaler")
		cancel()
	}()

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Scaler stopped cleanly")
	return nil
}
