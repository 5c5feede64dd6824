// Package api serves the replica's HTTP sidecar: the health endpoint the
// Kubernetes probes and the scaling controller's dashboards hit.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/httputil"
)

// RedisPinger adapts a go-redis client to the Pinger interface.
type RedisPinger struct {
	Client *redis.Client
}

func (p RedisPinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

// probeTimeout bounds each backing-store ping.
const probeTimeout = 3 * time.Second

// Pinger reports whether a backing store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	DB        Pinger
	Redis     Pinger
	ReplicaID string

	// LocalUsers reports the number of sessions connected to this replica.
	LocalUsers func() int
}

// Health pings PostgreSQL and the Redis coordinator, returning per-component
// status. Any unavailable component degrades the whole response to 503 so the
// readiness probe pulls the replica out of rotation.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), probeTimeout)
	defer cancel()

	pgStatus := "ok"
	if err := h.DB.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	redisStatus := "ok"
	if err := h.Redis.Ping(ctx); err != nil {
		redisStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || redisStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":      overall,
		"postgres":    pgStatus,
		"redis":       redisStatus,
		"replica_id":  h.ReplicaID,
		"local_users": h.LocalUsers(),
	})
}

// NewApp builds the sidecar application with request logging and the health
// route mounted.
func NewApp(h *HealthHandler, logger zerolog.Logger) *fiber.App {
	app := fiber.New()
	app.Use(httputil.RequestLogger(logger.With().Str("component", "health").Logger()))
	app.Get("/healthz", h.Health)
	return app
}
