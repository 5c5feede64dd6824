// Package scaler is the population-driven scaling controller: it polls the
// coordinator's online population and resizes the chat server deployment to
// match, scaling up eagerly and down only after a sustained surplus.
package scaler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/config"
	"github.com/wirechat/wirechat-server/internal/coord"
)

// Scaler resizes the replica deployment.
type Scaler interface {
	Replicas(ctx context.Context) (int32, error)
	Scale(ctx context.Context, replicas int32) error
}

// Desired maps an online population to a replica count: ceil(users/perPod)
// clamped to [min, max]. Zero users still keeps min replicas around so the
// first login never waits for a cold start.
func Desired(users int64, perPod, min, max int) int32 {
	if users == 0 {
		return int32(min)
	}
	n := int((users + int64(perPod) - 1) / int64(perPod))
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return int32(n)
}

// Controller drives the scaling loop. Scale-downs are debounced: a shrink is
// applied only after the same current->desired transition has been wanted
// continuously for the configured delay, so a brief dip in population does
// not churn pods that still hold live connections.
type Controller struct {
	store  *coord.Store
	scaler Scaler
	cfg    *config.Scaler
	log    zerolog.Logger
	now    func() time.Time

	// pending maps a "<current>-><desired>" transition to the time it was
	// first wanted. Any tick that wants a different transition, or none,
	// clears it.
	pending map[string]time.Time
}

// NewController creates the scaling controller.
func NewController(store *coord.Store, sc Scaler, cfg *config.Scaler, logger zerolog.Logger) *Controller {
	return &Controller{
		store:   store,
		scaler:  sc,
		cfg:     cfg,
		log:     logger.With().Str("component", "scaler").Logger(),
		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

// Run ticks at the configured interval until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info().
		Str("deployment", c.cfg.Deployment).
		Str("namespace", c.cfg.Namespace).
		Int("users_per_pod", c.cfg.UsersPerPod).
		Msg("Scaling controller started")

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick performs one observe-decide-act cycle. Coordinator and API errors are
// logged and retried on the next tick, never fatal.
func (c *Controller) Tick(ctx context.Context) {
	users, err := c.store.OnlineCount(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Online count query failed")
		return
	}
	current, err := c.scaler.Replicas(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Replica count query failed")
		return
	}
	desired := Desired(users, c.cfg.UsersPerPod, c.cfg.MinReplicas, c.cfg.MaxReplicas)

	if byReplica, err := c.store.UsersPerReplica(ctx); err == nil {
		c.log.Debug().
			Int64("users", users).
			Int32("current", current).
			Int32("desired", desired).
			Interface("per_replica", byReplica).
			Msg("Observed population")
	}

	switch {
	case desired > current:
		// Growth is applied immediately; waiting only queues logins.
		c.resetPending()
		if err := c.scaler.Scale(ctx, desired); err != nil {
			c.log.Error().Err(err).Int32("replicas", desired).Msg("Scale up failed")
			return
		}
		c.log.Info().Int64("users", users).Int32("from", current).Int32("to", desired).Msg("Scaled up")

	case desired == current:
		c.resetPending()

	default:
		c.debounceScaleDown(ctx, users, current, desired)
	}
}

func (c *Controller) debounceScaleDown(ctx context.Context, users int64, current, desired int32) {
	key := fmt.Sprintf("%d->%d", current, desired)
	started, ok := c.pending[key]
	if !ok {
		// A different pending transition no longer matches what we want.
		c.resetPending()
		c.pending[key] = c.now()
		c.log.Info().Int32("from", current).Int32("to", desired).
			Dur("delay", c.cfg.ScaleDownDelay).Msg("Scale down pending")
		return
	}

	if c.now().Sub(started) < c.cfg.ScaleDownDelay {
		return
	}

	c.resetPending()
	if err := c.scaler.Scale(ctx, desired); err != nil {
		c.log.Error().Err(err).Int32("replicas", desired).Msg("Scale down failed")
		return
	}
	c.log.Info().Int64("users", users).Int32("from", current).Int32("to", desired).Msg("Scaled down")
}

func (c *Controller) resetPending() {
	for k := range c.pending {
		delete(c.pending, k)
	}
}
