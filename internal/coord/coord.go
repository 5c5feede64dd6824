// Package coord wraps the shared Redis coordinator behind a single typed
// facade: the cross-replica presence registry, resume tokens, pending-message
// buffers, and the pub/sub channels replicas use to route messages to each
// other. Replica-local state is only ever a short-circuit; the coordinator is
// the authority for who is online and where.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every coordinator socket operation. Pub/sub receive loops
// are exempt; the client manages those with its own health checks.
const opTimeout = 5 * time.Second

// ErrTokenNotFound is returned when a resume token does not exist or has expired.
var ErrTokenNotFound = errors.New("resume token not found")

// Connect creates a Redis client for the given address, connects, and pings to verify the coordinator is reachable.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping coordinator: %w", err)
	}

	return client, nil
}
