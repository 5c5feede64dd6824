package gateway

import (
	"context"
	"errors"
	"net"
)

// Serve accepts connections on ln and runs one session goroutine per
// connection. It returns when the listener is closed; cancelling ctx closes
// the listener. Sessions still running when Serve returns are torn down by
// Shutdown.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	h.log.Info().Str("addr", ln.Addr().String()).Msg("Accepting connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.log.Warn().Err(err).Msg("Accept failed")
			continue
		}
		go NewSession(h, conn).Run(ctx)
	}
}
