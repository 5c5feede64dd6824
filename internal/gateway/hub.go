// Package gateway is the replica's connection fabric: the TCP listener, the
// per-connection session state machine, and the hub that routes pushes
// between local sessions and the coordinator's pub/sub channels.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/auth"
	"github.com/wirechat/wirechat-server/internal/chat"
	"github.com/wirechat/wirechat-server/internal/coord"
	"github.com/wirechat/wirechat-server/internal/group"
	"github.com/wirechat/wirechat-server/internal/protocol"
	"github.com/wirechat/wirechat-server/internal/user"
)

// heartbeatInterval is how often the hub refreshes presence and token TTLs
// for its local users. Well under the presence TTL, so a live connection
// never ages out of the coordinator.
const heartbeatInterval = 600 * time.Second

// shutdownGrace bounds coordinator and database cleanup during Shutdown.
const shutdownGrace = 5 * time.Second

// Hub is the replica's connection registry and cross-replica router. It owns
// the local username to session map, answers SendToUser routing decisions,
// and runs one subscriber loop per coordinator channel.
type Hub struct {
	mu     sync.RWMutex
	locals map[string]*Session

	store  *coord.Store
	users  user.Repository
	chats  chat.Repository
	groups *group.Service
	auth   *auth.Service

	replicaID string
	log       zerolog.Logger
}

// NewHub creates the hub for one replica.
func NewHub(store *coord.Store, users user.Repository, chats chat.Repository, groups *group.Service, authSvc *auth.Service, replicaID string, logger zerolog.Logger) *Hub {
	return &Hub{
		locals:    make(map[string]*Session),
		store:     store,
		users:     users,
		chats:     chats,
		groups:    groups,
		auth:      authSvc,
		replicaID: replicaID,
		log:       logger.With().Str("component", "hub").Logger(),
	}
}

// register adds an authenticated session to the local map. A same-user
// session already present on this replica is displaced: its socket is closed
// and the newcomer takes the slot. The coordinator record needs no special
// handling, the newcomer's AddOnline simply overwrites it.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	existing, ok := h.locals[s.username()]
	h.locals[s.username()] = s
	h.mu.Unlock()

	if ok && existing != s {
		h.log.Debug().Str("username", s.username()).Msg("Displacing existing connection")
		existing.closeConn()
	}
	h.log.Debug().Str("username", s.username()).Int("local_total", h.LocalCount()).Msg("Session registered")
}

// unregister removes a session from the local map, unless a newer session for
// the same user has already displaced it.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if current, ok := h.locals[s.username()]; ok && current == s {
		delete(h.locals, s.username())
	}
	h.mu.Unlock()
}

func (h *Hub) local(username string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.locals[username]
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*Session, 0, len(h.locals))
	for _, s := range h.locals {
		sessions = append(sessions, s)
	}
	return sessions
}

// LocalCount returns the number of sessions connected to this replica.
func (h *Hub) LocalCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.locals)
}

// SendToUser delivers one push line to a user wherever they are connected.
// Returns false when the coordinator considers the target offline. A target
// online on this replica gets a direct write; a target on another replica
// gets the line forwarded over the chat messages channel, which counts as
// delivered here.
func (h *Hub) SendToUser(ctx context.Context, target, line string) (bool, error) {
	online, err := h.store.IsOnline(ctx, target)
	if err != nil {
		return false, err
	}
	if !online {
		return false, nil
	}

	if s := h.local(target); s != nil {
		if err := s.push(line); err != nil {
			h.log.Debug().Err(err).Str("username", target).Msg("Local push failed")
		}
		return true, nil
	}

	env := protocol.ChatEnvelope{
		TargetUsername: target,
		Message:        line,
		SenderServerID: h.replicaID,
	}
	if err := h.store.Publish(ctx, protocol.ChannelChatMessages, env); err != nil {
		return false, err
	}
	return true, nil
}

// Run starts one subscriber loop per coordinator channel and blocks until the
// context is cancelled or a subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	loops := []struct {
		channel string
		handle  func(context.Context, string)
	}{
		{protocol.ChannelChatMessages, h.handleChatMessage},
		{protocol.ChannelGroupMessages, h.handleGroupMessage},
		{protocol.ChannelGroupEvents, h.handleGroupEvent},
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(loops))
	for _, loop := range loops {
		wg.Add(1)
		go func(channel string, handle func(context.Context, string)) {
			defer wg.Done()
			errCh <- h.consume(ctx, channel, handle)
		}(loop.channel, loop.handle)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return ctx.Err()
}

func (h *Hub) consume(ctx context.Context, channel string, handle func(context.Context, string)) error {
	sub := h.store.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Str("channel", channel).Msg("Hub subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(ctx, msg.Payload)
		}
	}
}

// handleChatMessage delivers a forwarded push line to a locally connected
// target. Envelopes published by this replica are skipped; the origin already
// wrote to its own sessions directly.
func (h *Hub) handleChatMessage(_ context.Context, payload string) {
	var env protocol.ChatEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("Invalid chat envelope")
		return
	}
	if env.SenderServerID == h.replicaID {
		return
	}
	if s := h.local(env.TargetUsername); s != nil {
		if err := s.push(env.Message); err != nil {
			h.log.Debug().Err(err).Str("username", env.TargetUsername).Msg("Forwarded push failed")
		}
	}
}

// handleGroupMessage fans a posted group message out to local members. Every
// replica, the origin included, delivers through this path; the sender is
// excluded by username, and membership is re-checked against the database so
// a member who left after the publish is not pushed to.
func (h *Hub) handleGroupMessage(ctx context.Context, payload string) {
	var env protocol.GroupMessageEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("Invalid group message envelope")
		return
	}

	g, err := h.groups.Info(ctx, env.GroupID)
	if err != nil {
		h.log.Warn().Err(err).Int64("group_id", env.GroupID).Msg("Group lookup failed during fan-out")
		return
	}

	line := protocol.GroupPush(g.Name, env.SenderUsername, env.MessageText)
	for _, s := range h.snapshot() {
		if s.username() == env.SenderUsername {
			continue
		}
		member, err := h.groups.IsMember(ctx, env.GroupID, s.userID())
		if err != nil {
			h.log.Warn().Err(err).Str("username", s.username()).Msg("Membership check failed during fan-out")
			continue
		}
		if !member {
			continue
		}
		if err := s.push(line); err != nil {
			h.log.Debug().Err(err).Str("username", s.username()).Msg("Group push failed")
		}
	}
}

// handleGroupEvent records membership churn. No subscriber action is needed
// for correctness; unknown event types are swallowed.
func (h *Hub) handleGroupEvent(_ context.Context, payload string) {
	var env protocol.GroupEventEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		h.log.Warn().Err(err).Msg("Invalid group event envelope")
		return
	}
	switch env.EventType {
	case protocol.EventGroupCreated, protocol.EventMemberAdded, protocol.EventMemberRemoved:
		h.log.Debug().Str("event_type", env.EventType).Int64("group_id", env.GroupID).Msg("Group event")
	default:
		h.log.Debug().Str("event_type", env.EventType).Msg("Ignoring unknown group event")
	}
}

// Heartbeat refreshes presence and resume token TTLs for every local session
// until the context is cancelled.
func (h *Hub) Heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.touchLocals(ctx)
		}
	}
}

func (h *Hub) touchLocals(ctx context.Context) {
	for _, s := range h.snapshot() {
		if err := h.store.TouchPresence(ctx, s.username()); err != nil {
			h.log.Warn().Err(err).Str("username", s.username()).Msg("Presence refresh failed")
		}
		if err := h.store.TouchToken(ctx, s.token()); err != nil {
			h.log.Warn().Err(err).Str("username", s.username()).Msg("Token refresh failed")
		}
	}
}

// Shutdown deregisters every local session from the coordinator, closes their
// durable session rows, and closes their sockets. Resume tokens are retained
// so clients can reconnect to another replica and drain pending messages.
func (h *Hub) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	for _, s := range h.snapshot() {
		if err := h.store.RemoveOnline(ctx, s.username()); err != nil {
			h.log.Warn().Err(err).Str("username", s.username()).Msg("Presence cleanup failed on shutdown")
		}
		if err := h.users.CloseSession(ctx, s.durableID()); err != nil {
			h.log.Warn().Err(err).Str("username", s.username()).Msg("Session close failed on shutdown")
		}
		s.closeConn()
		h.unregister(s)
	}
	h.log.Info().Msg("Hub shut down")
}
