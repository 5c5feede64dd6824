package group

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/chat"
	"github.com/wirechat/wirechat-server/internal/protocol"
)

// ErrInvalidName rejects empty or oversized group names.
var ErrInvalidName = errors.New("group name must be 1-64 characters")

const maxNameLength = 64

// Publisher sends envelopes to the coordinator's pub/sub channels.
type Publisher interface {
	Publish(ctx context.Context, channel string, v any) error
}

// Service pairs every membership and message write with the coordinator
// publication the other replicas act on. Reads pass through to the embedded
// repository. Publication happens after the database commit and is
// fire-and-forget: a failed publish loses a live push, never a stored row.
type Service struct {
	Repository

	pub Publisher
	log zerolog.Logger
	now func() time.Time
}

// NewService creates a group service over the repository and publisher.
func NewService(repo Repository, pub Publisher, logger zerolog.Logger) *Service {
	return &Service{
		Repository: repo,
		pub:        pub,
		log:        logger.With().Str("component", "group-service").Logger(),
		now:        time.Now,
	}
}

// Create validates the name, creates the group with its creator membership,
// and announces it on the group events channel.
func (s *Service) Create(ctx context.Context, name, description string, creatorID int64, creatorUsername string) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxNameLength {
		return nil, ErrInvalidName
	}
	description = strings.TrimSpace(description)

	g, err := s.Repository.Create(ctx, name, description, creatorID, creatorUsername)
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, protocol.GroupEventEnvelope{
		EventType: protocol.EventGroupCreated,
		GroupID:   g.ID,
		GroupName: g.Name,
		ActorID:   creatorID,
		Timestamp: protocol.EnvelopeTime(s.now()),
	})
	return g, nil
}

// Join adds the user to the group and announces the membership change.
func (s *Service) Join(ctx context.Context, groupID, userID int64, username string) error {
	if err := s.Repository.AddMember(ctx, groupID, userID, username, username); err != nil {
		return err
	}
	s.publishEvent(ctx, protocol.GroupEventEnvelope{
		EventType: protocol.EventMemberAdded,
		GroupID:   groupID,
		UserID:    userID,
		ActorID:   userID,
		Timestamp: protocol.EnvelopeTime(s.now()),
	})
	return nil
}

// Leave removes the user from the group and announces the membership change.
func (s *Service) Leave(ctx context.Context, groupID, userID int64, username string) error {
	if err := s.Repository.RemoveMember(ctx, groupID, userID, username, username); err != nil {
		return err
	}
	s.publishEvent(ctx, protocol.GroupEventEnvelope{
		EventType: protocol.EventMemberRemoved,
		GroupID:   groupID,
		UserID:    userID,
		ActorID:   userID,
		Timestamp: protocol.EnvelopeTime(s.now()),
	})
	return nil
}

// Post persists a member's message and fans it out on the group messages
// channel. Delivery to local members happens through the subscription, the
// same as on every other replica.
func (s *Service) Post(ctx context.Context, groupID, senderID int64, senderUsername, text string) (int64, error) {
	trimmed, err := chat.ValidateText(text)
	if err != nil {
		return 0, err
	}
	member, err := s.Repository.IsMember(ctx, groupID, senderID)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, ErrNotMember
	}

	messageID, err := s.Repository.AppendMessage(ctx, groupID, senderID, senderUsername, trimmed, TypeUser)
	if err != nil {
		return 0, err
	}

	env := protocol.GroupMessageEnvelope{
		EventType:      protocol.EventGroupMessage,
		GroupID:        groupID,
		MessageID:      messageID,
		SenderID:       senderID,
		SenderUsername: senderUsername,
		MessageText:    trimmed,
		Timestamp:      protocol.EnvelopeTime(s.now()),
	}
	if err := s.pub.Publish(ctx, protocol.ChannelGroupMessages, env); err != nil {
		s.log.Error().Err(err).Int64("group_id", groupID).Int64("message_id", messageID).
			Msg("group message stored but not published")
	}
	return messageID, nil
}

func (s *Service) publishEvent(ctx context.Context, env protocol.GroupEventEnvelope) {
	if err := s.pub.Publish(ctx, protocol.ChannelGroupEvents, env); err != nil {
		s.log.Error().Err(err).Str("event_type", env.EventType).Int64("group_id", env.GroupID).
			Msg("group event not published")
	}
}
