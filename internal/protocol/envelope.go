package protocol

import "time"

// Coordinator pub/sub channels. Every replica subscribes to all three.
const (
	ChannelChatMessages  = "chat_messages"
	ChannelGroupMessages = "group_messages"
	ChannelGroupEvents   = "group_events"
)

// Envelope event types.
const (
	EventGroupMessage  = "group_message"
	EventGroupCreated  = "group_created"
	EventMemberAdded   = "member_added"
	EventMemberRemoved = "member_removed"
)

// ChatEnvelope routes a single private or broadcast push line to the replica
// holding the target's connection. Message is the fully formatted wire line;
// the receiving replica writes it through unchanged. SenderServerID lets
// subscribers drop envelopes published by themselves, since the origin
// replica already delivered to its own local sessions.
type ChatEnvelope struct {
	TargetUsername string `json:"target_username"`
	Message        string `json:"message"`
	SenderServerID string `json:"sender_server_id"`
}

// GroupMessageEnvelope fans a posted group message out to all replicas. It
// carries no server id: delivery is subscription-driven everywhere, including
// on the origin replica, and the sender is excluded by username.
type GroupMessageEnvelope struct {
	EventType      string `json:"event_type"`
	GroupID        int64  `json:"group_id"`
	MessageID      int64  `json:"message_id"`
	SenderID       int64  `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	MessageText    string `json:"message_text"`
	Timestamp      string `json:"timestamp"`
}

// GroupEventEnvelope notifies replicas of membership changes. No subscriber
// action is required for correctness today; unknown event types must be
// swallowed without error.
type GroupEventEnvelope struct {
	EventType string `json:"event_type"`
	GroupID   int64  `json:"group_id"`
	GroupName string `json:"group_name,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	ActorID   int64  `json:"actor_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// EnvelopeTime renders an envelope timestamp. Timestamps in envelopes are
// informational; receivers order strictly by arrival within their TCP stream.
func EnvelopeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
