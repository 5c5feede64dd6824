// Package group implements group chats: groups, soft-deleted memberships,
// group messages with per-user read marks, and the service layer that pairs
// every membership or message write with a coordinator publication.
package group

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the group package.
var (
	ErrNotFound      = errors.New("group not found")
	ErrNameTaken     = errors.New("group name already taken")
	ErrAlreadyMember = errors.New("user is already a member of this group")
	ErrNotMember     = errors.New("user is not a member of this group")
)

// Membership roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Message types. System messages are synthesized on create, join, and leave;
// their sender_username column always reads "System".
const (
	TypeUser   = "user"
	TypeSystem = "system"
)

// SystemSender is the denormalized sender name stored on system messages.
const SystemSender = "System"

// Group is one group chat row.
type Group struct {
	ID              int64
	Name            string
	Description     string
	CreatedByUserID int64
	CreatedAt       time.Time
	LastMessageAt   time.Time
	IsActive        bool
}

// Summary is a group listing row. Role is populated by ListUserGroups;
// IsMember by ListActiveGroups and SearchGroups.
type Summary struct {
	ID          int64
	Name        string
	Description string
	MemberCount int
	Role        string
	IsMember    bool
}

// Member is one active membership with the member's username joined in.
type Member struct {
	UserID   int64
	Username string
	Role     string
	JoinedAt time.Time
}

// Message is one persisted group message.
type Message struct {
	ID             int64
	GroupID        int64
	SenderID       int64
	SenderUsername string
	Text           string
	Type           string
	CreatedAt      time.Time
}

// Repository defines the data-access contract for groups.
type Repository interface {
	Create(ctx context.Context, name, description string, creatorID int64, creatorUsername string) (*Group, error)
	AddMember(ctx context.Context, groupID, userID int64, username, addedBy string) error
	RemoveMember(ctx context.Context, groupID, userID int64, username, removedBy string) error
	ListUserGroups(ctx context.Context, userID int64) ([]Summary, error)
	ListActiveGroups(ctx context.Context, userID int64) ([]Summary, error)
	SearchGroups(ctx context.Context, term string, userID int64) ([]Summary, error)
	Members(ctx context.Context, groupID int64) ([]Member, error)
	Info(ctx context.Context, groupID int64) (*Group, error)
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
	AppendMessage(ctx context.Context, groupID, senderID int64, senderUsername, text, msgType string) (int64, error)
	History(ctx context.Context, groupID int64, limit int) ([]Message, error)
	MarkRead(ctx context.Context, messageID, userID int64) error
	MarkAllRead(ctx context.Context, groupID, userID int64) error
}
