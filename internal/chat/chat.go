// Package chat persists one-to-one conversations, their messages, and the
// global broadcast log.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors for the chat package.
var (
	ErrNotFound     = errors.New("conversation not found")
	ErrEmptyText    = errors.New("message text must not be empty")
	ErrTextTooLong  = errors.New("message text exceeds the maximum length")
	ErrSameUserPair = errors.New("a conversation needs two distinct users")
)

// History limits.
const (
	DefaultLimit  = 50
	MaxLimit      = 100
	MaxTextLength = 2000
)

// Message is one persisted private message, with the sender's username
// denormalized so history replay needs no join.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	SenderUsername string
	Text           string
	CreatedAt      time.Time
}

// BroadcastMessage is one entry of the global broadcast log.
type BroadcastMessage struct {
	ID             int64
	SenderID       int64
	SenderUsername string
	Text           string
	CreatedAt      time.Time
}

// CanonicalPair orders an unordered user pair so each pair maps to exactly
// one conversation row regardless of who opened it.
func CanonicalPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// ValidateText checks that text is non-empty after trimming and does not exceed the maximum rune count.
func ValidateText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyText
	}
	if utf8.RuneCountInString(trimmed) > MaxTextLength {
		return "", ErrTextTooLong
	}
	return trimmed, nil
}

// ClampLimit constrains a requested history size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero
// or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for conversations and broadcasts.
type Repository interface {
	GetOrCreateConversation(ctx context.Context, u1, u2 int64) (int64, error)
	AppendPrivate(ctx context.Context, conversationID, senderID int64, senderUsername, text string) error
	HistoryPrivate(ctx context.Context, conversationID int64, limit int) ([]Message, error)
	AppendBroadcast(ctx context.Context, senderID int64, senderUsername, text string) error
	HistoryBroadcast(ctx context.Context, limit int) ([]BroadcastMessage, error)
}
