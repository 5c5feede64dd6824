package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TokenRecord is the JSON state stored per resume token.
type TokenRecord struct {
	Username   string `json:"username"`
	UserID     int64  `json:"user_id"`
	CreatedAt  string `json:"created_at"`
	LastActive string `json:"last_active"`
}

// CreateToken issues a fresh resume token for the user: an opaque UUID under
// session:<token> with a reverse index user_session:<username>, both with the
// sliding token TTL. Re-login simply repoints the reverse index; a previous
// token ages out on its own.
func (s *Store) CreateToken(ctx context.Context, username string, userID int64) (string, error) {
	token := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(TokenRecord{
		Username:   username,
		UserID:     userID,
		CreatedAt:  now,
		LastActive: now,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token for %s: %w", username, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, tokenKey(token), data, s.tokenTTL)
	pipe.Set(ctx, userTokenKey(username), token, s.tokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store token for %s: %w", username, err)
	}
	return token, nil
}

// LookupToken resolves a resume token. Returns ErrTokenNotFound when the
// token does not exist or has expired.
func (s *Store) LookupToken(ctx context.Context, token string) (*TokenRecord, error) {
	raw, err := s.rdb.Get(ctx, tokenKey(token)).Bytes()
	if err == redis.Nil {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	var rec TokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return &rec, nil
}

// TouchToken slides the token's TTL window and refreshes its last-active
// timestamp. Returns ErrTokenNotFound when the token has already expired.
func (s *Store) TouchToken(ctx context.Context, token string) error {
	rec, err := s.LookupToken(ctx, token)
	if err != nil {
		return err
	}
	rec.LastActive = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token for %s: %w", rec.Username, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, tokenKey(token), data, s.tokenTTL)
	pipe.Expire(ctx, userTokenKey(rec.Username), s.tokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch token for %s: %w", rec.Username, err)
	}
	return nil
}

// RevokeToken deletes the token, its reverse index, and the user's pending
// messages. Clean logout is the only path that purges pending messages
// outside of DrainPending. Revoking an unknown token is a no-op.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	rec, err := s.LookupToken(ctx, token)
	if err == ErrTokenNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.rdb.Del(ctx,
		tokenKey(token),
		userTokenKey(rec.Username),
		pendingKey(rec.Username),
	).Err(); err != nil {
		return fmt.Errorf("revoke token for %s: %w", rec.Username, err)
	}
	return nil
}

// TokenHolders returns the usernames that currently hold a live resume token.
// The broadcast path uses this to buffer messages for recently-online users.
func (s *Store) TokenHolders(ctx context.Context) ([]string, error) {
	const prefix = "user_session:"

	var users []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan token holders: %w", err)
	}
	return users, nil
}
