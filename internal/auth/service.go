package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/config"
	"github.com/wirechat/wirechat-server/internal/coord"
	"github.com/wirechat/wirechat-server/internal/user"
)

// TokenStore is the slice of the coordinator the auth service needs: resume
// token issue, lookup, refresh, and revocation.
type TokenStore interface {
	CreateToken(ctx context.Context, username string, userID int64) (string, error)
	LookupToken(ctx context.Context, token string) (*coord.TokenRecord, error)
	TouchToken(ctx context.Context, token string) error
	RevokeToken(ctx context.Context, token string) error
}

// Session is the authenticated state handed to the connection layer: the
// user's identity, the coordinator resume token, and the id of the durable
// session row opened for this connection.
type Session struct {
	UserID    int64
	Username  string
	Token     string
	DurableID int64
}

// Service implements authentication business logic, keeping the connection state machine thin and focused on wire
// parsing / response formatting.
type Service struct {
	users  user.Repository
	tokens TokenStore
	config *config.Server
	log    zerolog.Logger
	// dummyHash is a precomputed Argon2id hash used to keep login timing constant when a user is not found,
	// preventing username enumeration via response-time analysis.
	dummyHash string
}

// NewService creates a new authentication service.
func NewService(users user.Repository, tokens TokenStore, cfg *config.Server, logger zerolog.Logger) *Service {
	// Generate a dummy hash at startup so VerifyPassword always runs against a real Argon2id hash even when the user
	// does not exist.
	dummy, err := HashPassword("wirechat-dummy-password", cfg.Argon2Memory, cfg.Argon2Iterations, cfg.Argon2Parallelism, cfg.Argon2SaltLength, cfg.Argon2KeyLength)
	if err != nil {
		// This should never fail with valid config; fall back to a static hash so the service can still start.
		dummy = "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0$placeholder"
	}
	return &Service{
		users:     users,
		tokens:    tokens,
		config:    cfg,
		log:       logger.With().Str("component", "auth").Logger(),
		dummyHash: dummy,
	}
}

// Login verifies credentials, opens a durable session row, and issues a fresh
// resume token. A fresh token is issued on every login; any earlier token for
// the same user ages out of the coordinator on its own.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	creds, err := s.users.GetCredentials(ctx, username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash against a dummy value to prevent timing-based username enumeration. Without this, "user not found"
			// returns faster than "wrong password" because Argon2id is skipped.
			_, _ = VerifyPassword(password, s.dummyHash)
			return nil, ErrBadCredentials
		}
		return nil, fmt.Errorf("get credentials: %w", err)
	}

	match, err := VerifyPassword(password, creds.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return nil, ErrBadCredentials
	}

	// Lazy hash rotation: legacy SHA-256 digests and argon2id hashes generated with older settings are both replaced
	// here, the only moment the plaintext is available.
	if NeedsRehash(creds.PasswordHash, s.config.Argon2Memory, s.config.Argon2Iterations, s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength) {
		if newHash, hashErr := HashPassword(password, s.config.Argon2Memory, s.config.Argon2Iterations, s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength); hashErr == nil {
			if updateErr := s.users.UpdatePasswordHash(ctx, creds.ID, newHash); updateErr != nil {
				s.log.Warn().Err(updateErr).Int64("user_id", creds.ID).Msg("Failed to rotate password hash")
			} else {
				s.log.Debug().Int64("user_id", creds.ID).Msg("Password hash rotated to current parameters")
			}
		}
	}

	return s.openSession(ctx, creds.ID, creds.Username)
}

// Signup validates inputs, creates the user, and logs them straight in.
func (s *Service) Signup(ctx context.Context, username, password string) (*Session, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password, s.config.Argon2Memory, s.config.Argon2Iterations, s.config.Argon2Parallelism, s.config.Argon2SaltLength, s.config.Argon2KeyLength)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.users.Create(ctx, user.CreateParams{Username: username, PasswordHash: hash})
	if err != nil {
		if errors.Is(err, user.ErrUsernameTaken) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	s.log.Debug().Int64("user_id", u.ID).Msg("User registered")

	return s.openSession(ctx, u.ID, u.Username)
}

// Resume accepts a resume token from a reconnecting client, slides its TTL
// window, and opens a new durable session row for the new connection. The
// token itself is kept; only the durable session id changes across resumes.
func (s *Service) Resume(ctx context.Context, token string) (*Session, error) {
	rec, err := s.tokens.LookupToken(ctx, token)
	if err != nil {
		if errors.Is(err, coord.ErrTokenNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if err := s.tokens.TouchToken(ctx, token); err != nil {
		if errors.Is(err, coord.ErrTokenNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, fmt.Errorf("touch token: %w", err)
	}

	durableID, err := s.users.OpenSession(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	s.log.Debug().Int64("user_id", rec.UserID).Msg("Session resumed")

	return &Session{
		UserID:    rec.UserID,
		Username:  rec.Username,
		Token:     token,
		DurableID: durableID,
	}, nil
}

// Logout closes the durable session row and revokes the resume token. Clean
// logout is the only path that forfeits buffered pending messages.
func (s *Service) Logout(ctx context.Context, sess *Session) error {
	if err := s.users.CloseSession(ctx, sess.DurableID); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := s.tokens.RevokeToken(ctx, sess.Token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Service) openSession(ctx context.Context, userID int64, username string) (*Session, error) {
	durableID, err := s.users.OpenSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	token, err := s.tokens.CreateToken(ctx, username, userID)
	if err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &Session{
		UserID:    userID,
		Username:  username,
		Token:     token,
		DurableID: durableID,
	}, nil
}
