package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrUsernameLength       = errors.New("username must be between 2 and 32 characters")
	ErrUsernameInvalidChars = errors.New("username may only contain letters, digits, underscores, and periods")
	ErrPasswordEmpty        = errors.New("password must not be empty")
	ErrPasswordTooLong      = errors.New("password must be at most 128 characters")
	ErrBadCredentials       = errors.New("invalid username or password")
	ErrUsernameTaken        = errors.New("username already exists")
	ErrSessionExpired       = errors.New("invalid or expired session")
)
