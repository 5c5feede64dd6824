// Package user holds the identity model: registered users and their durable
// login sessions. Password verification lives in the auth package; this
// package only stores and returns hashes.
package user

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the user package.
var (
	ErrNotFound      = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// User holds the core identity fields read from the database.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// Credentials extends User with the password hash. Only GetCredentials
// returns this type; every other read method returns *User so hashes cannot
// leak outside the authentication path.
type Credentials struct {
	User
	PasswordHash string
}

// CreateParams groups the inputs for creating a new user.
type CreateParams struct {
	Username     string
	PasswordHash string
}

// Repository defines the data-access contract for users and durable sessions.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetCredentials(ctx context.Context, username string) (*Credentials, error)
	List(ctx context.Context, excludingID int64) ([]User, error)
	Count(ctx context.Context) (int, error)
	UpdatePasswordHash(ctx context.Context, userID int64, hash string) error
	OpenSession(ctx context.Context, userID int64) (int64, error)
	CloseSession(ctx context.Context, sessionID int64) error
}
