package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `user_id, username, created_at`

// scanUser scans a single row into a *User. The row must contain the columns listed in selectColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger.With().Str("component", "user-repo").Logger()}
}

// Create inserts a new user. Usernames are unique and case-sensitive; a duplicate maps to ErrUsernameTaken.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*User, error) {
	u := User{Username: params.Username}
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (username, password_hash)
		 VALUES ($1, $2)
		 RETURNING user_id, created_at`,
		params.Username, params.PasswordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

// GetByUsername returns the user matching the given username.
func (r *PGRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by username: %w", err)
	}
	return u, nil
}

// GetCredentials returns the user with the stored password hash. This method serves the authentication path only.
func (r *PGRepository) GetCredentials(ctx context.Context, username string) (*Credentials, error) {
	var c Credentials
	err := r.db.QueryRow(ctx,
		`SELECT user_id, username, password_hash, created_at FROM users WHERE username = $1`, username,
	).Scan(&c.ID, &c.Username, &c.PasswordHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	return &c, nil
}

// List returns all users ordered by username. When excludingID is non-zero, that user is omitted; the session layer
// passes the connected user's own id to build contact lists.
func (r *PGRepository) List(ctx context.Context, excludingID int64) ([]User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM users WHERE user_id <> $1 ORDER BY username`, excludingID)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// Count returns the number of registered users.
func (r *PGRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// UpdatePasswordHash replaces the stored password hash, used for lazy hash upgrades on successful login.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, userID int64, hash string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET password_hash = $1 WHERE user_id = $2`, hash, userID)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// OpenSession inserts an active durable session row for the user and returns its id. A row is opened on login, signup,
// and resume, so session records track connection epochs rather than logical logins.
func (r *PGRepository) OpenSession(ctx context.Context, userID int64) (int64, error) {
	var sessionID int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO sessions (user_id, login_time, is_active)
		 VALUES ($1, NOW(), TRUE)
		 RETURNING session_id`, userID,
	).Scan(&sessionID)
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	return sessionID, nil
}

// CloseSession stamps the logout time and clears the active flag. Closing an already-closed session is a no-op.
func (r *PGRepository) CloseSession(ctx context.Context, sessionID int64) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET logout_time = NOW(), is_active = FALSE
		 WHERE session_id = $1 AND is_active`, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
