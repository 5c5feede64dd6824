package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/chat"
	"github.com/wirechat/wirechat-server/internal/postgres"
)

const searchLimit = 20

// memberCountExpr counts active memberships for the group row in scope.
const memberCountExpr = `(SELECT COUNT(*) FROM group_members
	 WHERE group_id = g.group_id AND is_active) AS member_count`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed group repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger.With().Str("component", "group-repo").Logger()}
}

// Create inserts the group, the creator's admin membership, and the creation
// system message in one transaction. A duplicate active name maps to
// ErrNameTaken.
func (r *PGRepository) Create(ctx context.Context, name, description string, creatorID int64, creatorUsername string) (*Group, error) {
	g := Group{
		Name:            name,
		Description:     description,
		CreatedByUserID: creatorID,
		IsActive:        true,
	}
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO groups (group_name, description, created_by_user_id, last_message_at)
			 VALUES ($1, $2, $3, NOW())
			 RETURNING group_id, created_at, last_message_at`,
			name, description, creatorID,
		).Scan(&g.ID, &g.CreatedAt, &g.LastMessageAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrNameTaken
			}
			return fmt.Errorf("insert group: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO group_members (group_id, user_id, role)
			 VALUES ($1, $2, $3)`,
			g.ID, creatorID, RoleAdmin)
		if err != nil {
			return fmt.Errorf("insert creator membership: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO group_messages (group_id, sender_id, sender_username, message_text, message_type)
			 VALUES ($1, $2, $3, $4, $5)`,
			g.ID, creatorID, SystemSender,
			fmt.Sprintf("Group '%s' created by %s", name, creatorUsername), TypeSystem)
		if err != nil {
			return fmt.Errorf("insert creation notice: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// AddMember activates a membership, reusing a soft-deleted row when one
// exists, and records the join system message in the same transaction. An
// already-active membership maps to ErrAlreadyMember.
func (r *PGRepository) AddMember(ctx context.Context, groupID, userID int64, username, addedBy string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var active bool
		err := tx.QueryRow(ctx,
			`SELECT is_active FROM group_members
			 WHERE group_id = $1 AND user_id = $2`,
			groupID, userID,
		).Scan(&active)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			_, err = tx.Exec(ctx,
				`INSERT INTO group_members (group_id, user_id, role)
				 VALUES ($1, $2, $3)`,
				groupID, userID, RoleMember)
			if err != nil {
				return fmt.Errorf("insert membership: %w", err)
			}
		case err != nil:
			return fmt.Errorf("query membership: %w", err)
		case active:
			return ErrAlreadyMember
		default:
			_, err = tx.Exec(ctx,
				`UPDATE group_members
				 SET is_active = TRUE, joined_at = NOW(), role = $3
				 WHERE group_id = $1 AND user_id = $2`,
				groupID, userID, RoleMember)
			if err != nil {
				return fmt.Errorf("reactivate membership: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO group_messages (group_id, sender_id, sender_username, message_text, message_type)
			 VALUES ($1, $2, $3, $4, $5)`,
			groupID, userID, SystemSender,
			fmt.Sprintf("%s was added to the group by %s", username, addedBy), TypeSystem)
		if err != nil {
			return fmt.Errorf("insert join notice: %w", err)
		}
		return nil
	})
}

// RemoveMember soft-deletes the membership and records the departure system
// message. When the last active member leaves, the group itself is flipped
// inactive in the same transaction so listings and joins stop offering it.
func (r *PGRepository) RemoveMember(ctx context.Context, groupID, userID int64, username, removedBy string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE group_members SET is_active = FALSE
			 WHERE group_id = $1 AND user_id = $2 AND is_active`,
			groupID, userID)
		if err != nil {
			return fmt.Errorf("deactivate membership: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotMember
		}

		notice := fmt.Sprintf("%s left the group", username)
		if username != removedBy {
			notice = fmt.Sprintf("%s was removed from the group by %s", username, removedBy)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO group_messages (group_id, sender_id, sender_username, message_text, message_type)
			 VALUES ($1, $2, $3, $4, $5)`,
			groupID, userID, SystemSender, notice, TypeSystem)
		if err != nil {
			return fmt.Errorf("insert departure notice: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE groups SET is_active = FALSE
			 WHERE group_id = $1
			   AND NOT EXISTS (SELECT 1 FROM group_members
			                   WHERE group_id = $1 AND is_active)`,
			groupID)
		if err != nil {
			return fmt.Errorf("deactivate empty group: %w", err)
		}
		return nil
	})
}

// ListUserGroups returns the active groups the user belongs to, most recently
// active first, with the user's role filled in.
func (r *PGRepository) ListUserGroups(ctx context.Context, userID int64) ([]Summary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.group_id, g.group_name, g.description, gm.role, `+memberCountExpr+`
		 FROM groups g
		 JOIN group_members gm ON gm.group_id = g.group_id
		 WHERE gm.user_id = $1 AND gm.is_active AND g.is_active
		 ORDER BY g.last_message_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query user groups: %w", err)
	}
	defer rows.Close()

	var groups []Summary
	for rows.Next() {
		s := Summary{IsMember: true}
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Role, &s.MemberCount); err != nil {
			return nil, fmt.Errorf("scan user group: %w", err)
		}
		groups = append(groups, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user groups: %w", err)
	}
	return groups, nil
}

// ListActiveGroups returns every active group, most recently active first,
// marking which ones the given user already belongs to.
func (r *PGRepository) ListActiveGroups(ctx context.Context, userID int64) ([]Summary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.group_id, g.group_name, g.description, `+memberCountExpr+`,
		        EXISTS (SELECT 1 FROM group_members
		                WHERE group_id = g.group_id AND user_id = $1 AND is_active) AS is_member
		 FROM groups g
		 WHERE g.is_active
		 ORDER BY g.last_message_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query active groups: %w", err)
	}
	defer rows.Close()
	return collectSummaries(rows)
}

// SearchGroups matches active groups whose name or description contains the
// term, case-insensitively, capped at 20 rows.
func (r *PGRepository) SearchGroups(ctx context.Context, term string, userID int64) ([]Summary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.group_id, g.group_name, g.description, `+memberCountExpr+`,
		        EXISTS (SELECT 1 FROM group_members
		                WHERE group_id = g.group_id AND user_id = $2 AND is_active) AS is_member
		 FROM groups g
		 WHERE g.is_active AND (g.group_name ILIKE $1 OR g.description ILIKE $1)
		 ORDER BY g.last_message_at DESC
		 LIMIT $3`,
		"%"+term+"%", userID, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search groups: %w", err)
	}
	defer rows.Close()
	return collectSummaries(rows)
}

func collectSummaries(rows pgx.Rows) ([]Summary, error) {
	var groups []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.MemberCount, &s.IsMember); err != nil {
			return nil, fmt.Errorf("scan group summary: %w", err)
		}
		groups = append(groups, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group summaries: %w", err)
	}
	return groups, nil
}

// Members returns the active members of a group, admins first, then by
// username.
func (r *PGRepository) Members(ctx context.Context, groupID int64) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT u.user_id, u.username, gm.role, gm.joined_at
		 FROM group_members gm
		 JOIN users u ON u.user_id = gm.user_id
		 WHERE gm.group_id = $1 AND gm.is_active
		 ORDER BY gm.role DESC, u.username`,
		groupID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// Info returns a single group row, active or not. Callers decide whether an
// inactive group is acceptable for their path.
func (r *PGRepository) Info(ctx context.Context, groupID int64) (*Group, error) {
	var g Group
	err := r.db.QueryRow(ctx,
		`SELECT group_id, group_name, description, created_by_user_id,
		        created_at, last_message_at, is_active
		 FROM groups WHERE group_id = $1`,
		groupID,
	).Scan(&g.ID, &g.Name, &g.Description, &g.CreatedByUserID,
		&g.CreatedAt, &g.LastMessageAt, &g.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query group: %w", err)
	}
	return &g, nil
}

// IsMember reports whether the user holds an active membership.
func (r *PGRepository) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var member bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_members
		                WHERE group_id = $1 AND user_id = $2 AND is_active)`,
		groupID, userID,
	).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return member, nil
}

// AppendMessage inserts a group message and bumps the group's last activity
// timestamp in the same transaction, returning the new message id.
func (r *PGRepository) AppendMessage(ctx context.Context, groupID, senderID int64, senderUsername, text, msgType string) (int64, error) {
	var messageID int64
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO group_messages (group_id, sender_id, sender_username, message_text, message_type)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING message_id`,
			groupID, senderID, senderUsername, text, msgType,
		).Scan(&messageID)
		if err != nil {
			return fmt.Errorf("insert group message: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE groups SET last_message_at = NOW() WHERE group_id = $1`, groupID)
		if err != nil {
			return fmt.Errorf("bump group: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return messageID, nil
}

// History returns the newest group messages, oldest first. System messages
// are included so replays show joins, departures, and the creation notice.
func (r *PGRepository) History(ctx context.Context, groupID int64, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT message_id, group_id, sender_id, sender_username, message_text, message_type, created_at
		 FROM group_messages
		 WHERE group_id = $1
		 ORDER BY created_at DESC, message_id DESC
		 LIMIT $2`,
		groupID, chat.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query group messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.SenderUsername, &m.Text, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead records one read mark, idempotently.
func (r *PGRepository) MarkRead(ctx context.Context, messageID, userID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO group_message_reads (message_id, user_id)
		 VALUES ($1, $2)
		 ON CONFLICT (message_id, user_id) DO NOTHING`,
		messageID, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead records read marks for every message in the group the user has
// not yet read and did not author. Runs when the user enters the group chat.
func (r *PGRepository) MarkAllRead(ctx context.Context, groupID, userID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO group_message_reads (message_id, user_id)
		 SELECT m.message_id, $2
		 FROM group_messages m
		 WHERE m.group_id = $1
		   AND m.sender_id <> $2
		   AND NOT EXISTS (SELECT 1 FROM group_message_reads
		                   WHERE message_id = m.message_id AND user_id = $2)`,
		groupID, userID)
	if err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}
