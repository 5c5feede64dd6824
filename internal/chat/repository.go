package chat

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/postgres"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed chat repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger.With().Str("component", "chat-repo").Logger()}
}

// GetOrCreateConversation returns the conversation id for the pair, creating
// the row on first contact. Participants are stored in canonical order, so
// both directions of a pair resolve to the same row. The insert races with
// concurrent first messages; ON CONFLICT DO NOTHING plus the follow-up select
// makes the loser of the race pick up the winner's row.
func (r *PGRepository) GetOrCreateConversation(ctx context.Context, u1, u2 int64) (int64, error) {
	if u1 == u2 {
		return 0, ErrSameUserPair
	}
	p1, p2 := CanonicalPair(u1, u2)

	_, err := r.db.Exec(ctx,
		`INSERT INTO conversations (participant1_id, participant2_id)
		 VALUES ($1, $2)
		 ON CONFLICT (participant1_id, participant2_id) DO NOTHING`,
		p1, p2)
	if err != nil {
		return 0, fmt.Errorf("insert conversation: %w", err)
	}

	var id int64
	err = r.db.QueryRow(ctx,
		`SELECT conversation_id FROM conversations
		 WHERE participant1_id = $1 AND participant2_id = $2`,
		p1, p2,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("query conversation: %w", err)
	}
	return id, nil
}

// AppendPrivate inserts a message and bumps the conversation's last activity
// timestamp in the same transaction.
func (r *PGRepository) AppendPrivate(ctx context.Context, conversationID, senderID int64, senderUsername, text string) error {
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO messages (conversation_id, sender_id, sender_username, message_text)
			 VALUES ($1, $2, $3, $4)`,
			conversationID, senderID, senderUsername, text)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE conversations SET last_message_at = NOW() WHERE conversation_id = $1`,
			conversationID)
		if err != nil {
			return fmt.Errorf("bump conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// HistoryPrivate returns the newest messages of a conversation, oldest first.
// The query fetches newest-first to make the LIMIT cheap, then the slice is
// reversed for replay order.
func (r *PGRepository) HistoryPrivate(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT message_id, conversation_id, sender_id, sender_username, message_text, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, message_id DESC
		 LIMIT $2`,
		conversationID, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderUsername, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	reverseMessages(msgs)
	return msgs, nil
}

// AppendBroadcast records one entry in the global broadcast log.
func (r *PGRepository) AppendBroadcast(ctx context.Context, senderID int64, senderUsername, text string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO broadcast_messages (sender_id, sender_username, message_text)
		 VALUES ($1, $2, $3)`,
		senderID, senderUsername, text)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	return nil
}

// HistoryBroadcast returns the newest broadcast entries, oldest first.
func (r *PGRepository) HistoryBroadcast(ctx context.Context, limit int) ([]BroadcastMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT message_id, sender_id, sender_username, message_text, created_at
		 FROM broadcast_messages
		 ORDER BY created_at DESC, message_id DESC
		 LIMIT $1`,
		ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query broadcasts: %w", err)
	}
	defer rows.Close()

	var msgs []BroadcastMessage
	for rows.Next() {
		var m BroadcastMessage
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderUsername, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan broadcast: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcasts: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
