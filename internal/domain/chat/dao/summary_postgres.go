package dao

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// SummaryPostgres implements the conversation index read path and its
// recovery operations for PostgreSQL
type SummaryPostgres struct {
	pool *pgxpool.Pool
}

// NewSummaryPostgres creates a new PostgreSQL summary repository
func NewSummaryPostgres(pool *pgxpool.Pool) *SummaryPostgres {
	return &SummaryPostgres{pool: pool}
}

const summaryColumns = `
	user_id, conversation_id, other_user_id, product_ref, last_message_preview,
	last_message_at, last_message_seq, last_sender_id, unread_count, updated_at
`

// ListByUser returns a user's summaries ordered by last message time, newest first
func (r *SummaryPostgres) ListByUser(ctx context.Context, userID string, limit, offset int) ([]entity.ConversationSummary, error) {
	query := `SELECT ` + summaryColumns + `
		FROM chat_summaries
		WHERE user_id = $1
		ORDER BY last_message_at DESC NULLS LAST, updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, wrapErr("querying summaries", err)
	}
	defer rows.Close()

	var summaries []entity.ConversationSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, wrapErr("scanning summary row", err)
		}
		summaries = append(summaries, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating summaries", err)
	}

	return summaries, nil
}

// Get retrieves one summary; it returns nil when the row does not exist
func (r *SummaryPostgres) Get(ctx context.Context, userID, conversationID string) (*entity.ConversationSummary, error) {
	query := `SELECT ` + summaryColumns + `
		FROM chat_summaries
		WHERE user_id = $1 AND conversation_id = $2
	`

	s, err := scanSummary(r.pool.QueryRow(ctx, query, userID, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("getting summary", err)
	}
	return s, nil
}

// Count returns the number of conversations the user takes part in
func (r *SummaryPostgres) Count(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM chat_summaries WHERE user_id = $1", userID).Scan(&count)
	if err != nil {
		return 0, wrapErr("counting summaries", err)
	}
	return count, nil
}

// RecomputeUnread recounts the user's unread messages straight from the
// message log and stores the result in the summary
func (r *SummaryPostgres) RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, wrapErr("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	conv, err := lockConversation(ctx, tx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(userID) {
		return 0, entity.ErrNotParticipant
	}

	unread, err := refreshUnread(ctx, tx, *conv, userID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrapErr("committing recount", err)
	}
	return unread, nil
}

// FindDrifted returns summaries whose stored unread count differs from the
// message log, or that are missing for a participant
func (r *SummaryPostgres) FindDrifted(ctx context.Context, limit int) ([]entity.SummaryKey, error) {
	query := `
		WITH participants AS (
			SELECT id AS conversation_id, participant_a AS user_id FROM chat_conversations
			UNION ALL
			SELECT id, participant_b FROM chat_conversations
		)
		SELECT p.conversation_id, p.user_id
		FROM participants p
		LEFT JOIN chat_summaries s
		       ON s.conversation_id = p.conversation_id AND s.user_id = p.user_id
		WHERE s.user_id IS NULL
		   OR s.unread_count <> (
				SELECT COUNT(*) FROM chat_messages m
				WHERE m.conversation_id = p.conversation_id
				  AND m.sender_id <> p.user_id
				  AND NOT m.is_read
		   )
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, wrapErr("finding drifted summaries", err)
	}
	defer rows.Close()

	var keys []entity.SummaryKey
	for rows.Next() {
		var k entity.SummaryKey
		if err := rows.Scan(&k.ConversationID, &k.UserID); err != nil {
			return nil, wrapErr("scanning summary key", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating summary keys", err)
	}
	return keys, nil
}

// insertSummaries creates the empty summaries of a new conversation
func insertSummaries(ctx context.Context, tx pgx.Tx, conv entity.Conversation) error {
	query := `
		INSERT INTO chat_summaries (user_id, conversation_id, other_user_id, product_ref, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, conversation_id) DO NOTHING
	`

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	batch.Queue(query, conv.ParticipantA, conv.ID, conv.ParticipantB, conv.ProductRef, now)
	batch.Queue(query, conv.ParticipantB, conv.ID, conv.ParticipantA, conv.ProductRef, now)

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return wrapErr("inserting summaries", err)
		}
	}
	return nil
}

// upsertOnMessage refreshes the preview of both participants and bumps the
// recipient's unread count. It must run inside the append transaction.
func upsertOnMessage(ctx context.Context, tx pgx.Tx, conv entity.Conversation, msg entity.Message) error {
	recipient, _ := conv.Other(msg.SenderID)
	preview := entity.Preview(msg.Body)

	query := `
		INSERT INTO chat_summaries (
			user_id, conversation_id, other_user_id, product_ref, last_message_preview,
			last_message_at, last_message_seq, last_sender_id, unread_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET
			last_message_preview = EXCLUDED.last_message_preview,
			last_message_at = EXCLUDED.last_message_at,
			last_message_seq = EXCLUDED.last_message_seq,
			last_sender_id = EXCLUDED.last_sender_id,
			unread_count = chat_summaries.unread_count + EXCLUDED.unread_count,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	// sender: preview only
	batch.Queue(query, msg.SenderID, conv.ID, recipient, conv.ProductRef, preview,
		msg.CreatedAt, msg.Seq, msg.SenderID, 0, now)
	// recipient: preview and one more unread
	batch.Queue(query, recipient, conv.ID, msg.SenderID, conv.ProductRef, preview,
		msg.CreatedAt, msg.Seq, msg.SenderID, 1, now)

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return wrapErr("updating summaries", err)
		}
	}
	return nil
}

// refreshUnread sets the user's unread count to the ground-truth count
func refreshUnread(ctx context.Context, tx pgx.Tx, conv entity.Conversation, userID string) (int, error) {
	other, _ := conv.Other(userID)

	query := `
		INSERT INTO chat_summaries (user_id, conversation_id, other_user_id, product_ref, unread_count, updated_at)
		VALUES ($1, $2, $3, $4, (
			SELECT COUNT(*) FROM chat_messages
			WHERE conversation_id = $2 AND sender_id <> $1 AND NOT is_read
		), $5)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET
			unread_count = EXCLUDED.unread_count,
			updated_at = EXCLUDED.updated_at
		RETURNING unread_count
	`

	var unread int
	err := tx.QueryRow(ctx, query, userID, conv.ID, other, conv.ProductRef, time.Now().UTC()).Scan(&unread)
	if err != nil {
		return 0, wrapErr("refreshing unread count", err)
	}
	return unread, nil
}

// scanSummary scans a single summary row
func scanSummary(row pgx.Row) (*entity.ConversationSummary, error) {
	var s entity.ConversationSummary
	var lastSender string

	err := row.Scan(
		&s.UserID,
		&s.ConversationID,
		&s.OtherUserID,
		&s.ProductRef,
		&s.LastMessagePreview,
		&s.LastMessageAt,
		&s.LastMessageSeq,
		&lastSender,
		&s.UnreadCount,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.LastMessageIsMine = lastSender != "" && lastSender == s.UserID
	return &s, nil
}
