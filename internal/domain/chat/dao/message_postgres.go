package dao

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// MessagePostgres implements the append-only message log for PostgreSQL.
// Append and MarkRead update chat_summaries in the same transaction.
type MessagePostgres struct {
	pool *pgxpool.Pool
}

// NewMessagePostgres creates a new PostgreSQL message repository
func NewMessagePostgres(pool *pgxpool.Pool) *MessagePostgres {
	return &MessagePostgres{pool: pool}
}

// Append assigns the next sequence number of the conversation to msg,
// stores it and refreshes both participants' summaries atomically.
func (r *MessagePostgres) Append(ctx context.Context, msg entity.Message) (*entity.Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	conv, err := lockConversation(ctx, tx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(msg.SenderID) {
		return nil, entity.ErrInvalidParticipant
	}

	msg.Seq = conv.LastSeq + 1
	msg.ID = uuid.NewString()
	msg.IsRead = false
	msg.CreatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE chat_conversations SET last_seq = $2 WHERE id = $1`,
		conv.ID, msg.Seq,
	); err != nil {
		return nil, wrapErr("advancing sequence", err)
	}

	insert := `
		INSERT INTO chat_messages (
			conversation_id, seq, id, sender_id, body, product_ref, is_read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, false, $7)
	`
	if _, err := tx.Exec(ctx, insert,
		msg.ConversationID,
		msg.Seq,
		msg.ID,
		msg.SenderID,
		msg.Body,
		msg.ProductRef,
		msg.CreatedAt,
	); err != nil {
		return nil, wrapErr("inserting message", err)
	}

	if err := upsertOnMessage(ctx, tx, *conv, msg); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("committing message", err)
	}

	return &msg, nil
}

// MarkRead flips the read flag of every message from the other participant
// with seq <= upToSeq. upToSeq beyond the newest message is clamped.
func (r *MessagePostgres) MarkRead(ctx context.Context, conversationID, readerID string, upToSeq int64) (*entity.ReadResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	conv, err := lockConversation(ctx, tx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(readerID) {
		return nil, entity.ErrNotParticipant
	}

	if upToSeq > conv.LastSeq {
		upToSeq = conv.LastSeq
	}

	update := `
		UPDATE chat_messages
		SET is_read = true
		WHERE conversation_id = $1
		  AND sender_id <> $2
		  AND seq <= $3
		  AND NOT is_read
	`
	tag, err := tx.Exec(ctx, update, conversationID, readerID, upToSeq)
	if err != nil {
		return nil, wrapErr("marking messages read", err)
	}

	unread, err := refreshUnread(ctx, tx, *conv, readerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("committing read state", err)
	}

	return &entity.ReadResult{
		ConversationID: conversationID,
		ReaderID:       readerID,
		UpToMessageID:  upToSeq,
		Flipped:        int(tag.RowsAffected()),
		UnreadCount:    unread,
	}, nil
}

// ListByConversation returns up to limit messages newest first. A positive
// beforeSeq restricts the window to messages older than that sequence.
func (r *MessagePostgres) ListByConversation(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]entity.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)

	if beforeSeq > 0 {
		rows, err = r.pool.Query(ctx, `
			SELECT id, conversation_id, seq, sender_id, body, product_ref, is_read, created_at
			FROM chat_messages
			WHERE conversation_id = $1 AND seq < $2
			ORDER BY seq DESC
			LIMIT $3
		`, conversationID, beforeSeq, limit)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT id, conversation_id, seq, sender_id, body, product_ref, is_read, created_at
			FROM chat_messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		`, conversationID, limit)
	}
	if err != nil {
		return nil, wrapErr("querying messages", err)
	}
	defer rows.Close()

	messages := make([]entity.Message, 0, limit)
	for rows.Next() {
		var msg entity.Message
		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Seq,
			&msg.SenderID,
			&msg.Body,
			&msg.ProductRef,
			&msg.IsRead,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, wrapErr("scanning message row", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating messages", err)
	}

	return messages, nil
}

// CountUnread counts messages in the conversation not sent by userID and not yet read
func (r *MessagePostgres) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM chat_messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
	`, conversationID, userID).Scan(&count)
	if err != nil {
		return 0, wrapErr("counting unread messages", err)
	}
	return count, nil
}
