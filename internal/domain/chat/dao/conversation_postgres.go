package dao

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// ConversationPostgres implements conversation repository for PostgreSQL
type ConversationPostgres struct {
	pool *pgxpool.Pool
}

// NewConversationPostgres creates a new PostgreSQL conversation repository
func NewConversationPostgres(pool *pgxpool.Pool) *ConversationPostgres {
	return &ConversationPostgres{pool: pool}
}

// GetByID retrieves a conversation by ID
func (r *ConversationPostgres) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, product_ref, last_seq, created_at
		FROM chat_conversations
		WHERE id = $1
	`

	conv, err := scanConversation(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("getting conversation", err)
	}

	return conv, nil
}

// FindOrCreate returns the conversation for the participant pair and product
// context, creating it together with both participants' summaries when it
// does not exist yet. The unique (participant_a, participant_b, product_ref)
// constraint resolves concurrent creators to one row.
func (r *ConversationPostgres) FindOrCreate(ctx context.Context, userA, userB, productRef string) (*entity.Conversation, bool, error) {
	a, b := entity.SortPair(userA, userB)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, wrapErr("beginning transaction", err)
	}
	defer tx.Rollback(ctx)

	conv := entity.Conversation{
		ID:           uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
		ProductRef:   productRef,
		CreatedAt:    time.Now().UTC(),
	}

	insert := `
		INSERT INTO chat_conversations (id, participant_a, participant_b, product_ref, last_seq, created_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (participant_a, participant_b, product_ref) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insert, conv.ID, conv.ParticipantA, conv.ParticipantB, conv.ProductRef, conv.CreatedAt)
	if err != nil {
		return nil, false, wrapErr("inserting conversation", err)
	}

	if tag.RowsAffected() == 0 {
		existing := `
			SELECT id, participant_a, participant_b, product_ref, last_seq, created_at
			FROM chat_conversations
			WHERE participant_a = $1 AND participant_b = $2 AND product_ref = $3
		`
		found, err := scanConversation(tx.QueryRow(ctx, existing, a, b, productRef))
		if err != nil {
			return nil, false, wrapErr("loading existing conversation", err)
		}
		return found, false, nil
	}

	if err := insertSummaries(ctx, tx, conv); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, wrapErr("committing conversation", err)
	}

	return &conv, true, nil
}

// lockConversation loads a conversation row with FOR UPDATE so that every
// state change of one conversation is serialized by the database.
func lockConversation(ctx context.Context, tx pgx.Tx, id string) (*entity.Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, product_ref, last_seq, created_at
		FROM chat_conversations
		WHERE id = $1
		FOR UPDATE
	`

	conv, err := scanConversation(tx.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrConversationNotFound
	}
	if err != nil {
		return nil, wrapErr("locking conversation", err)
	}

	return conv, nil
}

// scanConversation scans a single conversation row
func scanConversation(row pgx.Row) (*entity.Conversation, error) {
	var conv entity.Conversation
	err := row.Scan(
		&conv.ID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.ProductRef,
		&conv.LastSeq,
		&conv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}
