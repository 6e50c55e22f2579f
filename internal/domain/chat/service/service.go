package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
)

// ConversationRepository defines the interface for conversation storage
type ConversationRepository interface {
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	FindOrCreate(ctx context.Context, userA, userB, productRef string) (*entity.Conversation, bool, error)
}

// MessageRepository defines the interface for the message log. Append and
// MarkRead update the conversation index in the same transaction.
type MessageRepository interface {
	Append(ctx context.Context, msg entity.Message) (*entity.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string, upToSeq int64) (*entity.ReadResult, error)
	ListByConversation(ctx context.Context, conversationID string, limit int, beforeSeq int64) ([]entity.Message, error)
}

// SummaryRepository defines the interface for the conversation index
type SummaryRepository interface {
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]entity.ConversationSummary, error)
	Count(ctx context.Context, userID string) (int64, error)
	RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error)
	FindDrifted(ctx context.Context, limit int) ([]entity.SummaryKey, error)
}

// Publisher receives committed state changes for live fan-out. Calls must
// not block on transport writes.
type Publisher interface {
	OnNewMessage(conv entity.Conversation, msg entity.Message)
	OnReadReceipt(conv entity.Conversation, readerID string, upToSeq int64)
}

const (
	defaultLimit = 50
	maxLimit     = 100
)

// Service handles chat business logic
type Service struct {
	convRepo    ConversationRepository
	msgRepo     MessageRepository
	summaryRepo SummaryRepository
	publisher   Publisher
	locks       *keyedMutex
	logger      *slog.Logger
}

// New creates a new chat service
func New(
	convRepo ConversationRepository,
	msgRepo MessageRepository,
	summaryRepo SummaryRepository,
	publisher Publisher,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		convRepo:    convRepo,
		msgRepo:     msgRepo,
		summaryRepo: summaryRepo,
		publisher:   publisher,
		locks:       newKeyedMutex(),
		logger:      logger,
	}
}

// StartConversationInput represents input for starting a conversation
type StartConversationInput struct {
	UserID      string
	OtherUserID string
	ProductRef  string
}

// StartConversation returns the conversation between the two users for the
// product context, creating it on first use
func (s *Service) StartConversation(ctx context.Context, in StartConversationInput) (*entity.Conversation, bool, error) {
	userID := strings.TrimSpace(in.UserID)
	otherID := strings.TrimSpace(in.OtherUserID)
	if userID == "" || otherID == "" {
		return nil, false, fmt.Errorf("%w: both participants are required", entity.ErrInvalidArgument)
	}
	if userID == otherID {
		return nil, false, entity.ErrSelfConversation
	}

	conv, created, err := s.convRepo.FindOrCreate(ctx, userID, otherID, strings.TrimSpace(in.ProductRef))
	if err != nil {
		return nil, false, fmt.Errorf("finding or creating conversation: %w", err)
	}

	if created {
		s.logger.Info("conversation created", "conversation_id", conv.ID, "product_ref", conv.ProductRef)
	}
	return conv, created, nil
}

// GetConversation retrieves a conversation the user takes part in
func (s *Service) GetConversation(ctx context.Context, conversationID, userID string) (*entity.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return nil, entity.ErrNotParticipant
	}
	return conv, nil
}

// SendInput represents input for appending a message
type SendInput struct {
	ConversationID string
	SenderID       string
	Body           string
	ProductRef     string
}

// Send appends a message to the conversation log and hands it to the
// publisher once committed. Appends to one conversation are serialized so
// publish order matches sequence order.
func (s *Service) Send(ctx context.Context, in SendInput) (*entity.Message, error) {
	body, err := entity.NormalizeBody(in.Body)
	if err != nil {
		return nil, err
	}
	if in.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", entity.ErrInvalidArgument)
	}

	unlock := s.locks.Lock(in.ConversationID)
	defer unlock()

	conv, err := s.convRepo.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	if !conv.HasParticipant(in.SenderID) {
		return nil, entity.ErrInvalidParticipant
	}

	msg, err := s.msgRepo.Append(ctx, entity.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           body,
		ProductRef:     strings.TrimSpace(in.ProductRef),
	})
	if err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}

	conv.LastSeq = msg.Seq
	if s.publisher != nil {
		s.publisher.OnNewMessage(*conv, *msg)
	}

	return msg, nil
}

// MarkReadInput represents input for marking messages read
type MarkReadInput struct {
	ConversationID string
	ReaderID       string
	UpToSeq        int64
}

// MarkRead flips the read flag of the other participant's messages up to
// UpToSeq. A read receipt is published only when something changed, so
// repeated calls are silent no-ops.
func (s *Service) MarkRead(ctx context.Context, in MarkReadInput) (*entity.ReadResult, error) {
	if in.UpToSeq < 1 {
		return nil, fmt.Errorf("%w: up_to_message_id must be positive", entity.ErrInvalidArgument)
	}
	if in.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", entity.ErrInvalidArgument)
	}

	unlock := s.locks.Lock(in.ConversationID)
	defer unlock()

	conv, err := s.convRepo.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	if conv == nil {
		return nil, entity.ErrConversationNotFound
	}
	if !conv.HasParticipant(in.ReaderID) {
		return nil, entity.ErrNotParticipant
	}

	result, err := s.msgRepo.MarkRead(ctx, in.ConversationID, in.ReaderID, in.UpToSeq)
	if err != nil {
		return nil, fmt.Errorf("marking read: %w", err)
	}

	if result.Flipped > 0 && s.publisher != nil {
		s.publisher.OnReadReceipt(*conv, in.ReaderID, result.UpToMessageID)
	}

	return result, nil
}

// ListMessagesInput represents input for listing messages
type ListMessagesInput struct {
	ConversationID string
	UserID         string
	Limit          int
	BeforeSeq      int64
}

// ListMessagesOutput represents a newest-first page of messages
type ListMessagesOutput struct {
	Messages   []entity.Message
	NextBefore int64 // pass as BeforeSeq to fetch the next older page; 0 when exhausted
	HasMore    bool
}

// ListMessages returns a newest-first window of the conversation. It never
// changes read state.
func (s *Service) ListMessages(ctx context.Context, in ListMessagesInput) (*ListMessagesOutput, error) {
	if in.BeforeSeq < 0 {
		return nil, fmt.Errorf("%w: before must not be negative", entity.ErrInvalidArgument)
	}
	if _, err := s.GetConversation(ctx, in.ConversationID, in.UserID); err != nil {
		return nil, err
	}

	limit := clampLimit(in.Limit)

	// fetch one extra row to learn whether an older page exists
	messages, err := s.msgRepo.ListByConversation(ctx, in.ConversationID, limit+1, in.BeforeSeq)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	out := &ListMessagesOutput{}
	if len(messages) > limit {
		messages = messages[:limit]
		out.HasMore = true
	}
	out.Messages = messages
	if out.HasMore {
		out.NextBefore = messages[len(messages)-1].Seq
	}
	return out, nil
}

// ListConversationsInput represents input for listing conversation summaries
type ListConversationsInput struct {
	UserID string
	Limit  int
	Offset int
}

// ListConversationsOutput represents a page of conversation summaries
type ListConversationsOutput struct {
	Conversations []entity.ConversationSummary
	Total         int64
	HasMore       bool
}

// ListConversations returns the user's conversation list, most recent first
func (s *Service) ListConversations(ctx context.Context, in ListConversationsInput) (*ListConversationsOutput, error) {
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", entity.ErrInvalidArgument)
	}
	limit := clampLimit(in.Limit)
	offset := in.Offset
	if offset < 0 {
		offset = 0
	}

	summaries, err := s.summaryRepo.ListByUser(ctx, in.UserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	total, err := s.summaryRepo.Count(ctx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("counting conversations: %w", err)
	}

	if summaries == nil {
		summaries = []entity.ConversationSummary{}
	}
	return &ListConversationsOutput{
		Conversations: summaries,
		Total:         total,
		HasMore:       int64(offset+len(summaries)) < total,
	}, nil
}

// RecomputeUnread recounts the user's unread messages from the log,
// repairing a summary that drifted
func (s *Service) RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(conversationID)
	defer unlock()

	n, err := s.summaryRepo.RecomputeUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("recomputing unread: %w", err)
	}
	return n, nil
}

// ReconcileResult reports the outcome of one reconcile pass
type ReconcileResult struct {
	Checked  int
	Repaired int
}

// ReconcileSummaries repairs up to limit summaries that disagree with the log
func (s *Service) ReconcileSummaries(ctx context.Context, limit int) (*ReconcileResult, error) {
	keys, err := s.summaryRepo.FindDrifted(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("finding drifted summaries: %w", err)
	}

	res := &ReconcileResult{Checked: len(keys)}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := s.RecomputeUnread(ctx, key.ConversationID, key.UserID)
		if err != nil {
			s.logger.Error("failed to recompute unread", "conversation_id", key.ConversationID, "user_id", key.UserID, "error", err)
			continue
		}
		res.Repaired++
		s.logger.Warn("repaired drifted summary", "conversation_id", key.ConversationID, "user_id", key.UserID, "unread_count", n)
	}
	return res, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
