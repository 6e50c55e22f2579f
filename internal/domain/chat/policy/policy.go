package policy

//go:generate mockgen -destination=mocks/mock_chat_service.go -package=mocks . ChatService

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
	"github.com/vadim/neo-chat/internal/domain/chat/service"
)

// ChatService defines the interface for the chat service
type ChatService interface {
	StartConversation(ctx context.Context, in service.StartConversationInput) (*entity.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID, userID string) (*entity.Conversation, error)
	Send(ctx context.Context, in service.SendInput) (*entity.Message, error)
	MarkRead(ctx context.Context, in service.MarkReadInput) (*entity.ReadResult, error)
	ListMessages(ctx context.Context, in service.ListMessagesInput) (*service.ListMessagesOutput, error)
	ListConversations(ctx context.Context, in service.ListConversationsInput) (*service.ListConversationsOutput, error)
	RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error)
}

// Config holds retry settings for store calls
type Config struct {
	Attempts  int
	BaseDelay time.Duration
}

// Policy is the single entry point the REST and live transports call. It
// retries calls that failed with a transient store error and surfaces every
// other error unchanged.
type Policy struct {
	svc       ChatService
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
}

// New creates a new chat policy
func New(svc ChatService, cfg Config, logger *slog.Logger) *Policy {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		svc:       svc,
		attempts:  cfg.Attempts,
		baseDelay: cfg.BaseDelay,
		logger:    logger,
	}
}

// StartConversation finds or creates the conversation with another user
func (p *Policy) StartConversation(ctx context.Context, in service.StartConversationInput) (*entity.Conversation, bool, error) {
	var created bool
	conv, err := retry(ctx, p, "start_conversation", func() (*entity.Conversation, error) {
		c, ok, err := p.svc.StartConversation(ctx, in)
		created = ok
		return c, err
	})
	return conv, created, err
}

// GetConversation retrieves a conversation the user takes part in
func (p *Policy) GetConversation(ctx context.Context, conversationID, userID string) (*entity.Conversation, error) {
	return retry(ctx, p, "get_conversation", func() (*entity.Conversation, error) {
		return p.svc.GetConversation(ctx, conversationID, userID)
	})
}

// Send appends a message
func (p *Policy) Send(ctx context.Context, in service.SendInput) (*entity.Message, error) {
	return retry(ctx, p, "send", func() (*entity.Message, error) {
		return p.svc.Send(ctx, in)
	})
}

// MarkRead marks the other participant's messages read
func (p *Policy) MarkRead(ctx context.Context, in service.MarkReadInput) (*entity.ReadResult, error) {
	return retry(ctx, p, "mark_read", func() (*entity.ReadResult, error) {
		return p.svc.MarkRead(ctx, in)
	})
}

// ListMessages returns a newest-first page of messages
func (p *Policy) ListMessages(ctx context.Context, in service.ListMessagesInput) (*service.ListMessagesOutput, error) {
	return retry(ctx, p, "list_messages", func() (*service.ListMessagesOutput, error) {
		return p.svc.ListMessages(ctx, in)
	})
}

// ListConversations returns the user's conversation list
func (p *Policy) ListConversations(ctx context.Context, in service.ListConversationsInput) (*service.ListConversationsOutput, error) {
	return retry(ctx, p, "list_conversations", func() (*service.ListConversationsOutput, error) {
		return p.svc.ListConversations(ctx, in)
	})
}

// RecomputeUnread rebuilds the user's unread count from the message log
func (p *Policy) RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error) {
	return retry(ctx, p, "recompute_unread", func() (int, error) {
		return p.svc.RecomputeUnread(ctx, conversationID, userID)
	})
}

// retry runs fn until it succeeds, fails permanently or runs out of attempts.
// The delay doubles after each transient failure.
func retry[T any](ctx context.Context, p *Policy, op string, fn func() (T, error)) (T, error) {
	delay := p.baseDelay
	for attempt := 1; ; attempt++ {
		res, err := fn()
		if err == nil || !errors.Is(err, entity.ErrTransientStore) || attempt >= p.attempts {
			return res, err
		}

		p.logger.Warn("transient store failure, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}
