package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vadim/neo-chat/internal/domain/chat/entity"
	"github.com/vadim/neo-chat/internal/domain/chat/service"
	"github.com/vadim/neo-chat/internal/httpx/auth"
	"github.com/vadim/neo-chat/internal/httpx/response"
)

// ChatPolicy defines the interface for chat operations
type ChatPolicy interface {
	StartConversation(ctx context.Context, in service.StartConversationInput) (*entity.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID, userID string) (*entity.Conversation, error)
	Send(ctx context.Context, in service.SendInput) (*entity.Message, error)
	MarkRead(ctx context.Context, in service.MarkReadInput) (*entity.ReadResult, error)
	ListMessages(ctx context.Context, in service.ListMessagesInput) (*service.ListMessagesOutput, error)
	ListConversations(ctx context.Context, in service.ListConversationsInput) (*service.ListConversationsOutput, error)
	RecomputeUnread(ctx context.Context, conversationID, userID string) (int, error)
}

// ChatHandler serves the request/response side of chat for clients without
// a live connection
type ChatHandler struct {
	policy ChatPolicy
}

// NewChatHandler creates a new chat handler
func NewChatHandler(p ChatPolicy) *ChatHandler {
	return &ChatHandler{policy: p}
}

// RegisterRoutes registers chat routes. Callers mount them behind the auth
// middleware.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", h.ListConversations())
		r.Post("/", h.StartConversation())

		r.Route("/{conversationId}", func(r chi.Router) {
			r.Get("/", h.GetConversation())
			r.Get("/messages", h.ListMessages())
			r.Post("/messages", h.SendMessage())
			r.Post("/read", h.MarkRead())
			r.Post("/recompute", h.RecomputeUnread())
		})
	})
}

// ListConversationsResponse represents the response for listing conversations
type ListConversationsResponse struct {
	Conversations []entity.ConversationSummary `json:"conversations"`
	Total         int64                        `json:"total"`
	HasMore       bool                         `json:"has_more"`
}

// ListConversations handles GET /conversations
func (h *ChatHandler) ListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFrom(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthenticated")
			return
		}

		result, err := h.policy.ListConversations(r.Context(), service.ListConversationsInput{
			UserID: userID,
			Limit:  queryInt(r, "limit", 0),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.OK(w, ListConversationsResponse{
			Conversations: result.Conversations,
			Total:         result.Total,
			HasMore:       result.HasMore,
		})
	}
}

// StartConversationRequest represents the request body for starting a conversation
type StartConversationRequest struct {
	OtherUserID string `json:"other_user_id"`
	ProductRef  string `json:"product_ref,omitempty"`
}

// StartConversation handles POST /conversations
func (h *ChatHandler) StartConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFrom(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthenticated")
			return
		}

		var req StartConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}
		if req.OtherUserID == "" {
			response.BadRequest(w, "other_user_id is required")
			return
		}

		conv, created, err := h.policy.StartConversation(r.Context(), service.StartConversationInput{
			UserID:      userID,
			OtherUserID: req.OtherUserID,
			ProductRef:  req.ProductRef,
		})
		if err != nil {
			handleChatError(w, err)
			return
		}

		if created {
			response.Created(w, conv)
			return
		}
		response.OK(w, conv)
	}
}

// GetConversation handles GET /conversations/{conversationId}
func (h *ChatHandler) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFrom(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthenticated")
			return
		}

		conv, err := h.policy.GetConversation(r.Context(), chi.URLParam(r, "conversationId"), userID)
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.OK(w, conv)
	}
}

// ListMessagesResponse represents a newest-first page of messages
type ListMessagesResponse struct {
	Messages   []entity.Message `json:"messages"`
	NextBefore int64            `json:"next_before,omitempty"`
	HasMore    bool             `json:"has_more"`
}

// ListMessages handles GET /conversations/{conversationId}/messages.
// Fetching never marks anything read; clients call /read for what they showed.
func (h *ChatHandler) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFrom(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthenticated")
			return
		}

		var before int64
		if b := r.URL.Query().Get("before"); b != "" {
			parsed, err := strconv.ParseInt(b, 10, 64)
			if err != nil || parsed < 0 {
				response.BadRequest(w, "before must be a non-negative integer")
				return
			}
			before = parsed
		}

		result, err := h.policy.ListMessages(r.Context(), service.ListMessagesInput{
			ConversationID: chi.URLParam(r, "conversationId"),
			UserID:         userID,
			Limit:          queryInt(r, "limit", 0),
			BeforeSeq:      before,
		})
		if err != nil {
			handleChatError(w, err)
			return
		}

		messages := result.Messages
		if messages == nil {
			messages = []entity.Message{}
		}
		response.OK(w, ListMessagesResponse{
			Messages:   messages,
			NextBefore: result.NextBefore,
			HasMore:    result.HasMore,
		})
	}
}

// SendMessageRequest represents the request body for sending a message
type SendMessageRequest struct {
	Body       string `json:"body"`
	ProductRef string `json:"product_ref,omitempty"`
}

// SendMessage handles POST /conversations/{conversationId}/messages
func (h *ChatHandler) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFrom(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthenticated")
			return
		}

		var req SendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}

		msg, err := h.policy.Send(r.Context(), service.SendInput{
			ConversationID: chi.URLParam(r, "conversationId"),
			SenderID:       userID,
			Body:           req.Body,
			ProductRef:     req.ProductRef,
		})
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.Created(w, msg)
	}
}

// MarkReadRequest represents the request body for marking messages read
type MarkReadRequest struct {
	UpToMessageID int64 `json:"up_to_message_id"`
}

// MarkRead handles POST /conversations/{conversationId}/read
func (h *ChatHandler) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFrom(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthenticated")
			return
		}

		var req MarkReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid request body")
			return
		}

		result, err := h.policy.MarkRead(r.Context(), service.MarkReadInput{
			ConversationID: chi.URLParam(r, "conversationId"),
			ReaderID:       userID,
			UpToSeq:        req.UpToMessageID,
		})
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.OK(w, result)
	}
}

// RecomputeUnreadResponse represents the recounted unread state
type RecomputeUnreadResponse struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

// RecomputeUnread handles POST /conversations/{conversationId}/recompute
func (h *ChatHandler) RecomputeUnread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFrom(r.Context())
		if !ok {
			response.Unauthorized(w, "unauthenticated")
			return
		}

		conversationID := chi.URLParam(r, "conversationId")
		n, err := h.policy.RecomputeUnread(r.Context(), conversationID, userID)
		if err != nil {
			handleChatError(w, err)
			return
		}

		response.OK(w, RecomputeUnreadResponse{ConversationID: conversationID, UnreadCount: n})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

// handleChatError maps chat errors to HTTP responses
func handleChatError(w http.ResponseWriter, err error) {
	code := entity.CodeOf(err)
	switch code {
	case entity.CodeInvalidParticipant, entity.CodeNotParticipant:
		response.ErrorCode(w, http.StatusForbidden, string(code), err.Error())
	case entity.CodeEmptyBody, entity.CodeBodyTooLong, entity.CodeInvalidArgument:
		response.ErrorCode(w, http.StatusBadRequest, string(code), err.Error())
	case entity.CodeNotFound:
		response.ErrorCode(w, http.StatusNotFound, string(code), err.Error())
	case entity.CodeTransientStore:
		response.ErrorCode(w, http.StatusServiceUnavailable, string(code), "temporarily unavailable, retry")
	default:
		if errors.Is(err, context.Canceled) {
			return
		}
		response.ErrorCode(w, http.StatusInternalServerError, string(code), "internal server error")
	}
}
