package entity

import (
	"time"
	"unicode/utf8"
)

// ConversationSummary is the per-user, derived view of a conversation shown
// in the conversation list. UnreadCount must always equal the number of
// messages from OtherUserID with IsRead false.
type ConversationSummary struct {
	UserID             string     `json:"user_id"`
	ConversationID     string     `json:"conversation_id"`
	OtherUserID        string     `json:"other_user_id"`
	ProductRef         string     `json:"product_ref,omitempty"`
	LastMessagePreview string     `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	LastMessageSeq     int64      `json:"last_message_seq"`
	LastMessageIsMine  bool       `json:"last_message_is_mine"`
	UnreadCount        int        `json:"unread_count"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// MaxPreviewLength is the number of characters kept in a summary preview
const MaxPreviewLength = 140

// Preview shortens a message body for the conversation list
func Preview(body string) string {
	if utf8.RuneCountInString(body) <= MaxPreviewLength {
		return body
	}
	runes := []rune(body)
	return string(runes[:MaxPreviewLength-1]) + "…"
}

// SummaryKey identifies one (user, conversation) summary row
type SummaryKey struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}
