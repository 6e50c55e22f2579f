package entity

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Message is a single entry of a conversation's append-only log
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	ProductRef     string    `json:"product_ref,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// MaxBodyLength is the maximum number of characters in a message body
const MaxBodyLength = 2000

// NormalizeBody trims the body and validates its length
func NormalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", ErrBodyTooLong
	}
	return body, nil
}

// ReadResult describes the effect of a markRead call
type ReadResult struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	UpToMessageID  int64  `json:"up_to_message_id"` // effective sequence after clamping to the conversation max
	Flipped        int    `json:"flipped"`          // messages whose read flag changed in this call
	UnreadCount    int    `json:"unread_count"`     // reader's unread count after the call
}
