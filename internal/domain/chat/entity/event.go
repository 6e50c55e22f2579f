package entity

// EventType identifies a server-pushed event
type EventType string

const (
	EventMessage EventType = "message"
	EventRead    EventType = "read"
)

// Event is the outbound payload pushed to live connections
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Message        *Message  `json:"message,omitempty"`
	ReaderID       string    `json:"reader_id,omitempty"`
	UpToMessageID  int64     `json:"up_to_message_id,omitempty"`
}

// NewMessageEvent builds the "message" event for msg
func NewMessageEvent(msg Message) Event {
	return Event{
		Type:           EventMessage,
		ConversationID: msg.ConversationID,
		Message:        &msg,
	}
}

// NewReadEvent builds the "read" event for a read receipt
func NewReadEvent(conversationID, readerID string, upTo int64) Event {
	return Event{
		Type:           EventRead,
		ConversationID: conversationID,
		ReaderID:       readerID,
		UpToMessageID:  upTo,
	}
}
