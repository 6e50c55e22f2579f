package realtime

import "github.com/vadim/neo-chat/internal/domain/chat/entity"

// Inbound frame types
const (
	FrameSend      = "send"
	FrameMarkRead  = "markRead"
	FrameSubscribe = "subscribe"
	FramePing      = "ping"
)

// Outbound frame types besides the "message" and "read" events
const (
	FrameConnected = "connected"
	FrameAck       = "ack"
	FrameError     = "error"
	FramePong      = "pong"
)

// ClientFrame is an intent sent by a client. ClientRef is echoed back on the
// ack or error so the client can match replies to its pending operations.
type ClientFrame struct {
	Type           string `json:"type"`
	ClientRef      string `json:"client_ref,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body,omitempty"`
	ProductRef     string `json:"product_ref,omitempty"`
	UpToMessageID  int64  `json:"up_to_message_id,omitempty"`
}

// ServerFrame is every frame the server writes. Events use the fields of
// entity.Event; replies carry ClientRef plus either a result or an error.
type ServerFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`

	// message and read events
	Message       *entity.Message `json:"message,omitempty"`
	ReaderID      string          `json:"reader_id,omitempty"`
	UpToMessageID int64           `json:"up_to_message_id,omitempty"`

	// replies
	ClientRef    string             `json:"client_ref,omitempty"`
	ConnectionID string             `json:"connection_id,omitempty"`
	Read         *entity.ReadResult `json:"read,omitempty"`
	Code         entity.Code        `json:"code,omitempty"`
	Error        string             `json:"error,omitempty"`
}
