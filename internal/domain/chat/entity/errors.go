package entity

import "errors"

// Domain errors for chat
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidParticipant   = errors.New("sender is not a participant of the conversation")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
	ErrEmptyBody            = errors.New("message body cannot be empty")
	ErrBodyTooLong          = errors.New("message body exceeds maximum length")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrTransientStore       = errors.New("store temporarily unavailable")
	ErrDeliveryUnreachable  = errors.New("live delivery unreachable")
)

// Code is the stable error identifier sent to clients
type Code string

const (
	CodeInvalidParticipant Code = "invalid_participant"
	CodeNotParticipant     Code = "not_participant"
	CodeEmptyBody          Code = "empty_body"
	CodeBodyTooLong        Code = "body_too_long"
	CodeNotFound           Code = "not_found"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeTransientStore     Code = "transient_store_failure"
	CodeInternal           Code = "internal"
)

// CodeOf maps an error chain to its client-facing code
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrInvalidParticipant):
		return CodeInvalidParticipant
	case errors.Is(err, ErrNotParticipant):
		return CodeNotParticipant
	case errors.Is(err, ErrEmptyBody):
		return CodeEmptyBody
	case errors.Is(err, ErrBodyTooLong):
		return CodeBodyTooLong
	case errors.Is(err, ErrConversationNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrSelfConversation):
		return CodeInvalidArgument
	case errors.Is(err, ErrTransientStore):
		return CodeTransientStore
	default:
		return CodeInternal
	}
}
