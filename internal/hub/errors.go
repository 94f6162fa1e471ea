package hub

import (
	"errors"

	"github.com/pairline/realtime/internal/protocol"
)

var (
	// ErrAuthenticationFailure means the user behind a match request is
	// unknown to the user store (or the lookup failed).
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrUnauthorized means the sender is neither matched with the receiver
	// nor mutually following them.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPersistence means the message store rejected or could not be reached
	// for a chat message.
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidMessage means a chat message failed content validation.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrNotIdentified means the session has not bound a user yet.
	ErrNotIdentified = errors.New("session not identified")

	// ErrSessionClosed means the session disconnected before or while the
	// operation ran.
	ErrSessionClosed = errors.New("session closed")
)

// ErrorCode maps an error returned by the Coordinator to the code sent to
// clients in error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationFailure):
		return protocol.CodeAuthenticationFailed
	case errors.Is(err, ErrUnauthorized):
		return protocol.CodeUnauthorized
	case errors.Is(err, ErrPersistence):
		return protocol.CodePersistenceFailed
	case errors.Is(err, ErrInvalidMessage):
		return protocol.CodeInvalidMessage
	case errors.Is(err, ErrNotIdentified):
		return protocol.CodeNotIdentified
	default:
		return protocol.CodeInternal
	}
}
