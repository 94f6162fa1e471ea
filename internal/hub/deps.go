package hub

import (
	"context"

	"github.com/pairline/realtime/internal/chat"
)

// UserGateway resolves users and their social graph.
type UserGateway interface {
	// FindByID returns the user's profile, or (nil, nil) if no such user
	// exists.
	FindByID(ctx context.Context, userID string) (*chat.Profile, error)

	// FollowsEachOther reports whether a follows b and b follows a.
	FollowsEachOther(ctx context.Context, a, b string) (bool, error)
}

// MessageStore durably appends chat messages. The returned message carries
// the assigned ID and CreatedAt.
type MessageStore interface {
	Append(ctx context.Context, msg chat.Message) (chat.Message, error)
}

// Sender writes a frame to one live session. *ws.Server satisfies it.
type Sender interface {
	SendMessage(sessionID string, data []byte) error
}

// EventPublisher announces coordinator events to other services.
// *messaging.NATSClient satisfies it.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// SessionStates mirrors per-session state outside the process.
// *session.Store satisfies it.
type SessionStates interface {
	Create(ctx context.Context, sessionID string) error
	SetUser(ctx context.Context, sessionID, userID string) error
	UpdateStatus(ctx context.Context, sessionID, status string) error
	Delete(ctx context.Context, sessionID string) error
}
