// Package chat holds the chat domain values shared by the coordinator and the
// storage adapters: messages, their kinds, user profiles and conversation
// summaries.
package chat

import "time"

// Kind classifies a message body.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindVideo  Kind = "video"
	KindAudio  Kind = "audio"
	KindSystem Kind = "system" // generated by the server, never accepted from clients
)

// Message is one chat message. ID and CreatedAt are assigned by the message
// store on append.
type Message struct {
	ID         string    `json:"id" bson:"-"`
	SenderID   string    `json:"sender_id" bson:"senderId"`
	ReceiverID string    `json:"receiver_id" bson:"receiverId"`
	Body       string    `json:"body" bson:"message"`
	Kind       Kind      `json:"kind" bson:"type"`
	Read       bool      `json:"read" bson:"read"`
	CreatedAt  time.Time `json:"created_at" bson:"createdAt"`
}

// Profile is the display and matching data of a user as held by the user
// store. Gender is empty when the user never set one.
type Profile struct {
	ID          string
	DisplayName string
	Avatar      string
	Country     string
	Gender      string
}

// Conversation summarises the latest exchange between a user and one peer.
type Conversation struct {
	PeerID      string    `json:"peer_id"`
	PeerName    string    `json:"peer_name"`
	PeerAvatar  string    `json:"peer_avatar"`
	LastMessage string    `json:"last_message"`
	Time        time.Time `json:"time"`
	UnreadCount int       `json:"unread_count"`
}

// Summarize groups messages (newest first) into one Conversation per peer of
// userID, counting unread messages addressed to userID. Peer names are left
// for the caller to fill in.
func Summarize(userID string, newestFirst []Message) []Conversation {
	index := make(map[string]int)
	out := make([]Conversation, 0)

	for _, m := range newestFirst {
		peer := m.SenderID
		if peer == userID {
			peer = m.ReceiverID
		}

		unread := 0
		if m.ReceiverID == userID && !m.Read {
			unread = 1
		}

		i, ok := index[peer]
		if !ok {
			index[peer] = len(out)
			out = append(out, Conversation{
				PeerID:      peer,
				LastMessage: m.Body,
				Time:        m.CreatedAt,
				UnreadCount: unread,
			})
			continue
		}
		out[i].UnreadCount += unread
	}
	return out
}
