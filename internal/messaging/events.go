package messaging

// NATS subjects published by the coordinator.
const (
	SubjectMatchCreated       = "pairline.match.created"
	SubjectMessageSent        = "pairline.message.sent"
	SubjectMessageUndelivered = "pairline.message.undelivered"
	SubjectPresence           = "pairline.presence"
)

// MatchCreatedEvent is published when two sessions are paired.
type MatchCreatedEvent struct {
	RequesterSession string `json:"requester_session"`
	RequesterUser    string `json:"requester_user"`
	CandidateSession string `json:"candidate_session"`
	CandidateUser    string `json:"candidate_user"`
	WaitedMillis     int64  `json:"waited_ms"`
	At               int64  `json:"at"`
}

// MessageEvent is published for every persisted chat message. Undelivered
// messages (no live receiver session) are also published on
// SubjectMessageUndelivered so a push or mail service can pick them up.
type MessageEvent struct {
	ID           string `json:"id"`
	SenderID     string `json:"sender_id"`
	ReceiverID   string `json:"receiver_id"`
	Kind         string `json:"kind"`
	CreatedAt    int64  `json:"created_at"`
	LiveSessions int    `json:"live_sessions"`
}

// PresenceEvent is published whenever the live session count changes.
type PresenceEvent struct {
	Count int   `json:"count"`
	At    int64 `json:"at"`
}
