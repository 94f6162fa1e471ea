// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeIdentify      = "identify"
	TypeFindMatch     = "find_match"
	TypeCancelMatch   = "cancel_match"
	TypeEndMatch      = "end_match"
	TypeSendMessage   = "send_message"
	TypeTyping        = "typing"
	TypeCallOffer     = "call_offer"
	TypeCallAnswer    = "call_answer"
	TypeCallCandidate = "call_candidate"
	TypePing          = "ping"
)

// Server -> Client message types. The call_* types are shared with the
// client direction.
const (
	TypeSessionCreated      = "session_created"
	TypeIdentified          = "identified"
	TypePresenceCount       = "presence_count"
	TypeMatchFound          = "match_found"
	TypePartnerDisconnected = "partner_disconnected"
	TypeMessageReceived     = "message_received"
	TypeMessageSent         = "message_sent"
	TypeTypingStatus        = "typing_status"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeInvalidMessage       = "invalid_message"
	CodeNotIdentified        = "not_identified"
	CodeAuthenticationFailed = "authentication_failed"
	CodeUnauthorized         = "unauthorized"
	CodePersistenceFailed    = "persistence_failed"
	CodeInternal             = "internal_error"
)

// Reasons carried in PartnerDisconnectedMsg.Reason.
const (
	ReasonDisconnected = "disconnected"
	ReasonEnded        = "ended"
)

// IsSignal reports whether msgType is one of the call-signaling types that
// are relayed verbatim between sessions.
func IsSignal(msgType string) bool {
	switch msgType {
	case TypeCallOffer, TypeCallAnswer, TypeCallCandidate:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// IdentifyMsg binds the connection to a user. Token is a signed identity
// token; UserID is only honoured when the server runs without a token secret.
type IdentifyMsg struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// FindMatchMsg enters the matching queue. Gender is a hint; the stored
// profile value wins when present.
type FindMatchMsg struct {
	Type       string `json:"type"`
	Gender     string `json:"gender"`
	Preference string `json:"preference"`
}

// CancelMatchMsg leaves the matching queue.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// EndMatchMsg ends the current pairing.
type EndMatchMsg struct {
	Type string `json:"type"`
}

// SendMessageMsg is a chat message addressed to a user.
type SendMessageMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiver_id"`
	Body       string `json:"body"`
	Kind       string `json:"kind"`
}

// TypingMsg indicates whether the client is currently typing to ReceiverID.
type TypingMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiver_id"`
	IsTyping   bool   `json:"is_typing"`
}

// SignalMsg carries an opaque call-signaling payload to another session.
type SignalMsg struct {
	Type            string          `json:"type"`
	TargetSessionID string          `json:"target_session_id"`
	Payload         json.RawMessage `json:"payload"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// IdentifiedMsg acknowledges a successful identify.
type IdentifiedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// PresenceCountMsg is broadcast whenever the number of live sessions changes.
type PresenceCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// MatchFoundMsg is sent to both sides of a new pairing.
type MatchFoundMsg struct {
	Type             string `json:"type"`
	PartnerUserID    string `json:"partner_user_id"`
	PartnerSessionID string `json:"partner_session_id"`
	Initiator        bool   `json:"initiator"`
	PartnerName      string `json:"partner_name"`
	PartnerAvatar    string `json:"partner_avatar"`
	PartnerCountry   string `json:"partner_country"`
}

// PartnerDisconnectedMsg tells a session its partner went away.
type PartnerDisconnectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// MessageReceivedMsg delivers a persisted chat message to its receiver.
type MessageReceivedMsg struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	SenderID     string `json:"sender_id"`
	ReceiverID   string `json:"receiver_id"`
	Body         string `json:"body"`
	Kind         string `json:"kind"`
	CreatedAt    int64  `json:"created_at"`
	SenderName   string `json:"sender_name"`
	SenderAvatar string `json:"sender_avatar"`
}

// MessageSentMsg acknowledges a persisted message to its sender.
type MessageSentMsg struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	ReceiverID string `json:"receiver_id"`
	CreatedAt  int64  `json:"created_at"`
}

// TypingStatusMsg relays a typing indicator.
type TypingStatusMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"sender_id"`
	IsTyping bool   `json:"is_typing"`
}

// RelayedSignalMsg is a call-signaling payload forwarded from another session.
type RelayedSignalMsg struct {
	Type          string          `json:"type"`
	FromSessionID string          `json:"from_session_id"`
	Payload       json.RawMessage `json:"payload"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// MessageType extracts the "type" discriminator without decoding the rest of
// the frame.
func MessageType(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("protocol: malformed JSON")
	}
	t := gjson.GetBytes(data, "type")
	if t.Type != gjson.String || t.Str == "" {
		return "", fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return t.Str, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	msgType, err := MessageType(data)
	if err != nil {
		return "", nil, err
	}

	var msg interface{}
	switch msgType {
	case TypeIdentify:
		var m IdentifyMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeCancelMatch:
		msg = CancelMatchMsg{Type: msgType}
	case TypeEndMatch:
		msg = EndMatchMsg{Type: msgType}
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeCallOffer, TypeCallAnswer, TypeCallCandidate:
		var m SignalMsg
		err = json.Unmarshal(data, &m)
		if err == nil && m.TargetSessionID == "" {
			err = fmt.Errorf("missing target_session_id")
		}
		msg = m
	case TypePing:
		msg = PingMsg{Type: msgType}
	default:
		return msgType, nil, fmt.Errorf("protocol: unknown client message type: %q", msgType)
	}

	if err != nil {
		return msgType, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", msgType, err)
	}
	return msgType, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The payload is marshaled as-is and msgType is written into its "type" key,
// replacing whatever the struct carried.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("protocol: payload for %q is not a JSON object", msgType)
	}

	out, err := sjson.SetBytes(raw, "type", msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to set message type: %w", err)
	}
	return out, nil
}

// NewErrorMessage is a shorthand for an error frame.
func NewErrorMessage(code, message string) []byte {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	if err != nil {
		// ErrorMsg always marshals.
		panic(err)
	}
	return data
}
