package hub

import (
	"context"
	"fmt"

	"github.com/pairline/realtime/internal/chat"
	"github.com/pairline/realtime/internal/messaging"
	"github.com/pairline/realtime/internal/metrics"
	"github.com/pairline/realtime/internal/protocol"
)

// OutgoingMessage is a chat message submitted by a session. SenderID, when
// set, must equal the session's bound user. An empty Kind means text.
type OutgoingMessage struct {
	SenderID   string
	ReceiverID string
	Body       string
	Kind       chat.Kind
}

// authorize decides whether the user bound to sessionID may address
// receiverID. It allows the send when sessionID's match partner is bound to
// receiverID, and otherwise asks the user gateway whether the two follow each
// other. A gateway error denies. It returns the sender's user id.
func (c *Coordinator) authorize(ctx context.Context, sessionID, claimedSender, receiverID string) (string, error) {
	c.mu.Lock()
	userID, ok := c.registry.UserOf(sessionID)
	var partnerUser string
	if partner, matched := c.tracker.Partner(sessionID); matched {
		partnerUser, _ = c.registry.UserOf(partner)
	}
	c.mu.Unlock()

	switch {
	case !ok:
		return "", ErrSessionClosed
	case userID == "":
		return "", ErrNotIdentified
	case claimedSender != "" && claimedSender != userID:
		return userID, fmt.Errorf("sender %s is bound to %s: %w", claimedSender, userID, ErrUnauthorized)
	case partnerUser != "" && partnerUser == receiverID:
		return userID, nil
	}

	cctx, cancel := c.callCtx(ctx)
	mutual, err := c.users.FollowsEachOther(cctx, userID, receiverID)
	cancel()
	if err != nil {
		c.log.Error().Err(err).Str("user", userID).Str("receiver", receiverID).Msg("follow lookup failed")
		return userID, fmt.Errorf("follow lookup: %v: %w", err, ErrUnauthorized)
	}
	if !mutual {
		return userID, fmt.Errorf("no active match or mutual follow with %s: %w", receiverID, ErrUnauthorized)
	}
	return userID, nil
}

// SendMessage authorizes, persists and delivers a chat message. The message
// reaches every live session of the receiver and the sender gets a
// message_sent acknowledgement. Rejected messages are never persisted; the
// sender receives an error frame describing why.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID string, msg OutgoingMessage) (chat.Message, error) {
	if msg.Kind == "" {
		msg.Kind = chat.KindText
	}
	if msg.ReceiverID == "" {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		c.reject(sessionID, protocol.CodeInvalidMessage, "missing receiver")
		return chat.Message{}, fmt.Errorf("hub: send message %s: missing receiver: %w", sessionID, ErrInvalidMessage)
	}
	if err := chat.ValidateMessage(msg.Body, msg.Kind); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		c.reject(sessionID, protocol.CodeInvalidMessage, err.Error())
		return chat.Message{}, fmt.Errorf("hub: send message %s: %v: %w", sessionID, err, ErrInvalidMessage)
	}

	senderID, err := c.authorize(ctx, sessionID, msg.SenderID, msg.ReceiverID)
	if err != nil {
		code := ErrorCode(err)
		if code == protocol.CodeUnauthorized {
			metrics.MessagesTotal.WithLabelValues(metrics.ResultUnauthorized).Inc()
			c.log.Warn().Err(err).Str("session", sessionID).Str("user", senderID).Msg("message rejected")
			c.reject(sessionID, code, "not allowed to message this user")
		} else if code == protocol.CodeNotIdentified {
			c.reject(sessionID, code, "identify before sending messages")
		}
		return chat.Message{}, fmt.Errorf("hub: send message %s: %w", sessionID, err)
	}

	cctx, cancel := c.callCtx(ctx)
	stored, err := c.messages.Append(cctx, chat.Message{
		SenderID:   senderID,
		ReceiverID: msg.ReceiverID,
		Body:       msg.Body,
		Kind:       msg.Kind,
	})
	cancel()
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultFailed).Inc()
		c.log.Error().Err(err).Str("session", sessionID).Str("user", senderID).Msg("failed to persist message")
		c.reject(sessionID, protocol.CodePersistenceFailed, "message could not be saved")
		return chat.Message{}, fmt.Errorf("hub: send message %s: %v: %w", sessionID, err, ErrPersistence)
	}

	// Display data is read live; the queue snapshot may be stale.
	var senderName, senderAvatar string
	cctx, cancel = c.callCtx(ctx)
	profile, err := c.users.FindByID(cctx, senderID)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Str("user", senderID).Msg("sender profile lookup failed")
	} else if profile != nil {
		senderName, senderAvatar = profile.DisplayName, profile.Avatar
	}

	var out outbox

	c.mu.Lock()
	if !c.registry.Has(sessionID) {
		c.mu.Unlock()
		c.log.Info().Str("session", sessionID).Str("message", stored.ID).Msg("sender left before delivery")
		return stored, nil
	}
	receivers := c.registry.SessionsForUser(msg.ReceiverID)
	out.addAll(receivers, c.frame(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		ID:           stored.ID,
		SenderID:     stored.SenderID,
		ReceiverID:   stored.ReceiverID,
		Body:         stored.Body,
		Kind:         string(stored.Kind),
		CreatedAt:    stored.CreatedAt.UnixMilli(),
		SenderName:   senderName,
		SenderAvatar: senderAvatar,
	}))
	out.add(sessionID, c.frame(protocol.TypeMessageSent, protocol.MessageSentMsg{
		ID:         stored.ID,
		ReceiverID: stored.ReceiverID,
		CreatedAt:  stored.CreatedAt.UnixMilli(),
	}))
	c.release(out)

	event := messaging.MessageEvent{
		ID:           stored.ID,
		SenderID:     stored.SenderID,
		ReceiverID:   stored.ReceiverID,
		Kind:         string(stored.Kind),
		CreatedAt:    stored.CreatedAt.UnixMilli(),
		LiveSessions: len(receivers),
	}
	c.publish(messaging.SubjectMessageSent, event)
	if len(receivers) == 0 {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultUndelivered).Inc()
		c.publish(messaging.SubjectMessageUndelivered, event)
	} else {
		metrics.MessagesTotal.WithLabelValues(metrics.ResultDelivered).Inc()
	}

	c.log.Debug().Str("session", sessionID).Str("user", senderID).Str("receiver", msg.ReceiverID).
		Int("sessions", len(receivers)).Msg("message relayed")
	return stored, nil
}

// Typing relays a typing indicator to every live session of receiverID. It is
// gated like SendMessage but never persisted, and a rejection is silent.
func (c *Coordinator) Typing(ctx context.Context, sessionID, receiverID string, isTyping bool) error {
	if receiverID == "" {
		return fmt.Errorf("hub: typing %s: missing receiver: %w", sessionID, ErrInvalidMessage)
	}

	senderID, err := c.authorize(ctx, sessionID, "", receiverID)
	if err != nil {
		return fmt.Errorf("hub: typing %s: %w", sessionID, err)
	}

	var out outbox

	c.mu.Lock()
	if !c.registry.Has(sessionID) {
		c.mu.Unlock()
		return nil
	}
	out.addAll(c.registry.SessionsForUser(receiverID), c.frame(protocol.TypeTypingStatus, protocol.TypingStatusMsg{
		SenderID: senderID,
		IsTyping: isTyping,
	}))
	c.release(out)
	return nil
}
