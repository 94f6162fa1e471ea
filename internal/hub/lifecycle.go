package hub

import (
	"context"
	"fmt"

	"github.com/pairline/realtime/internal/protocol"
	"github.com/pairline/realtime/internal/session"
)

// Connect registers a new transport session, greets it with session_created
// and broadcasts the new presence count. Connecting an already registered
// session does nothing.
func (c *Coordinator) Connect(ctx context.Context, sessionID string) {
	var out outbox

	c.mu.Lock()
	if !c.registry.Register(sessionID) {
		c.mu.Unlock()
		return
	}
	c.mailboxes[sessionID] = newMailbox(sessionID)
	out.add(sessionID, c.frame(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: sessionID}))
	count := c.addPresence(&out)
	c.release(out)

	c.log.Info().Str("session", sessionID).Int("count", count).Msg("session connected")

	c.mirror(ctx, sessionID, func(ctx context.Context, s SessionStates) error {
		return s.Create(ctx, sessionID)
	})
	c.publishPresence(count)
}

// Identify binds sessionID to userID. Re-binding a session to a different
// user first withdraws it from the queue and ends its current match, since
// both were made on behalf of the previous user.
func (c *Coordinator) Identify(ctx context.Context, sessionID, userID string) error {
	if userID == "" {
		c.reject(sessionID, protocol.CodeAuthenticationFailed, "missing user id")
		return fmt.Errorf("hub: identify %s: empty user id: %w", sessionID, ErrAuthenticationFailure)
	}

	var (
		out     outbox
		partner string
		ended   bool
		dequeue bool
	)

	c.mu.Lock()
	prev, ok := c.registry.UserOf(sessionID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("hub: identify %s: %w", sessionID, ErrSessionClosed)
	}
	if prev != "" && prev != userID {
		dequeue = c.queue.Remove(sessionID)
		if partner, ended = c.tracker.Clear(sessionID); ended {
			out.add(partner, c.frame(protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{Reason: protocol.ReasonEnded}))
		}
		c.recordGauges()
	}
	c.registry.BindUser(sessionID, userID)
	out.add(sessionID, c.frame(protocol.TypeIdentified, protocol.IdentifiedMsg{UserID: userID}))
	c.release(out)

	c.log.Info().Str("session", sessionID).Str("user", userID).Str("previous", prev).Msg("session identified")

	c.mirror(ctx, sessionID, func(ctx context.Context, s SessionStates) error {
		return s.SetUser(ctx, sessionID, userID)
	})
	if ended {
		c.mirrorStatus(ctx, session.StatusIdle, sessionID, partner)
	} else if dequeue {
		c.mirrorStatus(ctx, session.StatusIdle, sessionID)
	}
	return nil
}

// Disconnect tears down a session: it leaves the queue, its match partner (if
// any) receives exactly one partner_disconnected, it is unregistered and the
// new presence count is broadcast. Disconnecting an unknown session does
// nothing, so the transport may call it more than once.
func (c *Coordinator) Disconnect(ctx context.Context, sessionID string) {
	var out outbox

	c.mu.Lock()
	userID, ok := c.registry.Unregister(sessionID)
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.mailboxes, sessionID)
	c.queue.Remove(sessionID)
	partner, matched := c.tracker.Clear(sessionID)
	if matched {
		out.add(partner, c.frame(protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{Reason: protocol.ReasonDisconnected}))
	}
	c.recordGauges()
	count := c.addPresence(&out)
	c.release(out)

	ev := c.log.Info().Str("session", sessionID).Str("user", userID).Int("count", count)
	if matched {
		ev = ev.Str("partner", partner)
	}
	ev.Msg("session disconnected")

	c.mirror(ctx, sessionID, func(ctx context.Context, s SessionStates) error {
		return s.Delete(ctx, sessionID)
	})
	if matched {
		c.mirrorStatus(ctx, session.StatusIdle, partner)
	}
	c.publishPresence(count)
}
