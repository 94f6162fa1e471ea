// Package api adapts the outer surfaces to the hub coordinator: WebSocket
// client events arriving through the ws dispatcher, and the HTTP routes
// served next to the upgrade endpoint.
package api

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairline/realtime/internal/auth"
	"github.com/pairline/realtime/internal/chat"
	"github.com/pairline/realtime/internal/hub"
	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/metrics"
	"github.com/pairline/realtime/internal/protocol"
	"github.com/pairline/realtime/internal/ratelimit"
	"github.com/pairline/realtime/internal/ws"
)

// RateLimiter is the subset of *ratelimit.Limiter used by Events. A nil
// *ratelimit.Limiter allows everything.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Events turns parsed client frames into coordinator calls.
type Events struct {
	ctx      context.Context
	coord    *hub.Coordinator
	verifier *auth.Verifier
	limiter  RateLimiter
	out      ws.Writer
	log      zerolog.Logger
}

// NewEvents creates the client event handlers. ctx bounds every coordinator
// call and is cancelled at shutdown. A verifier without a secret accepts raw
// user ids on identify.
func NewEvents(ctx context.Context, coord *hub.Coordinator, verifier *auth.Verifier, limiter RateLimiter, out ws.Writer, logger zerolog.Logger) *Events {
	return &Events{
		ctx:      ctx,
		coord:    coord,
		verifier: verifier,
		limiter:  limiter,
		out:      out,
		log:      logging.Component(logger, "events"),
	}
}

// Register installs a handler for every client event type on d.
func (e *Events) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeIdentify, e.identify)
	d.Register(protocol.TypeFindMatch, e.findMatch)
	d.Register(protocol.TypeCancelMatch, e.cancelMatch)
	d.Register(protocol.TypeEndMatch, e.endMatch)
	d.Register(protocol.TypeSendMessage, e.sendMessage)
	d.Register(protocol.TypeTyping, e.typing)
	d.Register(protocol.TypeCallOffer, e.signal)
	d.Register(protocol.TypeCallAnswer, e.signal)
	d.Register(protocol.TypeCallCandidate, e.signal)
}

// OnConnect is the ws server's connect callback.
func (e *Events) OnConnect(conn *ws.Connection) {
	e.coord.Connect(e.ctx, conn.ID)
}

// OnDisconnect is the ws server's disconnect callback.
func (e *Events) OnDisconnect(connID string) {
	e.coord.Disconnect(e.ctx, connID)
}

func (e *Events) identify(conn *ws.Connection, _ string, msg interface{}) {
	m, ok := msg.(protocol.IdentifyMsg)
	if !ok {
		return
	}

	userID := m.UserID
	if e.verifier.Enabled() {
		uid, err := e.verifier.Verify(m.Token)
		if err != nil {
			e.log.Warn().Err(err).Str("session", conn.ID).Msg("identify rejected")
			e.send(conn.ID, protocol.NewErrorMessage(protocol.CodeAuthenticationFailed, "invalid token"))
			return
		}
		userID = uid
	}

	if err := e.coord.Identify(e.ctx, conn.ID, userID); err != nil && !errors.Is(err, hub.ErrSessionClosed) {
		e.log.Debug().Err(err).Str("session", conn.ID).Msg("identify failed")
	}
}

func (e *Events) findMatch(conn *ws.Connection, msgType string, msg interface{}) {
	m, ok := msg.(protocol.FindMatchMsg)
	if !ok || !e.allow(conn.ID, e.identity(conn.ID), msgType, ratelimit.RuleMatch) {
		return
	}
	_, err := e.coord.RequestMatch(e.ctx, conn.ID, hub.MatchRequest{
		Gender:     m.Gender,
		Preference: m.Preference,
	})
	if err != nil {
		e.log.Debug().Err(err).Str("session", conn.ID).Msg("find match failed")
	}
}

func (e *Events) cancelMatch(conn *ws.Connection, _ string, _ interface{}) {
	e.coord.CancelMatch(e.ctx, conn.ID)
}

func (e *Events) endMatch(conn *ws.Connection, _ string, _ interface{}) {
	e.coord.EndMatch(e.ctx, conn.ID)
}

func (e *Events) sendMessage(conn *ws.Connection, msgType string, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok || !e.allow(conn.ID, e.identity(conn.ID), msgType, ratelimit.RuleMessage) {
		return
	}
	// The coordinator reports failures to the client itself.
	_, _ = e.coord.SendMessage(e.ctx, conn.ID, hub.OutgoingMessage{
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		Kind:       chat.Kind(m.Kind),
	})
}

func (e *Events) typing(conn *ws.Connection, msgType string, msg interface{}) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok || !e.allow(conn.ID, e.identity(conn.ID), msgType, ratelimit.RuleTyping) {
		return
	}
	_ = e.coord.Typing(e.ctx, conn.ID, m.ReceiverID, m.IsTyping)
}

func (e *Events) signal(conn *ws.Connection, msgType string, msg interface{}) {
	m, ok := msg.(protocol.SignalMsg)
	if !ok || !e.allow(conn.ID, conn.ID, msgType, ratelimit.RuleSignal) {
		return
	}
	e.coord.RelaySignal(conn.ID, msgType, m.TargetSessionID, m.Payload)
}

// identity is the rate limit key for a session: its user once identified,
// so a user cannot multiply their budget by opening tabs.
func (e *Events) identity(sessionID string) string {
	if uid := e.coord.UserOf(sessionID); uid != "" {
		return "u:" + uid
	}
	return "s:" + sessionID
}

// allow applies rule to identifier and answers a rejected event with
// rate_limited.
func (e *Events) allow(sessionID, identifier, action string, rule ratelimit.Rule) bool {
	if e.limiter == nil {
		return true
	}
	ok, _ := e.limiter.Allow(e.ctx, identifier, rule)
	if ok {
		return true
	}

	retry := e.limiter.RetryAfter(e.ctx, identifier, rule)
	metrics.RateLimitedTotal.WithLabelValues(action).Inc()
	e.log.Info().Str("session", sessionID).Str("action", action).Dur("retry_after", retry).Msg("rate limited")

	frame, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(retry.Seconds())),
	})
	if err == nil {
		e.send(sessionID, frame)
	}
	return false
}

func (e *Events) send(sessionID string, data []byte) {
	if e.out == nil {
		return
	}
	if err := e.out.SendMessage(sessionID, data); err != nil {
		e.log.Debug().Err(err).Str("session", sessionID).Msg("send failed")
	}
}
