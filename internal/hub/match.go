package hub

import (
	"context"
	"fmt"

	"github.com/pairline/realtime/internal/chat"
	"github.com/pairline/realtime/internal/messaging"
	"github.com/pairline/realtime/internal/metrics"
	"github.com/pairline/realtime/internal/protocol"
	"github.com/pairline/realtime/internal/session"
)

// MatchBody is the body of the system message recorded for every match.
const MatchBody = "match_found"

// MatchRequest is a client's request to be paired. UserID, when set, must
// equal the session's bound user. Gender is only used when the stored profile
// has none. An empty Preference means PreferenceAll.
type MatchRequest struct {
	UserID     string
	Gender     string
	Preference string
}

// MatchResult describes the outcome of RequestMatch.
type MatchResult struct {
	Matched bool
	Partner QueueEntry // the candidate that was waiting, when Matched
}

// RequestMatch puts sessionID up for pairing. The user's stored profile is
// authoritative for gender and display data. The queue is scanned first-fit
// in arrival order; on a hit both sides are paired and notified with
// match_found, otherwise the session waits in the queue. A session that was
// already matched ends that match first.
func (c *Coordinator) RequestMatch(ctx context.Context, sessionID string, req MatchRequest) (MatchResult, error) {
	c.mu.Lock()
	userID, ok := c.registry.UserOf(sessionID)
	c.mu.Unlock()

	if !ok {
		return MatchResult{}, fmt.Errorf("hub: find match %s: %w", sessionID, ErrSessionClosed)
	}
	if userID == "" {
		c.reject(sessionID, protocol.CodeNotIdentified, "identify before requesting a match")
		return MatchResult{}, fmt.Errorf("hub: find match %s: %w", sessionID, ErrNotIdentified)
	}
	if req.UserID != "" && req.UserID != userID {
		c.reject(sessionID, protocol.CodeAuthenticationFailed, "user does not match session")
		return MatchResult{}, fmt.Errorf("hub: find match %s: user %s is bound to %s: %w",
			sessionID, req.UserID, userID, ErrAuthenticationFailure)
	}

	cctx, cancel := c.callCtx(ctx)
	profile, err := c.users.FindByID(cctx, userID)
	cancel()
	if err != nil || profile == nil {
		c.log.Warn().Err(err).Str("session", sessionID).Str("user", userID).Msg("match request rejected: unknown user")
		c.reject(sessionID, protocol.CodeAuthenticationFailed, "user not found")
		if err != nil {
			return MatchResult{}, fmt.Errorf("hub: find match %s: lookup %s: %v: %w", sessionID, userID, err, ErrAuthenticationFailure)
		}
		return MatchResult{}, fmt.Errorf("hub: find match %s: user %s not found: %w", sessionID, userID, ErrAuthenticationFailure)
	}

	entry := QueueEntry{
		SessionID:   sessionID,
		UserID:      userID,
		Gender:      resolveGender(profile.Gender, req.Gender),
		Preference:  req.Preference,
		DisplayName: profile.DisplayName,
		Avatar:      profile.Avatar,
		Country:     profile.Country,
		JoinedAt:    c.now(),
	}
	if entry.Preference == "" {
		entry.Preference = PreferenceAll
	}

	var (
		out       outbox
		oldMatch  string
		hadMatch  bool
		candidate QueueEntry
		found     bool
	)

	c.mu.Lock()
	if cur, ok := c.registry.UserOf(sessionID); !ok || cur != userID {
		// Disconnected or re-identified during the lookup.
		c.mu.Unlock()
		return MatchResult{}, fmt.Errorf("hub: find match %s: %w", sessionID, ErrSessionClosed)
	}

	if oldMatch, hadMatch = c.tracker.Clear(sessionID); hadMatch {
		out.add(oldMatch, c.frame(protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{Reason: protocol.ReasonEnded}))
	}

	c.queue.Remove(sessionID)
	candidate, found = c.queue.TakeFirstCompatible(entry)
	if found {
		c.tracker.Set(sessionID, candidate.SessionID)
		out.add(sessionID, c.frame(protocol.TypeMatchFound, matchFound(candidate, true)))
		out.add(candidate.SessionID, c.frame(protocol.TypeMatchFound, matchFound(entry, false)))
	} else {
		c.queue.Push(entry)
	}
	c.recordGauges()
	c.release(out)

	if hadMatch {
		c.mirrorStatus(ctx, session.StatusIdle, oldMatch)
	}

	if !found {
		c.log.Info().Str("session", sessionID).Str("user", userID).
			Str("gender", entry.Gender).Str("preference", entry.Preference).Msg("waiting for match")
		c.mirrorStatus(ctx, session.StatusSearching, sessionID)
		return MatchResult{}, nil
	}

	waited := entry.JoinedAt.Sub(candidate.JoinedAt)
	metrics.MatchWait.Observe(waited.Seconds())
	c.log.Info().Str("session", sessionID).Str("user", userID).
		Str("partner", candidate.SessionID).Str("partner_user", candidate.UserID).
		Dur("waited", waited).Msg("match found")

	c.recordMatch(ctx, candidate.UserID, userID)
	c.mirrorStatus(ctx, session.StatusMatched, sessionID, candidate.SessionID)
	c.publish(messaging.SubjectMatchCreated, messaging.MatchCreatedEvent{
		RequesterSession: sessionID,
		RequesterUser:    userID,
		CandidateSession: candidate.SessionID,
		CandidateUser:    candidate.UserID,
		WaitedMillis:     waited.Milliseconds(),
		At:               entry.JoinedAt.UnixMilli(),
	})

	return MatchResult{Matched: true, Partner: candidate}, nil
}

// recordMatch persists the system message marking a match, from the waiting
// user to the requester. The pairing stands even if this fails.
func (c *Coordinator) recordMatch(ctx context.Context, from, to string) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	_, err := c.messages.Append(cctx, chat.Message{
		SenderID:   from,
		ReceiverID: to,
		Body:       MatchBody,
		Kind:       chat.KindSystem,
	})
	if err != nil {
		c.log.Error().Err(err).Str("user", to).Str("partner_user", from).Msg("failed to record match")
	}
}

// CancelMatch withdraws sessionID from the queue. It reports whether the
// session was waiting.
func (c *Coordinator) CancelMatch(ctx context.Context, sessionID string) bool {
	c.mu.Lock()
	removed := c.queue.Remove(sessionID)
	c.recordGauges()
	c.mu.Unlock()

	if removed {
		c.log.Info().Str("session", sessionID).Msg("match request cancelled")
		c.mirrorStatus(ctx, session.StatusIdle, sessionID)
	}
	return removed
}

// EndMatch dissolves sessionID's current pairing and tells the partner with a
// partner_disconnected frame. It reports whether there was a pairing.
func (c *Coordinator) EndMatch(ctx context.Context, sessionID string) bool {
	var out outbox

	c.mu.Lock()
	partner, ok := c.tracker.Clear(sessionID)
	if ok {
		out.add(partner, c.frame(protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{Reason: protocol.ReasonEnded}))
	}
	c.recordGauges()
	c.release(out)

	if ok {
		c.log.Info().Str("session", sessionID).Str("partner", partner).Msg("match ended")
		c.mirrorStatus(ctx, session.StatusIdle, sessionID, partner)
	}
	return ok
}

func resolveGender(stored, declared string) string {
	switch {
	case stored != "":
		return stored
	case declared != "":
		return declared
	default:
		return GenderUnknown
	}
}

// matchFound builds the notification describing partner to the other side.
func matchFound(partner QueueEntry, initiator bool) protocol.MatchFoundMsg {
	return protocol.MatchFoundMsg{
		PartnerUserID:    partner.UserID,
		PartnerSessionID: partner.SessionID,
		Initiator:        initiator,
		PartnerName:      partner.DisplayName,
		PartnerAvatar:    partner.Avatar,
		PartnerCountry:   partner.Country,
	}
}
