package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pairline/realtime/internal/auth"
	"github.com/pairline/realtime/internal/chat"
	"github.com/pairline/realtime/internal/hub"
	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/protocol"
	"github.com/pairline/realtime/internal/ratelimit"
	"github.com/pairline/realtime/internal/store/memstore"
	"github.com/pairline/realtime/internal/ws"
)

// wire records frames per session.
type wire struct {
	mu     sync.Mutex
	frames map[string][]string
}

func (w *wire) SendMessage(sessionID string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.frames == nil {
		w.frames = make(map[string][]string)
	}
	w.frames[sessionID] = append(w.frames[sessionID], string(data))
	return nil
}

func (w *wire) last(sessionID, msgType string) gjson.Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	frames := w.frames[sessionID]
	for i := len(frames) - 1; i >= 0; i-- {
		if gjson.Get(frames[i], "type").Str == msgType {
			return gjson.Parse(frames[i])
		}
	}
	return gjson.Result{}
}

// denyLimiter rejects every event for the rules it lists.
type denyLimiter struct {
	deny  map[string]bool
	retry time.Duration
}

func (d denyLimiter) Allow(_ context.Context, _ string, rule ratelimit.Rule) (bool, error) {
	return !d.deny[rule.Key], nil
}

func (d denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return d.retry
}

type eventsHarness struct {
	store *memstore.Store
	coord *hub.Coordinator
	out   *wire
	disp  *ws.MessageDispatcher
	ev    *Events
}

func newEventsHarness(t *testing.T, secret string, limiter RateLimiter) *eventsHarness {
	t.Helper()
	h := &eventsHarness{store: memstore.New(), out: &wire{}}
	h.store.PutUser(chat.Profile{ID: "alice", DisplayName: "Alice", Gender: "Female"})
	h.store.PutUser(chat.Profile{ID: "bob", DisplayName: "Bob", Gender: "Male"})

	h.coord = hub.NewCoordinator(h.store, h.store, logging.Discard())
	h.coord.SetSender(h.out)

	h.ev = NewEvents(context.Background(), h.coord, auth.NewVerifier(secret, ""), limiter, h.out, logging.Discard())
	h.disp = ws.NewMessageDispatcher(h.out, logging.Discard())
	h.ev.Register(h.disp)
	return h
}

func (h *eventsHarness) open(id string) *ws.Connection {
	conn := &ws.Connection{ID: id}
	h.ev.OnConnect(conn)
	return conn
}

func (h *eventsHarness) send(conn *ws.Connection, frame string) {
	h.disp.Dispatch(conn, []byte(frame))
}

func TestEvents_DevModeFlow(t *testing.T) {
	h := newEventsHarness(t, "", nil)
	a := h.open("s1")
	b := h.open("s2")

	assert.Equal(t, "s1", h.out.last("s1", protocol.TypeSessionCreated).Get("session_id").Str)

	h.send(a, `{"type":"identify","user_id":"alice"}`)
	h.send(b, `{"type":"identify","user_id":"bob"}`)
	assert.Equal(t, "alice", h.out.last("s1", protocol.TypeIdentified).Get("user_id").Str)

	h.send(a, `{"type":"find_match","gender":"Female","preference":"Male"}`)
	h.send(b, `{"type":"find_match","gender":"Male","preference":"Female"}`)
	assert.Equal(t, "bob", h.out.last("s1", protocol.TypeMatchFound).Get("partner_user_id").Str)
	assert.True(t, h.out.last("s2", protocol.TypeMatchFound).Get("initiator").Bool())

	h.send(b, `{"type":"send_message","receiver_id":"alice","body":"hello"}`)
	got := h.out.last("s1", protocol.TypeMessageReceived)
	assert.Equal(t, "hello", got.Get("body").Str)
	assert.Equal(t, "Bob", got.Get("sender_name").Str)
	assert.NotEmpty(t, h.out.last("s2", protocol.TypeMessageSent).Get("id").Str)

	h.send(a, `{"type":"typing","receiver_id":"bob","is_typing":true}`)
	assert.True(t, h.out.last("s2", protocol.TypeTypingStatus).Get("is_typing").Bool())

	h.send(b, `{"type":"call_offer","target_session_id":"s1","payload":{"sdp":"x"}}`)
	assert.Equal(t, "s2", h.out.last("s1", protocol.TypeCallOffer).Get("from_session_id").Str)
	assert.Equal(t, "x", h.out.last("s1", protocol.TypeCallOffer).Get("payload.sdp").Str)

	h.send(a, `{"type":"end_match"}`)
	assert.Equal(t, protocol.ReasonEnded, h.out.last("s2", protocol.TypePartnerDisconnected).Get("reason").Str)

	h.ev.OnDisconnect("s2")
	assert.Equal(t, int64(1), h.out.last("s1", protocol.TypePresenceCount).Get("count").Int())

	hist, err := h.store.History(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2, "system match record plus one chat message")
	assert.Equal(t, chat.KindText, hist[0].Kind)
	assert.Equal(t, chat.KindSystem, hist[1].Kind)
}

func TestEvents_IdentifyWithToken(t *testing.T) {
	h := newEventsHarness(t, "s3cret", nil)
	conn := h.open("s1")

	h.send(conn, `{"type":"identify","user_id":"alice","token":"forged"}`)
	assert.Equal(t, protocol.CodeAuthenticationFailed, h.out.last("s1", protocol.TypeError).Get("code").Str)
	assert.Empty(t, h.coord.UserOf("s1"), "user_id is ignored when tokens are required")

	tok, err := auth.NewVerifier("s3cret", "").Issue("alice", time.Minute)
	require.NoError(t, err)
	h.send(conn, `{"type":"identify","token":"`+tok+`"}`)
	assert.Equal(t, "alice", h.coord.UserOf("s1"))
}

func TestEvents_RateLimited(t *testing.T) {
	limiter := denyLimiter{deny: map[string]bool{ratelimit.RuleMessage.Key: true}, retry: 2500 * time.Millisecond}
	h := newEventsHarness(t, "", limiter)
	conn := h.open("s1")
	h.send(conn, `{"type":"identify","user_id":"alice"}`)

	h.send(conn, `{"type":"send_message","receiver_id":"bob","body":"spam"}`)

	got := h.out.last("s1", protocol.TypeRateLimited)
	assert.Equal(t, int64(3), got.Get("retry_after").Int())

	hist, err := h.store.History(context.Background(), "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestEvents_MessageBeforeIdentify(t *testing.T) {
	h := newEventsHarness(t, "", nil)
	conn := h.open("s1")

	h.send(conn, `{"type":"send_message","receiver_id":"bob","body":"hi"}`)
	assert.Equal(t, protocol.CodeNotIdentified, h.out.last("s1", protocol.TypeError).Get("code").Str)
}
