// Package hub coordinates live chat sessions: it tracks which sessions are
// connected and who they belong to, pairs waiting sessions by gender
// preference, gates and relays chat messages, forwards call signaling, and
// broadcasts presence.
//
// All in-memory state (Registry, Queue, Tracker) lives behind a single mutex
// in Coordinator. Calls into collaborators (user store, message store, Redis,
// NATS) are made with the mutex released, and every operation re-checks that
// its session is still registered after such a call before it mutates state
// or delivers anything.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/messaging"
	"github.com/pairline/realtime/internal/metrics"
	"github.com/pairline/realtime/internal/protocol"
)

// DefaultCallTimeout bounds each collaborator call made on behalf of a
// client event.
const DefaultCallTimeout = 5 * time.Second

// Coordinator owns the session registry, the matchmaking queue and the active
// match tracker, and implements every client-facing operation on them.
type Coordinator struct {
	mu       sync.Mutex // guards registry, queue, tracker
	registry *Registry
	queue    *Queue
	tracker  *Tracker

	// mailboxes holds the pending frames of every registered session. Frames
	// are posted under mu, so each session sees them in state-change order,
	// and written with mu released.
	mailboxes map[string]*mailbox

	users    UserGateway
	messages MessageStore
	sender   Sender
	events   EventPublisher
	states   SessionStates

	callTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewCoordinator creates a Coordinator backed by the given user gateway and
// message store. The sender, event publisher and session state mirror are
// attached with the Set* methods before the server starts; each is optional.
func NewCoordinator(users UserGateway, messages MessageStore, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		registry:    NewRegistry(),
		queue:       NewQueue(),
		tracker:     NewTracker(),
		mailboxes:   make(map[string]*mailbox),
		users:       users,
		messages:    messages,
		callTimeout: DefaultCallTimeout,
		log:         logging.Component(logger, "hub"),
		now:         time.Now,
	}
}

// SetSender attaches the transport used to write frames to sessions.
func (c *Coordinator) SetSender(s Sender) {
	c.sender = s
}

// SetEventPublisher attaches the event bus.
func (c *Coordinator) SetEventPublisher(p EventPublisher) {
	c.events = p
}

// SetSessionStates attaches the session state mirror.
func (c *Coordinator) SetSessionStates(s SessionStates) {
	c.states = s
}

// SetCallTimeout overrides DefaultCallTimeout. Zero disables the timeout.
func (c *Coordinator) SetCallTimeout(d time.Duration) {
	c.callTimeout = d
}

// Stats is a point-in-time view of the coordinator's state.
type Stats struct {
	Sessions int `json:"sessions"`
	Waiting  int `json:"waiting"`
	Matches  int `json:"matches"`
}

// Stats returns current counts.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Sessions: c.registry.Count(),
		Waiting:  c.queue.Len(),
		Matches:  c.tracker.Len(),
	}
}

// UserOf returns the user bound to sessionID, or "" if the session is unknown
// or not identified.
func (c *Coordinator) UserOf(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, _ := c.registry.UserOf(sessionID)
	return uid
}

// ---------------------------------------------------------------------------
// Outbound frames
// ---------------------------------------------------------------------------

type outbound struct {
	sessionID string
	data      []byte
}

type outbox []outbound

func (o *outbox) add(sessionID string, data []byte) {
	if data == nil {
		return
	}
	*o = append(*o, outbound{sessionID: sessionID, data: data})
}

func (o *outbox) addAll(sessionIDs []string, data []byte) {
	for _, sid := range sessionIDs {
		o.add(sid, data)
	}
}

// frame encodes a server message. Encoding only fails for payloads that
// cannot be marshaled, which is a programming error; it is logged and the
// frame dropped.
func (c *Coordinator) frame(msgType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", msgType).Msg("failed to encode frame")
		return nil
	}
	return data
}

// release posts out to the recipients' mailboxes, unlocks mu and delivers.
// Must be called with mu held.
func (c *Coordinator) release(out outbox) {
	boxes := c.post(out)
	c.mu.Unlock()
	c.deliver(boxes)
}

// emit delivers frames produced without holding mu.
func (c *Coordinator) emit(out outbox) {
	c.mu.Lock()
	c.release(out)
}

// post appends every frame to its session's mailbox and returns the
// mailboxes touched, in first-use order. Must be called with mu held.
func (c *Coordinator) post(out outbox) []*mailbox {
	var (
		touched   []*mailbox
		transient map[string]*mailbox // recipients that are no longer registered
	)
	for _, f := range out {
		box := c.mailboxes[f.sessionID]
		if box == nil {
			if box = transient[f.sessionID]; box == nil {
				if transient == nil {
					transient = make(map[string]*mailbox)
				}
				box = newMailbox(f.sessionID)
				transient[f.sessionID] = box
			}
		}
		if !box.push(f.data) {
			metrics.FramesDropped.WithLabelValues(metrics.DropMailboxFull).Inc()
			c.log.Warn().Str("session", f.sessionID).Msg("mailbox full, frame dropped")
			continue
		}
		if !box.marked {
			box.marked = true
			touched = append(touched, box)
		}
	}
	for _, box := range touched {
		box.marked = false
	}
	return touched
}

// deliver drains each mailbox unless another goroutine already is. A slow
// recipient therefore holds up only the goroutine draining its own mailbox.
func (c *Coordinator) deliver(boxes []*mailbox) {
	for _, box := range boxes {
		box.drain(func(data []byte) {
			if c.sender == nil {
				return
			}
			if err := c.sender.SendMessage(box.sessionID, data); err != nil {
				// The transport removes dead connections on its own.
				c.log.Debug().Err(err).Str("session", box.sessionID).Msg("send failed")
			}
		})
	}
}

// reject sends an error frame to sessionID.
func (c *Coordinator) reject(sessionID, code, message string) {
	var out outbox
	out.add(sessionID, protocol.NewErrorMessage(code, message))
	c.emit(out)
}

// addPresence queues a presence_count frame for every registered session.
// Must be called with mu held.
func (c *Coordinator) addPresence(out *outbox) int {
	count := c.registry.Count()
	out.addAll(c.registry.Sessions(), c.frame(protocol.TypePresenceCount, protocol.PresenceCountMsg{Count: count}))
	return count
}

// ---------------------------------------------------------------------------
// Collaborator helpers
// ---------------------------------------------------------------------------

func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// publish sends v as JSON on subject. Failures are logged; the event bus is
// advisory.
func (c *Coordinator) publish(subject string, v interface{}) {
	if c.events == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Str("subject", subject).Msg("failed to encode event")
		return
	}
	if err := c.events.Publish(subject, data); err != nil {
		c.log.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

func (c *Coordinator) publishPresence(count int) {
	metrics.ConnectionsTotal.Set(float64(count))
	c.publish(messaging.SubjectPresence, messaging.PresenceEvent{
		Count: count,
		At:    c.now().UnixMilli(),
	})
}

// mirror applies fn to the session state mirror, if one is attached.
func (c *Coordinator) mirror(ctx context.Context, sessionID string, fn func(ctx context.Context, s SessionStates) error) {
	if c.states == nil {
		return
	}
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := fn(cctx, c.states); err != nil {
		c.log.Warn().Err(err).Str("session", sessionID).Msg("session mirror update failed")
	}
}

func (c *Coordinator) mirrorStatus(ctx context.Context, status string, sessionIDs ...string) {
	for _, sid := range sessionIDs {
		c.mirror(ctx, sid, func(ctx context.Context, s SessionStates) error {
			return s.UpdateStatus(ctx, sid, status)
		})
	}
}

// recordGauges refreshes the queue and match gauges. Must be called with mu
// held.
func (c *Coordinator) recordGauges() {
	metrics.MatchQueueSize.Set(float64(c.queue.Len()))
	metrics.ActiveMatches.Set(float64(c.tracker.Len()))
}
