package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pairline/realtime/internal/chat"
	"github.com/pairline/realtime/internal/logging"
)

// MockUsers is a mock implementation of UserGateway.
type MockUsers struct {
	mock.Mock
}

func (m *MockUsers) FindByID(ctx context.Context, userID string) (*chat.Profile, error) {
	args := m.Called(userID)
	p, _ := args.Get(0).(*chat.Profile)
	return p, args.Error(1)
}

func (m *MockUsers) FollowsEachOther(ctx context.Context, a, b string) (bool, error) {
	args := m.Called(a, b)
	return args.Bool(0), args.Error(1)
}

// MockMessages is a mock implementation of MessageStore. Returning nil as the
// first value stamps the message with a generated id and the current time.
type MockMessages struct {
	mock.Mock
	seq atomic.Int64
}

func (m *MockMessages) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	args := m.Called(msg)
	if err := args.Error(1); err != nil {
		return chat.Message{}, err
	}
	if out, ok := args.Get(0).(chat.Message); ok {
		return out, nil
	}
	msg.ID = fmt.Sprintf("msg-%d", m.seq.Add(1))
	msg.CreatedAt = time.Now()
	return msg, nil
}

// frameLog records every frame the coordinator writes, per session.
type frameLog struct {
	mu     sync.Mutex
	frames map[string][]string
	closed map[string]bool
}

func newFrameLog() *frameLog {
	return &frameLog{frames: make(map[string][]string), closed: make(map[string]bool)}
}

func (f *frameLog) SendMessage(sessionID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed[sessionID] {
		return fmt.Errorf("connection %s not found", sessionID)
	}
	f.frames[sessionID] = append(f.frames[sessionID], string(data))
	return nil
}

// ofType returns the frames of msgType sent to sessionID, in order.
func (f *frameLog) ofType(sessionID, msgType string) []gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gjson.Result
	for _, raw := range f.frames[sessionID] {
		if gjson.Get(raw, "type").Str == msgType {
			out = append(out, gjson.Parse(raw))
		}
	}
	return out
}

func (f *frameLog) count(sessionID, msgType string) int {
	return len(f.ofType(sessionID, msgType))
}

func (f *frameLog) last(sessionID, msgType string) gjson.Result {
	all := f.ofType(sessionID, msgType)
	if len(all) == 0 {
		return gjson.Result{}
	}
	return all[len(all)-1]
}

func (f *frameLog) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = make(map[string][]string)
}

// fakeBus records published events.
type fakeBus struct {
	mu     sync.Mutex
	events map[string][]string
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string][]string)
	}
	b.events[subject] = append(b.events[subject], string(data))
	return nil
}

func (b *fakeBus) get(subject string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events[subject]...)
}

// fakeStates records the mirrored session state.
type fakeStates struct {
	mu     sync.Mutex
	status map[string]string
	users  map[string]string
}

func newFakeStates() *fakeStates {
	return &fakeStates{status: make(map[string]string), users: make(map[string]string)}
}

func (s *fakeStates) Create(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[sessionID] = "idle"
	return nil
}

func (s *fakeStates) SetUser(ctx context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[sessionID] = userID
	return nil
}

func (s *fakeStates) UpdateStatus(ctx context.Context, sessionID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.status[sessionID]; ok {
		s.status[sessionID] = status
	}
	return nil
}

func (s *fakeStates) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.status, sessionID)
	delete(s.users, sessionID)
	return nil
}

func (s *fakeStates) get(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[sessionID]
	return st, ok
}

// harness wires a Coordinator to mocks and fakes.
type harness struct {
	t      *testing.T
	ctx    context.Context
	c      *Coordinator
	users  *MockUsers
	store  *MockMessages
	out    *frameLog
	bus    *fakeBus
	states *fakeStates
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		users:  new(MockUsers),
		store:  new(MockMessages),
		out:    newFrameLog(),
		bus:    &fakeBus{},
		states: newFakeStates(),
	}
	h.c = NewCoordinator(h.users, h.store, logging.Discard())
	h.c.SetSender(h.out)
	h.c.SetEventPublisher(h.bus)
	h.c.SetSessionStates(h.states)
	return h
}

// user registers a profile the gateway will return.
func (h *harness) user(id, name, gender string) {
	h.users.On("FindByID", id).Return(&chat.Profile{
		ID:          id,
		DisplayName: name,
		Avatar:      "https://cdn.example/" + id + ".png",
		Country:     "NO",
		Gender:      gender,
	}, nil).Maybe()
}

// follows sets the gateway's answer for a mutual-follow query in both orders.
func (h *harness) follows(a, b string, mutual bool) {
	h.users.On("FollowsEachOther", a, b).Return(mutual, nil).Maybe()
	h.users.On("FollowsEachOther", b, a).Return(mutual, nil).Maybe()
}

// connect registers and identifies a session.
func (h *harness) connect(sessionID, userID string) {
	h.t.Helper()
	h.c.Connect(h.ctx, sessionID)
	require.NoError(h.t, h.c.Identify(h.ctx, sessionID, userID))
}

// recordMatches lets the store accept system messages.
func (h *harness) recordMatches() {
	h.store.On("Append", mock.MatchedBy(func(m chat.Message) bool {
		return m.Kind == chat.KindSystem
	})).Return(nil, nil).Maybe()
}

func (h *harness) partner(sessionID string) (string, bool) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.tracker.Partner(sessionID)
}

func (h *harness) queueLen() int {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.queue.Len()
}
