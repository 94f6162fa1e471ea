package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairline/realtime/internal/protocol"
)

// stallSender blocks every write to one session until released, and records
// everything else in a frameLog.
type stallSender struct {
	*frameLog
	slow    string
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newStallSender(out *frameLog, slow string) *stallSender {
	return &stallSender{frameLog: out, slow: slow, gate: make(chan struct{}), entered: make(chan struct{})}
}

func (s *stallSender) SendMessage(sessionID string, data []byte) error {
	if sessionID == s.slow {
		s.once.Do(func() { close(s.entered) })
		<-s.gate
	}
	return s.frameLog.SendMessage(sessionID, data)
}

func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s blocked for more than %s", what, d)
	}
}

func TestSlowPeerDoesNotStallOtherSessions(t *testing.T) {
	h := newHarness(t)
	stall := newStallSender(h.out, "slow")
	h.c.SetSender(stall)

	go h.c.Connect(h.ctx, "slow")
	select {
	case <-stall.entered:
	case <-time.After(time.Second):
		t.Fatal("write to slow session never started")
	}

	within(t, time.Second, "Connect", func() {
		h.c.Connect(h.ctx, "a")
		h.c.Connect(h.ctx, "b")
	})

	var st Stats
	within(t, time.Second, "Stats", func() { st = h.c.Stats() })
	assert.Equal(t, 3, st.Sessions)

	assert.Equal(t, int64(3), h.out.last("a", protocol.TypePresenceCount).Get("count").Int())
	assert.Equal(t, int64(3), h.out.last("b", protocol.TypePresenceCount).Get("count").Int())
	assert.Equal(t, 0, h.out.count("slow", protocol.TypeSessionCreated))

	close(stall.gate)
	require.Eventually(t, func() bool {
		return h.out.count("slow", protocol.TypePresenceCount) == 3
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.out.count("slow", protocol.TypeSessionCreated))
	var counts []int64
	for _, f := range h.out.ofType("slow", protocol.TypePresenceCount) {
		counts = append(counts, f.Get("count").Int())
	}
	assert.Equal(t, []int64{1, 2, 3}, counts)
}

func TestFramesToOneSessionKeepOrderAcrossWriters(t *testing.T) {
	h := newHarness(t)
	h.c.Connect(h.ctx, "watcher")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.c.Connect(h.ctx, fmt.Sprintf("s%02d", i))
		}(i)
	}
	wg.Wait()

	var counts []int64
	for _, f := range h.out.ofType("watcher", protocol.TypePresenceCount) {
		counts = append(counts, f.Get("count").Int())
	}
	require.Len(t, counts, 21)
	for i, n := range counts {
		assert.Equal(t, int64(i+1), n)
	}
}

func TestMailbox_DropsWhenFull(t *testing.T) {
	m := newMailbox("s1")
	for i := 0; i < mailboxLimit; i++ {
		require.True(t, m.push([]byte("x")))
	}
	assert.False(t, m.push([]byte("overflow")))

	var n int
	m.drain(func([]byte) { n++ })
	assert.Equal(t, mailboxLimit, n)
	assert.True(t, m.push([]byte("again")))
}

func TestMailbox_SecondDrainerReturnsImmediately(t *testing.T) {
	m := newMailbox("s1")
	m.push([]byte("first"))

	release := make(chan struct{})
	started := make(chan struct{})
	var got []string
	var mu sync.Mutex
	go m.drain(func(data []byte) {
		if string(data) == "first" {
			close(started)
			<-release
		}
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	<-started

	m.push([]byte("second"))
	within(t, time.Second, "drain", func() {
		m.drain(func([]byte) { t.Error("second drainer wrote a frame") })
	})

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, got)
}
