package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/messaging"
)

type recordingSubscriber struct {
	handlers     map[string]func(*nats.Msg)
	unsubscribed []string
}

func (r *recordingSubscriber) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	if r.handlers == nil {
		r.handlers = make(map[string]func(*nats.Msg))
	}
	r.handlers[subject] = handler
	return nil
}

func (r *recordingSubscriber) Unsubscribe(subject string) error {
	if _, ok := r.handlers[subject]; !ok {
		return fmt.Errorf("no subscription for %s", subject)
	}
	delete(r.handlers, subject)
	r.unsubscribed = append(r.unsubscribed, subject)
	return nil
}

// setupTestService connects to a test Redis instance on localhost:6379.
// Tests are skipped if it is unavailable.
func setupTestService(t *testing.T) (*Service, *recordingSubscriber, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)
	sub := &recordingSubscriber{}
	svc := NewService(rdb, sub, logging.Discard())
	t.Cleanup(func() {
		svc.Stop()
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return svc, sub, ctx
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestStart_SubscribesToCoordinatorSubjects(t *testing.T) {
	sub := &recordingSubscriber{}
	svc := NewService(redis.NewClient(&redis.Options{Addr: "localhost:0"}), sub, logging.Discard())
	defer svc.Stop()

	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, subject := range []string{
		messaging.SubjectMessageUndelivered,
		messaging.SubjectPresence,
		messaging.SubjectMatchCreated,
	} {
		if sub.handlers[subject] == nil {
			t.Errorf("no handler for %s", subject)
		}
	}
}

func TestStop_UnsubscribesEverySubject(t *testing.T) {
	sub := &recordingSubscriber{}
	svc := NewService(redis.NewClient(&redis.Options{Addr: "localhost:0"}), sub, logging.Discard())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	svc.Stop()
	if len(sub.handlers) != 0 {
		t.Errorf("still subscribed to %d subjects after Stop", len(sub.handlers))
	}
	if len(sub.unsubscribed) != 3 {
		t.Errorf("unsubscribed %v, want three subjects", sub.unsubscribed)
	}

	// A second Stop has nothing left to release.
	svc.Stop()
	if len(sub.unsubscribed) != 3 {
		t.Errorf("second Stop unsubscribed again: %v", sub.unsubscribed)
	}
}

func TestPending_CountsPerSender(t *testing.T) {
	svc, sub, ctx := setupTestService(t)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	deliver := func(sender string) {
		msg := nats.NewMsg(messaging.SubjectMessageUndelivered)
		msg.Data = mustJSON(t, messaging.MessageEvent{ID: "m", SenderID: sender, ReceiverID: "alice"})
		sub.handlers[messaging.SubjectMessageUndelivered](msg)
	}
	deliver("bob")
	deliver("bob")
	deliver("carol")

	got, err := svc.Pending(ctx, "alice")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if got["bob"] != 2 || got["carol"] != 1 {
		t.Fatalf("unexpected pending counts: %v", got)
	}

	if err := svc.ClearPending(ctx, "alice"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = svc.Pending(ctx, "alice")
	if len(got) != 0 {
		t.Errorf("expected no pending after clear, got %v", got)
	}
}

func TestRecordUndelivered_Invalid(t *testing.T) {
	svc, _, ctx := setupTestService(t)

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("nope")},
		{"missing receiver", mustJSON(t, messaging.MessageEvent{SenderID: "bob"})},
		{"missing sender", mustJSON(t, messaging.MessageEvent{ReceiverID: "alice"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := svc.RecordUndelivered(ctx, tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClusterPresence_IgnoresStaleServers(t *testing.T) {
	svc, _, ctx := setupTestService(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	record := func(server string, count int, at time.Time) {
		t.Helper()
		data := mustJSON(t, messaging.PresenceEvent{Count: count, At: at.UnixMilli()})
		if err := svc.RecordPresence(ctx, server, data); err != nil {
			t.Fatalf("record %s: %v", server, err)
		}
	}
	record("ws-1", 4, now.Add(-10*time.Second))
	record("ws-2", 3, now)
	record("ws-3", 9, now.Add(-10*time.Minute))

	total, err := svc.ClusterPresence(ctx)
	if err != nil {
		t.Fatalf("cluster presence: %v", err)
	}
	if total != 7 {
		t.Errorf("expected 7 live sessions, got %d", total)
	}

	n, err := svc.PruneStale(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 stale server pruned, got %d", n)
	}

	record("ws-1", 5, now)
	total, _ = svc.ClusterPresence(ctx)
	if total != 8 {
		t.Errorf("expected latest report to replace the previous one, got %d", total)
	}
}

func TestRecordPresence_RequiresServer(t *testing.T) {
	svc, _, ctx := setupTestService(t)
	if err := svc.RecordPresence(ctx, "", mustJSON(t, messaging.PresenceEvent{Count: 1})); err == nil {
		t.Error("expected error for missing server header")
	}
}
