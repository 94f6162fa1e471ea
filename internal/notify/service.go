// Package notify consumes coordinator events from NATS and keeps the state a
// push or mail sender needs in Redis: per-user counters of messages that
// arrived while the receiver had no live session, and the presence count
// reported by every realtime server.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/messaging"
)

const (
	keyPendingPrefix = "pairline:pending:"
	keyPresence      = "pairline:presence"

	pendingTTL     = 7 * 24 * time.Hour
	presenceMaxAge = 2 * time.Minute
	pruneInterval  = 30 * time.Second
)

// Subscriber is the subset of *messaging.NATSClient used by Service.
type Subscriber interface {
	Subscribe(subject string, handler func(msg *nats.Msg)) error
	Unsubscribe(subject string) error
}

// serverPresence is one server's last reported session count.
type serverPresence struct {
	Count int   `json:"count"`
	At    int64 `json:"at"`
}

// Service records undelivered messages and cluster presence.
type Service struct {
	rdb    *redis.Client
	sub    Subscriber
	topics []string
	log    zerolog.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates a notify service backed by rdb.
func NewService(rdb *redis.Client, sub Subscriber, logger zerolog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		rdb:    rdb,
		sub:    sub,
		log:    logging.Component(logger, "notify"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the coordinator subjects and starts the presence
// pruning loop.
func (s *Service) Start() error {
	handlers := []struct {
		subject string
		fn      func(msg *nats.Msg)
	}{
		{messaging.SubjectMessageUndelivered, s.onUndelivered},
		{messaging.SubjectPresence, s.onPresence},
		{messaging.SubjectMatchCreated, s.onMatchCreated},
	}
	for _, h := range handlers {
		if err := s.sub.Subscribe(h.subject, h.fn); err != nil {
			return err
		}
		s.topics = append(s.topics, h.subject)
	}

	go s.pruneLoop()

	s.log.Info().Msg("service started")
	return nil
}

// Stop unsubscribes from every subject Start subscribed to and ends the
// pruning loop.
func (s *Service) Stop() {
	for _, subject := range s.topics {
		if err := s.sub.Unsubscribe(subject); err != nil {
			s.log.Warn().Err(err).Str("subject", subject).Msg("unsubscribe failed")
		}
	}
	s.topics = nil
	s.cancel()
	s.log.Info().Msg("service stopped")
}

func (s *Service) onUndelivered(msg *nats.Msg) {
	if err := s.RecordUndelivered(s.ctx, msg.Data); err != nil {
		s.log.Warn().Err(err).Msg("undelivered event dropped")
	}
}

func (s *Service) onPresence(msg *nats.Msg) {
	server := msg.Header.Get(messaging.HeaderServer)
	if err := s.RecordPresence(s.ctx, server, msg.Data); err != nil {
		s.log.Warn().Err(err).Str("server", server).Msg("presence event dropped")
	}
}

func (s *Service) onMatchCreated(msg *nats.Msg) {
	var ev messaging.MatchCreatedEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.log.Warn().Err(err).Msg("invalid match event")
		return
	}
	s.log.Info().
		Str("server", msg.Header.Get(messaging.HeaderServer)).
		Str("requester", ev.RequesterUser).
		Str("candidate", ev.CandidateUser).
		Int64("waited_ms", ev.WaitedMillis).
		Msg("match created")
}

// RecordUndelivered counts a message event against its receiver, keyed by
// sender.
func (s *Service) RecordUndelivered(ctx context.Context, data []byte) error {
	var ev messaging.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("notify: decode message event: %w", err)
	}
	if ev.ReceiverID == "" || ev.SenderID == "" {
		return fmt.Errorf("notify: message event %q missing sender or receiver", ev.ID)
	}

	key := keyPendingPrefix + ev.ReceiverID
	pipe := s.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, ev.SenderID, 1)
	pipe.Expire(ctx, key, pendingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify: record pending for %s: %w", ev.ReceiverID, err)
	}

	s.log.Debug().Str("user", ev.ReceiverID).Str("sender", ev.SenderID).Msg("pending message recorded")
	return nil
}

// Pending returns the receiver's undelivered message counts per sender.
func (s *Service) Pending(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, keyPendingPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("notify: pending for %s: %w", userID, err)
	}
	out := make(map[string]int64, len(raw))
	for sender, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[sender] = n
	}
	return out, nil
}

// ClearPending forgets the receiver's counters once they have been notified.
func (s *Service) ClearPending(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, keyPendingPrefix+userID).Err(); err != nil {
		return fmt.Errorf("notify: clear pending for %s: %w", userID, err)
	}
	return nil
}

// RecordPresence stores server's latest session count.
func (s *Service) RecordPresence(ctx context.Context, server string, data []byte) error {
	if server == "" {
		return fmt.Errorf("notify: presence event without %s header", messaging.HeaderServer)
	}
	var ev messaging.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("notify: decode presence event: %w", err)
	}
	at := ev.At
	if at == 0 {
		at = s.now().UnixMilli()
	}
	val, err := json.Marshal(serverPresence{Count: ev.Count, At: at})
	if err != nil {
		return fmt.Errorf("notify: encode presence: %w", err)
	}
	if err := s.rdb.HSet(ctx, keyPresence, server, val).Err(); err != nil {
		return fmt.Errorf("notify: record presence for %s: %w", server, err)
	}
	return nil
}

// ClusterPresence sums the session counts of servers that reported within
// the last two minutes.
func (s *Service) ClusterPresence(ctx context.Context) (int, error) {
	entries, err := s.rdb.HGetAll(ctx, keyPresence).Result()
	if err != nil {
		return 0, fmt.Errorf("notify: cluster presence: %w", err)
	}
	cutoff := s.now().Add(-presenceMaxAge).UnixMilli()
	total := 0
	for _, v := range entries {
		var p serverPresence
		if json.Unmarshal([]byte(v), &p) != nil || p.At < cutoff {
			continue
		}
		total += p.Count
	}
	return total, nil
}

// PruneStale removes servers that have not reported recently and returns
// how many were removed.
func (s *Service) PruneStale(ctx context.Context) (int, error) {
	entries, err := s.rdb.HGetAll(ctx, keyPresence).Result()
	if err != nil {
		return 0, fmt.Errorf("notify: prune presence: %w", err)
	}
	cutoff := s.now().Add(-presenceMaxAge).UnixMilli()
	var stale []string
	for server, v := range entries {
		var p serverPresence
		if json.Unmarshal([]byte(v), &p) != nil || p.At < cutoff {
			stale = append(stale, server)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.rdb.HDel(ctx, keyPresence, stale...).Err(); err != nil {
		return 0, fmt.Errorf("notify: prune presence: %w", err)
	}
	return len(stale), nil
}

func (s *Service) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PruneStale(s.ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("prune failed")
				continue
			}
			if n > 0 {
				s.log.Info().Int("servers", n).Msg("pruned stale presence")
			}
			if total, err := s.ClusterPresence(s.ctx); err == nil {
				s.log.Debug().Int("count", total).Msg("cluster presence")
			}
		}
	}
}
