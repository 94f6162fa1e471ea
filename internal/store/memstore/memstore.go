// Package memstore is an in-process user and message store for development
// and tests. It implements the same methods as the Postgres and MongoDB
// backends.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairline/realtime/internal/chat"
)

// Store holds users, follow edges and messages in memory. It is safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	users    map[string]chat.Profile
	follows  map[string]map[string]bool // follower -> followee
	messages []chat.Message             // append order
	now      func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:   make(map[string]chat.Profile),
		follows: make(map[string]map[string]bool),
		now:     time.Now,
	}
}

// PutUser inserts or replaces a profile.
func (s *Store) PutUser(p chat.Profile) {
	s.mu.Lock()
	s.users[p.ID] = p
	s.mu.Unlock()
}

// Follow records that follower follows followee.
func (s *Store) Follow(follower, followee string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.follows[follower] == nil {
		s.follows[follower] = make(map[string]bool)
	}
	s.follows[follower][followee] = true
}

// FindByID returns the profile of userID, or nil if unknown.
func (s *Store) FindByID(ctx context.Context, userID string) (*chat.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// FollowsEachOther reports whether a and b follow each other.
func (s *Store) FollowsEachOther(ctx context.Context, a, b string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.follows[a][b] && s.follows[b][a], nil
}

// Append stores msg with a fresh id and timestamp. Read is always false.
func (s *Store) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now().UTC()
	msg.Read = false

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	return msg, nil
}

// History returns up to limit messages sent or received by userID, newest
// first. A limit of zero or less means no limit.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []chat.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SenderID != userID && m.ReceiverID != userID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	s.mu.RUnlock()

	// Append order already is time order; keep the sort stable for equal
	// timestamps.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// FindProfiles returns the known profiles among ids, keyed by id.
func (s *Store) FindProfiles(ctx context.Context, ids []string) (map[string]chat.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]chat.Profile, len(ids))
	for _, id := range ids {
		if p, ok := s.users[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
