package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the session state machine.
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusMatched   = "matched"
)

// Session represents a connection's state as mirrored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`     // empty until identified
	Status     string `redis:"status"`      // idle | searching | matched
	Server     string `redis:"server"`      // which coordinator instance holds the socket
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store mirrors session state into Redis so operators and sibling services
// can see who is connected where. The coordinator's in-memory state stays
// authoritative; the mirror is best-effort.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this coordinator instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session in Redis with idle status and 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"user_id":     "",
		"status":      StatusIdle,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// SetUser records the user a session identified as.
func (s *Store) SetUser(ctx context.Context, sessionID string, userID string) error {
	return s.touch(ctx, sessionID, "user_id", userID)
}

// UpdateStatus updates the session status and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status string) error {
	return s.touch(ctx, sessionID, "status", status)
}

// touch sets one field, bumps last_active and refreshes the TTL. Keys that
// already expired or were deleted are not recreated.
func (s *Store) touch(ctx context.Context, sessionID, field, value string) error {
	key := SessionPrefix + sessionID

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("session: %s %s: %w", field, sessionID, err)
	}
	if exists == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, field, value, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: %s %s: %w", field, sessionID, err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
