// Package postgres provides PostgreSQL-backed user lookups, the follow graph
// and message persistence. The schema is managed with golang-migrate from the
// embedded migrations directory.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pairline/realtime/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements the user gateway and message store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Migrate brings the schema up to the latest embedded version.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migrations source: %w", err)
	}
	driver, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindByID returns userID's profile, or nil if there is no such user.
func (s *Store) FindByID(ctx context.Context, userID string) (*chat.Profile, error) {
	const query = `
		SELECT id, full_name, avatar, country, gender
		FROM users
		WHERE id = $1`

	var p chat.Profile
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&p.ID, &p.DisplayName, &p.Avatar, &p.Country, &p.Gender)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find user %s: %w", userID, err)
	}
	return &p, nil
}

// FindProfiles returns the profiles of the existing users among ids.
func (s *Store) FindProfiles(ctx context.Context, ids []string) (map[string]chat.Profile, error) {
	out := make(map[string]chat.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	const query = `
		SELECT id, full_name, avatar, country, gender
		FROM users
		WHERE id = ANY($1)`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: find profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p chat.Profile
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Avatar, &p.Country, &p.Gender); err != nil {
			return nil, fmt.Errorf("postgres: scan profile: %w", err)
		}
		out[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: find profiles: %w", err)
	}
	return out, nil
}

// FollowsEachOther reports whether both follow edges between a and b exist.
func (s *Store) FollowsEachOther(ctx context.Context, a, b string) (bool, error) {
	const query = `
		SELECT COUNT(*)
		FROM follows
		WHERE (follower_id = $1 AND followee_id = $2)
		   OR (follower_id = $2 AND followee_id = $1)`

	var n int
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&n); err != nil {
		return false, fmt.Errorf("postgres: follows %s/%s: %w", a, b, err)
	}
	return n == 2, nil
}

// Follow records that follower follows followee. Repeating it is harmless.
func (s *Store) Follow(ctx context.Context, follower, followee string) error {
	const query = `
		INSERT INTO follows (follower_id, followee_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, follower, followee); err != nil {
		return fmt.Errorf("postgres: follow: %w", err)
	}
	return nil
}

// Append inserts msg as unread and returns it with its id and creation time.
func (s *Store) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, body, kind)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	msg.ID = uuid.NewString()
	msg.Read = false
	err := s.db.QueryRowContext(ctx, query, msg.ID, msg.SenderID, msg.ReceiverID, msg.Body, string(msg.Kind)).
		Scan(&msg.CreatedAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("postgres: append message: %w", err)
	}
	return msg, nil
}

// History returns up to limit messages sent or received by userID, newest
// first. A limit of zero or less means no limit.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]chat.Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, body, kind, read, created_at
		FROM messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC, id
		LIMIT NULLIF($2::int, 0)`

	if limit < 0 {
		limit = 0
	}
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: history %s: %w", userID, err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m    chat.Message
			kind string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &kind, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		m.Kind = chat.Kind(kind)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: history %s: %w", userID, err)
	}
	return out, nil
}

// PutUser inserts or updates a user row. It is used by seeding tools and
// tests; accounts are normally owned by the account service.
func (s *Store) PutUser(ctx context.Context, username string, p chat.Profile) error {
	const query = `
		INSERT INTO users (id, username, full_name, avatar, country, gender)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    full_name = EXCLUDED.full_name,
		    avatar = EXCLUDED.avatar,
		    country = EXCLUDED.country,
		    gender = EXCLUDED.gender`

	_, err := s.db.ExecContext(ctx, query, p.ID, username, p.DisplayName, p.Avatar, p.Country, p.Gender)
	if err != nil {
		return fmt.Errorf("postgres: put user %s: %w", p.ID, err)
	}
	return nil
}
