// Package channel provides PostgreSQL-backed storage for room records.
// Counter updates use atomic in-place increments at the store level so two
// connections mutating the same room concurrently never lose an update.
package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a channel slug is unknown.
var ErrNotFound = errors.New("channel: not found")

// Channel is a persisted room record. ActiveUsers is an eventually
// consistent mirror of the in-memory presence count, never the source of
// truth for broadcast decisions.
type Channel struct {
	Slug          string
	DisplayName   string
	ActiveUsers   int
	LastActivity  time.Time
	TotalMessages int64
	IsFeatured    bool
	CreatedAt     time.Time
}

// Store manages channel records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a channel store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// JoinIncrement atomically increments a channel's active-user count,
// creating the channel lazily with a count of 1 if it does not exist.
func (s *Store) JoinIncrement(ctx context.Context, slug string) error {
	const query = `
		INSERT INTO channels (slug, display_name, active_users, last_activity)
		VALUES ($1, $1, 1, NOW())
		ON CONFLICT (slug) DO UPDATE
		SET active_users = channels.active_users + 1,
		    last_activity = NOW()`

	if _, err := s.db.ExecContext(ctx, query, slug); err != nil {
		return fmt.Errorf("channel: join increment %q: %w", slug, err)
	}
	return nil
}

// LeaveDecrement atomically decrements a channel's active-user count,
// clamped at zero. A decrement for an unknown slug is a no-op.
func (s *Store) LeaveDecrement(ctx context.Context, slug string) error {
	const query = `
		UPDATE channels
		SET active_users = GREATEST(active_users - 1, 0),
		    last_activity = NOW()
		WHERE slug = $1`

	if _, err := s.db.ExecContext(ctx, query, slug); err != nil {
		return fmt.Errorf("channel: leave decrement %q: %w", slug, err)
	}
	return nil
}

// BumpMessage atomically increments a channel's message counter and
// refreshes its activity timestamp.
func (s *Store) BumpMessage(ctx context.Context, slug string) error {
	const query = `
		UPDATE channels
		SET total_messages = total_messages + 1,
		    last_activity = NOW()
		WHERE slug = $1`

	if _, err := s.db.ExecContext(ctx, query, slug); err != nil {
		return fmt.Errorf("channel: bump message %q: %w", slug, err)
	}
	return nil
}

// Get retrieves a channel record by slug.
func (s *Store) Get(ctx context.Context, slug string) (*Channel, error) {
	const query = `
		SELECT slug, display_name, active_users, last_activity,
		       total_messages, is_featured, created_at
		FROM channels
		WHERE slug = $1`

	var c Channel
	err := s.db.QueryRowContext(ctx, query, slug).Scan(
		&c.Slug, &c.DisplayName, &c.ActiveUsers, &c.LastActivity,
		&c.TotalMessages, &c.IsFeatured, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("channel: get %q: %w", slug, err)
	}
	return &c, nil
}

// SetFeatured marks or unmarks a channel as featured. Featured channels are
// exempt from pruning.
func (s *Store) SetFeatured(ctx context.Context, slug string, featured bool) error {
	const query = `UPDATE channels SET is_featured = $2 WHERE slug = $1`

	res, err := s.db.ExecContext(ctx, query, slug, featured)
	if err != nil {
		return fmt.Errorf("channel: set featured %q: %w", slug, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneInactive deletes channels whose last activity is older than the
// retention window and that are not featured. Returns the number of
// channels removed.
func (s *Store) PruneInactive(ctx context.Context, retention time.Duration) (int64, error) {
	const query = `
		DELETE FROM channels
		WHERE last_activity < NOW() - $1::interval
		  AND NOT is_featured`

	res, err := s.db.ExecContext(ctx, query, retention.String())
	if err != nil {
		return 0, fmt.Errorf("channel: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("channel: prune rows affected: %w", err)
	}
	return n, nil
}
