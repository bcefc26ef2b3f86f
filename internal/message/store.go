package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence surface the lifecycle needs. SQLStore implements
// it against PostgreSQL; tests substitute an in-memory fake.
type Store interface {
	Insert(ctx context.Context, m *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time, flagged bool, flagReason string) error
	SoftDelete(ctx context.Context, id string, deletedAt time.Time) error
	HardDelete(ctx context.Context, id string) error
}

// SQLStore manages message rows in PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a message store backed by the given database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Insert persists a new message row.
func (s *SQLStore) Insert(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages
			(id, room, sender_id, content, image_url, created_at, flagged, flag_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	imageURL := ""
	if m.Image != nil {
		imageURL = m.Image.URL
	}

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.Room, m.SenderID, m.Content, imageURL, m.CreatedAt, m.Flagged, m.FlagReason)
	if err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}
	return nil
}

// Get retrieves a message by id, including soft-deleted rows.
func (s *SQLStore) Get(ctx context.Context, id string) (*Message, error) {
	const query = `
		SELECT id, room, sender_id, content, image_url, created_at,
		       is_edited, edited_at, is_deleted, deleted_at,
		       flagged, flag_reason
		FROM messages
		WHERE id = $1`

	var (
		m         Message
		imageURL  string
		editedAt  sql.NullTime
		deletedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.Room, &m.SenderID, &m.Content, &imageURL, &m.CreatedAt,
		&m.IsEdited, &editedAt, &m.IsDeleted, &deletedAt,
		&m.Flagged, &m.FlagReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: get: %w", err)
	}
	if imageURL != "" {
		m.Image = &Attachment{URL: imageURL}
	}
	if editedAt.Valid {
		m.EditedAt = editedAt.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = deletedAt.Time
	}
	return &m, nil
}

// UpdateContent replaces a message's content and marks it edited, carrying
// the flag state recomputed for the new text. Deleted rows are never
// updated.
func (s *SQLStore) UpdateContent(ctx context.Context, id, content string, editedAt time.Time, flagged bool, flagReason string) error {
	const query = `
		UPDATE messages
		SET content = $2, is_edited = TRUE, edited_at = $3,
		    flagged = $4, flag_reason = $5
		WHERE id = $1 AND NOT is_deleted`

	res, err := s.db.ExecContext(ctx, query, id, content, editedAt, flagged, flagReason)
	if err != nil {
		return fmt.Errorf("message: update content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a message deleted while retaining the row.
func (s *SQLStore) SoftDelete(ctx context.Context, id string, deletedAt time.Time) error {
	const query = `
		UPDATE messages
		SET is_deleted = TRUE, deleted_at = $2
		WHERE id = $1 AND NOT is_deleted`

	res, err := s.db.ExecContext(ctx, query, id, deletedAt)
	if err != nil {
		return fmt.Errorf("message: soft delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDelete erases a message row outright. Reserved for moderation
// actions; the lifecycle's user-facing delete is SoftDelete.
func (s *SQLStore) HardDelete(ctx context.Context, id string) error {
	const query = `DELETE FROM messages WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("message: hard delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
