// Package message implements the message lifecycle: creation through the
// moderation engine, owner-only edits and soft deletes under fixed time
// windows, and the hard delete reserved for moderation actions.
package message

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max frame payload size
	MaxTextChars    = 2000 // max character count
)

// Lifecycle errors, distinguished so the transport layer can map them to
// the right user-visible event.
var (
	ErrNotFound      = errors.New("message: not found")
	ErrNotOwner      = errors.New("message: not your message")
	ErrDeleted       = errors.New("message: already deleted")
	ErrWindowExpired = errors.New("message: window exceeded")
	ErrBlocked       = errors.New("message: blocked by moderation")
)

// Attachment is an optional image carried alongside message text. The relay
// stores the reference and forwards the metadata; upload handling happens
// elsewhere.
type Attachment struct {
	URL        string
	Flagged    bool
	FlagReason string
}

// Message is a persisted chat message. Deletion is soft: the row is
// retained with IsDeleted set. Once deleted a message accepts no further
// edits.
type Message struct {
	ID         string
	Room       string
	SenderID   string
	Content    string
	Image      *Attachment
	CreatedAt  time.Time
	IsEdited   bool
	EditedAt   time.Time
	IsDeleted  bool
	DeletedAt  time.Time
	Flagged    bool
	FlagReason string
}

// ValidateText checks that message text meets content requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
