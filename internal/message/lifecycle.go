package message

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relay/chat-relay/internal/moderation"
)

const (
	// DefaultEditWindow is how long after creation the owner may edit.
	DefaultEditWindow = 10 * time.Minute

	// DefaultDeleteWindow is how long after creation the owner may delete.
	DefaultDeleteWindow = 10 * time.Minute
)

// ChannelBumper increments the room's message counter and activity
// timestamp. *channel.Store satisfies it.
type ChannelBumper interface {
	BumpMessage(ctx context.Context, slug string) error
}

// Broadcaster fans lifecycle events out to room members in admission order.
type Broadcaster interface {
	BroadcastMessage(room string, m *Message)
	BroadcastUpdate(room string, m *Message)
	BroadcastDeletion(room, messageID string, deletedAt time.Time)
}

// Lifecycle drives the per-message state machine:
// created -> [edited]* -> (deleted | unchanged), terminal once deleted.
type Lifecycle struct {
	store        Store
	engine       *moderation.Engine
	channels     ChannelBumper // nil disables counter mirroring
	broadcaster  Broadcaster
	editWindow   time.Duration
	deleteWindow time.Duration
	now          func() time.Time

	ordMu   sync.Mutex
	roomOrd map[string]*sync.Mutex
}

// NewLifecycle wires the lifecycle with default edit/delete windows.
func NewLifecycle(store Store, engine *moderation.Engine, channels ChannelBumper, b Broadcaster) *Lifecycle {
	return &Lifecycle{
		store:        store,
		engine:       engine,
		channels:     channels,
		broadcaster:  b,
		editWindow:   DefaultEditWindow,
		deleteWindow: DefaultDeleteWindow,
		now:          time.Now,
		roomOrd:      make(map[string]*sync.Mutex),
	}
}

// roomLock returns the mutex serializing admission and broadcast for one
// room. Holding it from Evaluate through the broadcast keeps delivery order
// equal to admission order.
func (l *Lifecycle) roomLock(room string) *sync.Mutex {
	l.ordMu.Lock()
	defer l.ordMu.Unlock()
	mu, ok := l.roomOrd[room]
	if !ok {
		mu = &sync.Mutex{}
		l.roomOrd[room] = mu
	}
	return mu
}

// Create moderates and persists a new message, then broadcasts it to the
// room. A block verdict rejects the message with ErrBlocked; the returned
// verdict carries the reason and severity for the sender-only rejection
// event. An image-only message (empty text with an attachment) skips text
// validation but still counts against the sender's rate limit. Persistence
// failures after a successful moderation check are logged and do not
// suppress the broadcast.
func (l *Lifecycle) Create(ctx context.Context, senderID, room, text string, image *Attachment) (*Message, moderation.Verdict, error) {
	if text != "" || image == nil {
		if err := ValidateText(text); err != nil {
			return nil, moderation.Verdict{}, fmt.Errorf("message: %w", err)
		}
	}

	lock := l.roomLock(room)
	lock.Lock()
	defer lock.Unlock()

	verdict := l.engine.Evaluate(ctx, text, senderID, room)
	if verdict.Action == moderation.ActionBlock {
		return nil, verdict, ErrBlocked
	}

	m := &Message{
		ID:        uuid.New().String(),
		Room:      room,
		SenderID:  senderID,
		Content:   verdict.Content,
		Image:     image,
		CreatedAt: l.now(),
		Flagged:   verdict.Flagged,
	}
	if verdict.Flagged {
		m.FlagReason = verdict.Reason
	}

	if err := l.store.Insert(ctx, m); err != nil {
		log.Printf("[message] persist create id=%s room=%s failed: %v", m.ID, room, err)
	} else if l.channels != nil {
		if err := l.channels.BumpMessage(ctx, room); err != nil {
			log.Printf("[message] bump counter room=%s failed: %v", room, err)
		}
	}

	l.broadcaster.BroadcastMessage(room, m)
	return m, verdict, nil
}

// Edit replaces a message's content after re-running moderation on the new
// text. It fails if the message is unknown, the actor is not the original
// sender, the message is deleted, or the edit window has elapsed. A block
// verdict rejects the edit and leaves the original content unchanged.
func (l *Lifecycle) Edit(ctx context.Context, actorID, messageID, newText string) (*Message, moderation.Verdict, error) {
	if err := ValidateText(newText); err != nil {
		return nil, moderation.Verdict{}, fmt.Errorf("message: %w", err)
	}

	m, err := l.store.Get(ctx, messageID)
	if err != nil {
		return nil, moderation.Verdict{}, err
	}
	if err := l.checkMutable(m, actorID, l.editWindow); err != nil {
		return nil, moderation.Verdict{}, err
	}

	lock := l.roomLock(m.Room)
	lock.Lock()
	defer lock.Unlock()

	verdict := l.engine.Evaluate(ctx, newText, actorID, m.Room)
	if verdict.Action == moderation.ActionBlock {
		return nil, verdict, ErrBlocked
	}

	now := l.now()
	m.Content = verdict.Content
	m.IsEdited = true
	m.EditedAt = now
	m.Flagged = verdict.Flagged
	if verdict.Flagged {
		m.FlagReason = verdict.Reason
	} else {
		m.FlagReason = ""
	}

	if err := l.store.UpdateContent(ctx, messageID, m.Content, now, m.Flagged, m.FlagReason); err != nil {
		log.Printf("[message] persist edit id=%s failed: %v", messageID, err)
	}

	l.broadcaster.BroadcastUpdate(m.Room, m)
	return m, verdict, nil
}

// Delete soft-deletes a message under the same ownership and window checks
// as Edit. The row is retained; the broadcast carries only the identifier.
func (l *Lifecycle) Delete(ctx context.Context, actorID, messageID string) (*Message, error) {
	m, err := l.store.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := l.checkMutable(m, actorID, l.deleteWindow); err != nil {
		return nil, err
	}

	now := l.now()
	m.IsDeleted = true
	m.DeletedAt = now

	if err := l.store.SoftDelete(ctx, messageID, now); err != nil {
		log.Printf("[message] persist delete id=%s failed: %v", messageID, err)
	}

	l.broadcaster.BroadcastDeletion(m.Room, m.ID, now)
	return m, nil
}

// checkMutable enforces ownership, the deleted-is-terminal invariant, and
// the mutation window.
func (l *Lifecycle) checkMutable(m *Message, actorID string, window time.Duration) error {
	if m.SenderID != actorID {
		// Security relevant: someone tried to mutate another user's message.
		log.Printf("[message] AUTH actor=%s attempted mutation of message=%s owner=%s",
			actorID, m.ID, m.SenderID)
		return ErrNotOwner
	}
	if m.IsDeleted {
		return ErrDeleted
	}
	if l.now().Sub(m.CreatedAt) > window {
		return ErrWindowExpired
	}
	return nil
}
