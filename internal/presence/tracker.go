// Package presence tracks per-room active-connection counts. The in-memory
// map owned by the Tracker is authoritative for broadcast decisions; the
// persisted channel counters are an eventually consistent mirror updated
// with best-effort atomic increments.
package presence

import (
	"context"
	"log"
	"sync"
	"time"
)

// ChannelStore mirrors presence changes to persistent channel records.
// *channel.Store satisfies it.
type ChannelStore interface {
	JoinIncrement(ctx context.Context, slug string) error
	LeaveDecrement(ctx context.Context, slug string) error
	PruneInactive(ctx context.Context, retention time.Duration) (int64, error)
}

// Broadcaster delivers the new occupant count to every member of a room.
type Broadcaster interface {
	BroadcastUserCount(room string, count int)
}

// SweepConfig tunes the periodic pruning of stale channels.
type SweepConfig struct {
	Interval  time.Duration // how often to sweep
	Retention time.Duration // channels inactive longer than this are pruned
}

// DefaultSweepConfig sweeps daily with a 30-day retention window.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:  24 * time.Hour,
		Retention: 30 * 24 * time.Hour,
	}
}

// Tracker owns the room occupancy counters. No other component mutates
// them; every read-modify-write runs under the tracker's mutex so counts
// never go negative regardless of event interleaving.
type Tracker struct {
	mu     sync.Mutex
	counts map[string]int    // room -> live connection count
	rooms  map[string]string // connection id -> current room

	store       ChannelStore // nil disables persistence
	broadcaster Broadcaster
}

// NewTracker creates a Tracker mirrored to store and broadcasting through b.
func NewTracker(store ChannelStore, b Broadcaster) *Tracker {
	return &Tracker{
		counts:      make(map[string]int),
		rooms:       make(map[string]string),
		store:       store,
		broadcaster: b,
	}
}

// Join moves a connection into room. If the connection already occupied a
// room, it leaves that room first (decrement, broadcast, best-effort
// persisted decrement). Returns the new room's count.
func (t *Tracker) Join(ctx context.Context, connID, room string) int {
	t.mu.Lock()
	prev, hadPrev := t.rooms[connID]
	if hadPrev && prev == room {
		// Re-joining the current room is a no-op.
		count := t.counts[room]
		t.mu.Unlock()
		return count
	}

	var prevCount int
	if hadPrev {
		prevCount = t.decrementLocked(prev)
	}
	t.rooms[connID] = room
	t.counts[room]++
	count := t.counts[room]
	t.mu.Unlock()

	if hadPrev {
		t.mirrorLeave(ctx, prev)
		t.broadcaster.BroadcastUserCount(prev, prevCount)
	}

	t.mirrorJoin(ctx, room)
	t.broadcaster.BroadcastUserCount(room, count)
	return count
}

// Leave removes a connection from its current room and clears its room
// association. Safe to call on disconnect and after an explicit leave: a
// connection with no current room is a no-op, so a disconnect racing a
// completed leave never double-decrements.
func (t *Tracker) Leave(ctx context.Context, connID string) (string, int) {
	t.mu.Lock()
	room, ok := t.rooms[connID]
	if !ok {
		t.mu.Unlock()
		return "", 0
	}
	delete(t.rooms, connID)
	count := t.decrementLocked(room)
	t.mu.Unlock()

	t.mirrorLeave(ctx, room)
	t.broadcaster.BroadcastUserCount(room, count)
	return room, count
}

// Count returns the live count for a room.
func (t *Tracker) Count(room string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[room]
}

// Room returns the room a connection currently occupies, if any.
func (t *Tracker) Room(connID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[connID]
	return room, ok
}

// decrementLocked decrements a room's count, clamped at zero, and drops the
// map entry when the room empties. Caller holds the mutex.
func (t *Tracker) decrementLocked(room string) int {
	count := t.counts[room] - 1
	if count <= 0 {
		count = 0
		delete(t.counts, room)
	} else {
		t.counts[room] = count
	}
	return count
}

// mirrorJoin persists an atomic increment on the channel record, creating
// the channel lazily. Best effort: failures are logged, the in-memory count
// stays authoritative.
func (t *Tracker) mirrorJoin(ctx context.Context, room string) {
	if t.store == nil {
		return
	}
	if err := t.store.JoinIncrement(ctx, room); err != nil {
		log.Printf("[presence] mirror join room=%s failed: %v", room, err)
	}
}

func (t *Tracker) mirrorLeave(ctx context.Context, room string) {
	if t.store == nil {
		return
	}
	if err := t.store.LeaveDecrement(ctx, room); err != nil {
		log.Printf("[presence] mirror leave room=%s failed: %v", room, err)
	}
}

// StartSweep runs the periodic channel prune in a background goroutine
// until done is closed. Inactive, non-featured channels older than the
// retention window are deleted.
func (t *Tracker) StartSweep(config SweepConfig, done <-chan struct{}) {
	if t.store == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := t.store.PruneInactive(ctx, config.Retention)
				cancel()
				if err != nil {
					log.Printf("[presence] sweep failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("[presence] sweep pruned %d inactive channels", n)
				}
			}
		}
	}()
}
