// Package rooms tracks which connections belong to which room and fans
// room events out to them. Events travel through NATS so that every relay
// instance with members in a room delivers them; each instance holds one
// subscription per room regardless of how many local members it has.
package rooms

import (
	"log"
	"sync"
	"time"

	"github.com/relay/chat-relay/internal/message"
	"github.com/relay/chat-relay/internal/protocol"
)

// Conn is the connection surface the registry needs. *ws.Connection
// satisfies it.
type Conn interface {
	Send(data []byte) error
}

// Bus is the cross-instance event transport. *messaging.NATSClient
// satisfies it. A nil Bus keeps delivery instance-local.
type Bus interface {
	PublishRoomEvent(room string, data []byte) error
	SubscribeToRoom(room string, handler func(data []byte)) error
	UnsubscribeFromRoom(room string) error
}

// Registry maps rooms to their local member connections.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]Conn // room slug -> conn ID -> conn
	rooms   map[string]string          // conn ID -> room slug
	bus     Bus
	history *History
}

// NewRegistry creates an empty registry publishing through bus.
func NewRegistry(bus Bus) *Registry {
	return &Registry{
		members: make(map[string]map[string]Conn),
		rooms:   make(map[string]string),
		bus:     bus,
		history: NewHistory(),
	}
}

// Join adds a connection to a room, removing it from its previous room
// first. Joining the current room again is a no-op.
func (r *Registry) Join(connID string, conn Conn, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := connID
	if r.rooms[id] == room {
		return
	}
	r.removeLocked(id)

	peers, ok := r.members[room]
	if !ok {
		peers = make(map[string]Conn)
		r.members[room] = peers
		if r.bus != nil {
			if err := r.bus.SubscribeToRoom(room, func(data []byte) {
				r.deliver(room, data)
			}); err != nil {
				log.Printf("[rooms] subscribe room=%s: %v", room, err)
			}
		}
	}
	peers[id] = conn
	r.rooms[id] = room
}

// Leave removes a connection from its current room. Returns the room it
// left, or "" if it was not in one.
func (r *Registry) Leave(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

// removeLocked drops the connection from its room and tears the room down
// if it was the last local member. Caller holds the write lock.
func (r *Registry) removeLocked(connID string) string {
	room, ok := r.rooms[connID]
	if !ok {
		return ""
	}
	delete(r.rooms, connID)

	peers := r.members[room]
	delete(peers, connID)
	if len(peers) == 0 {
		delete(r.members, room)
		r.history.Remove(room)
		if r.bus != nil {
			if err := r.bus.UnsubscribeFromRoom(room); err != nil {
				log.Printf("[rooms] unsubscribe room=%s: %v", room, err)
			}
		}
	}
	return room
}

// Room returns the room a connection currently belongs to.
func (r *Registry) Room(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[connID]
	return room, ok
}

// Recent returns the retained recent messages for a room, oldest first.
func (r *Registry) Recent(room string) []HistoryEntry {
	return r.history.Recent(room)
}

// BroadcastUserCount sends the room's new occupant count to its members.
func (r *Registry) BroadcastUserCount(room string, count int) {
	r.send(room, protocol.TypeUserCount, protocol.UserCountMsg{
		Room:  room,
		Count: count,
	})
}

// BroadcastMessage delivers an accepted message to the room and retains it
// in the room's recent history. Flag metadata rides along so privileged
// clients can render it; an attached image is forwarded as-is.
func (r *Registry) BroadcastMessage(room string, m *message.Message) {
	r.history.Add(room, HistoryEntry{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Ts:        m.CreatedAt.Unix(),
	})
	var image *protocol.ImageAttachment
	if m.Image != nil {
		image = &protocol.ImageAttachment{
			URL:        m.Image.URL,
			IsFlagged:  m.Image.Flagged,
			FlagReason: m.Image.FlagReason,
		}
	}
	r.send(room, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		ID:         m.ID,
		Content:    m.Content,
		Sender:     m.SenderID,
		Timestamp:  m.CreatedAt.Unix(),
		Image:      image,
		Flagged:    m.Flagged,
		FlagReason: m.FlagReason,
	})
}

// BroadcastUpdate delivers an accepted edit to the room.
func (r *Registry) BroadcastUpdate(room string, m *message.Message) {
	r.send(room, protocol.TypeMessageUpdated, protocol.MessageUpdatedMsg{
		ID:       m.ID,
		Content:  m.Content,
		IsEdited: m.IsEdited,
		EditedAt: m.EditedAt.Unix(),
		Flagged:  m.Flagged,
	})
}

// BroadcastDeletion delivers a soft delete to the room. Only the
// identifier travels, never the removed content.
func (r *Registry) BroadcastDeletion(room, messageID string, deletedAt time.Time) {
	r.send(room, protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		ID:        messageID,
		IsDeleted: true,
		DeletedAt: deletedAt.Unix(),
	})
}

// send encodes a server event and publishes it to the room. Without a bus
// the event is delivered to local members directly; with one, delivery
// happens in the subscription handler so every instance behaves the same.
func (r *Registry) send(room, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[rooms] encode %s for room=%s: %v", msgType, room, err)
		return
	}

	if r.bus == nil {
		r.deliver(room, data)
		return
	}
	if err := r.bus.PublishRoomEvent(room, data); err != nil {
		log.Printf("[rooms] publish room=%s: %v", room, err)
		r.deliver(room, data)
	}
}

// deliver writes raw event bytes to every local member of the room.
func (r *Registry) deliver(room string, data []byte) {
	type member struct {
		id   string
		conn Conn
	}

	r.mu.RLock()
	conns := make([]member, 0, len(r.members[room]))
	for id, c := range r.members[room] {
		conns = append(conns, member{id: id, conn: c})
	}
	r.mu.RUnlock()

	for _, m := range conns {
		if err := m.conn.Send(data); err != nil {
			log.Printf("[rooms] send to conn=%s room=%s: %v", m.id, room, err)
		}
	}
}
