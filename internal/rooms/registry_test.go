package rooms

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relay/chat-relay/internal/message"
)

// fakeConn records every payload sent to it.
type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent [][]byte
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// fakeBus records publishes and loops them back through the room handler,
// the way a real broker echoes to the publishing instance.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
	subbed   []string
	unsubbed []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func([]byte))}
}

func (b *fakeBus) PublishRoomEvent(room string, data []byte) error {
	b.mu.Lock()
	h := b.handlers[room]
	b.mu.Unlock()
	if h != nil {
		h(data)
	}
	return nil
}

func (b *fakeBus) SubscribeToRoom(room string, handler func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[room] = handler
	b.subbed = append(b.subbed, room)
	return nil
}

func (b *fakeBus) UnsubscribeFromRoom(room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, room)
	b.unsubbed = append(b.unsubbed, room)
	return nil
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return m
}

func TestJoinAndBroadcast(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}

	r.Join(alice.id, alice, "general")
	r.Join(bob.id, bob, "general")

	r.BroadcastMessage("general", &message.Message{
		ID:        "m-1",
		Room:      "general",
		SenderID:  "alice",
		Content:   "hello",
		CreatedAt: time.Unix(1700000000, 0),
	})

	for _, c := range []*fakeConn{alice, bob} {
		got := c.received()
		if len(got) != 1 {
			t.Fatalf("conn %s received %d events, want 1", c.id, len(got))
		}
		ev := decode(t, got[0])
		if ev["type"] != "receive_message" || ev["id"] != "m-1" || ev["content"] != "hello" {
			t.Errorf("conn %s got %v", c.id, ev)
		}
	}
}

func TestBroadcastScopedToRoom(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}

	r.Join(alice.id, alice, "general")
	r.Join(bob.id, bob, "random")

	r.BroadcastUserCount("general", 1)

	if len(alice.received()) != 1 {
		t.Error("general member missed room event")
	}
	if len(bob.received()) != 0 {
		t.Error("random member received general event")
	}
}

func TestJoinMovesConnection(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}

	r.Join(alice.id, alice, "general")
	r.Join(alice.id, alice, "random")

	if room, _ := r.Room("alice"); room != "random" {
		t.Errorf("room = %q, want random", room)
	}

	r.BroadcastUserCount("general", 0)
	if len(alice.received()) != 0 {
		t.Error("connection still receiving events from previous room")
	}
}

func TestJoinSameRoomNoOp(t *testing.T) {
	bus := newFakeBus()
	r := NewRegistry(bus)
	alice := &fakeConn{id: "alice"}

	r.Join(alice.id, alice, "general")
	r.Join(alice.id, alice, "general")

	if len(bus.subbed) != 1 {
		t.Errorf("subscriptions = %v, want exactly one", bus.subbed)
	}
}

func TestLeave(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	if room := r.Leave("alice"); room != "general" {
		t.Errorf("Leave() = %q, want general", room)
	}
	if room := r.Leave("alice"); room != "" {
		t.Errorf("second Leave() = %q, want empty", room)
	}
}

func TestBusSubscriptionLifecycle(t *testing.T) {
	bus := newFakeBus()
	r := NewRegistry(bus)
	alice := &fakeConn{id: "alice"}
	bob := &fakeConn{id: "bob"}

	r.Join(alice.id, alice, "general")
	r.Join(bob.id, bob, "general")
	if len(bus.subbed) != 1 {
		t.Fatalf("subscriptions = %v, want one for shared room", bus.subbed)
	}

	r.Leave("alice")
	if len(bus.unsubbed) != 0 {
		t.Error("unsubscribed while a member remained")
	}

	r.Leave("bob")
	if len(bus.unsubbed) != 1 || bus.unsubbed[0] != "general" {
		t.Errorf("unsubscribed = %v, want [general]", bus.unsubbed)
	}
}

func TestBusRoundTripDelivery(t *testing.T) {
	bus := newFakeBus()
	r := NewRegistry(bus)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	r.BroadcastUserCount("general", 1)

	got := alice.received()
	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	ev := decode(t, got[0])
	if ev["type"] != "user_count" {
		t.Errorf("event = %v", ev)
	}
}

func TestBroadcastCarriesFlagMetadata(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	r.BroadcastMessage("general", &message.Message{
		ID:         "m-1",
		Room:       "general",
		SenderID:   "bob",
		Content:    "**** this",
		CreatedAt:  time.Unix(1700000000, 0),
		Flagged:    true,
		FlagReason: "profanity",
	})

	ev := decode(t, alice.received()[0])
	if ev["flagged"] != true {
		t.Errorf("flagged = %v, want true", ev["flagged"])
	}
	if ev["flagReason"] != "profanity" {
		t.Errorf("flagReason = %v, want profanity", ev["flagReason"])
	}
}

func TestBroadcastOmitsFlagFieldsWhenClean(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	r.BroadcastMessage("general", &message.Message{
		ID: "m-1", Room: "general", SenderID: "bob",
		Content: "hello", CreatedAt: time.Unix(1700000000, 0),
	})

	ev := decode(t, alice.received()[0])
	if _, present := ev["flagged"]; present {
		t.Error("clean message carries flagged field")
	}
	if _, present := ev["flagReason"]; present {
		t.Error("clean message carries flagReason field")
	}
}

func TestBroadcastForwardsImage(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	r.BroadcastMessage("general", &message.Message{
		ID: "m-1", Room: "general", SenderID: "bob",
		Content:   "",
		CreatedAt: time.Unix(1700000000, 0),
		Image:     &message.Attachment{URL: "https://cdn.example.com/cat.png"},
	})

	ev := decode(t, alice.received()[0])
	img, ok := ev["image"].(map[string]interface{})
	if !ok {
		t.Fatalf("image = %v, want object", ev["image"])
	}
	if img["url"] != "https://cdn.example.com/cat.png" {
		t.Errorf("image url = %v", img["url"])
	}
}

func TestBroadcastUpdateCarriesFlagState(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	r.BroadcastUpdate("general", &message.Message{
		ID: "m-1", Room: "general", SenderID: "bob",
		Content: "**** this", IsEdited: true,
		EditedAt: time.Unix(1700000000, 0), Flagged: true,
	})

	ev := decode(t, alice.received()[0])
	if ev["type"] != "message_updated" || ev["flagged"] != true {
		t.Errorf("event = %v, want message_updated with flagged=true", ev)
	}
}

func TestBroadcastDeletionCarriesNoContent(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	r.BroadcastDeletion("general", "m-1", time.Unix(1700000000, 0))

	ev := decode(t, alice.received()[0])
	if ev["type"] != "message_deleted" || ev["id"] != "m-1" {
		t.Errorf("event = %v", ev)
	}
	if _, present := ev["content"]; present {
		t.Error("deletion event carries content")
	}
}

func TestHistoryRetainedPerRoom(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	for i := 0; i < MaxHistoryMessages+2; i++ {
		r.BroadcastMessage("general", &message.Message{
			ID:        fmt.Sprintf("m-%d", i),
			Room:      "general",
			SenderID:  "alice",
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: time.Unix(int64(1700000000+i), 0),
		})
	}

	recent := r.Recent("general")
	if len(recent) != MaxHistoryMessages {
		t.Fatalf("history size = %d, want %d", len(recent), MaxHistoryMessages)
	}
	if recent[0].MessageID != "m-2" || recent[len(recent)-1].MessageID != "m-6" {
		t.Errorf("history window = %s..%s, want m-2..m-6",
			recent[0].MessageID, recent[len(recent)-1].MessageID)
	}
}

func TestHistoryDroppedWithLastMember(t *testing.T) {
	r := NewRegistry(nil)
	alice := &fakeConn{id: "alice"}
	r.Join(alice.id, alice, "general")

	r.BroadcastMessage("general", &message.Message{
		ID: "m-1", Room: "general", SenderID: "alice",
		Content: "hello", CreatedAt: time.Now(),
	})
	r.Leave("alice")

	if got := r.Recent("general"); len(got) != 0 {
		t.Errorf("history survived last member leaving: %v", got)
	}
}
