// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom      = "join_room"
	TypeSendMessage   = "send_message"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
	TypeReportMessage = "report_message"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeUserCount       = "user_count"
	TypeReceiveMessage  = "receive_message"
	TypeMessageRejected = "message_rejected"
	TypeMessageFiltered = "message_filtered"
	TypeMessageUpdated  = "message_updated"
	TypeMessageDeleted  = "message_deleted"
	TypeEditError       = "edit_error"
	TypeDeleteError     = "delete_error"
	TypeReportReceived  = "report_received"
	TypeReportError     = "report_error"
	TypeBanned          = "banned"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg is sent by the client to join a named room, leaving its
// previous room if it had one.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// ImageAttachment is an optional image reference carried on send_message.
// Upload handling happens elsewhere; the relay only forwards the metadata.
type ImageAttachment struct {
	URL        string `json:"url"`
	IsFlagged  bool   `json:"isFlagged"`
	FlagReason string `json:"flagReason,omitempty"`
}

// SendMessageMsg is a chat message sent by the client to its current room.
type SendMessageMsg struct {
	Type    string           `json:"type"`
	Room    string           `json:"room"`
	Content string           `json:"content,omitempty"`
	Image   *ImageAttachment `json:"image,omitempty"`
}

// EditMessageMsg requests an in-window edit of the sender's own message.
type EditMessageMsg struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
	Room       string `json:"room"`
}

// DeleteMessageMsg requests an in-window soft delete of the sender's own
// message.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Room      string `json:"room"`
}

// ReportMessageMsg files a user report against a message.
type ReportMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
	Details   string `json:"details,omitempty"`
	Channel   string `json:"channel"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// UserCountMsg carries a room's new occupant count to its members.
type UserCountMsg struct {
	Type  string `json:"type"`
	Room  string `json:"room"`
	Count int    `json:"count"`
}

// ReceiveMessageMsg is a delivered chat message broadcast to a room. Flag
// metadata is only populated on payloads sent to privileged clients.
type ReceiveMessageMsg struct {
	Type       string           `json:"type"`
	ID         string           `json:"id"`
	Content    string           `json:"content"`
	Sender     string           `json:"sender"`
	Timestamp  int64            `json:"timestamp"`
	Image      *ImageAttachment `json:"image,omitempty"`
	Flagged    bool             `json:"flagged,omitempty"`
	FlagReason string           `json:"flagReason,omitempty"`
}

// MessageRejectedMsg tells the sender their message was blocked. Sent to
// the sender only, never broadcast.
type MessageRejectedMsg struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Severity  string `json:"severity"`
	Timestamp int64  `json:"timestamp"`
}

// MessageFilteredMsg tells the sender their message was delivered with
// modified content.
type MessageFilteredMsg struct {
	Type      string `json:"type"`
	Original  string `json:"original"`
	Filtered  string `json:"filtered"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// MessageUpdatedMsg broadcasts an accepted edit to the room.
type MessageUpdatedMsg struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Content  string `json:"content"`
	IsEdited bool   `json:"isEdited"`
	EditedAt int64  `json:"editedAt"`
	Flagged  bool   `json:"flagged,omitempty"`
}

// MessageDeletedMsg broadcasts a soft delete; it carries only the
// identifier, never the removed content.
type MessageDeletedMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	IsDeleted bool   `json:"isDeleted"`
	DeletedAt int64  `json:"deletedAt"`
}

// EditErrorMsg tells the sender why their edit was rejected.
type EditErrorMsg struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	MessageID string `json:"messageId"`
}

// DeleteErrorMsg tells the sender why their delete was rejected.
type DeleteErrorMsg struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	MessageID string `json:"messageId"`
}

// ReportReceivedMsg confirms a filed report to the reporter.
type ReportReceivedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ReportErrorMsg tells the reporter their report was not accepted.
type ReportErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// BannedMsg is sent when the client is refused because of an active
// temporary ban.
type BannedMsg struct {
	Type     string `json:"type"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportMessage:
		var m ReportMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
