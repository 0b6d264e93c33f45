package realtime

import "time"

// Outbound event types. Every server-originated message carries one of
// these in its "type" field and an RFC 3339 timestamp.
const (
	EventConnectionEstablished = "connection_established"
	EventUserJoined            = "user_joined"
	EventUserLeft              = "user_left"
	EventBlockUpdated          = "block_updated"
	EventCursorPosition        = "cursor_position"
	EventUserTyping            = "user_typing"
	EventBlockSelection        = "block_selection"
	EventError                 = "error"
)

// PresenceEntry describes one live session in a space snapshot.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	ConnectedAt time.Time `json:"connected_at"`
}

type ConnectionEstablished struct {
	Type        string          `json:"type"`
	SpaceID     string          `json:"space_id"`
	UserID      string          `json:"user_id"`
	Role        string          `json:"role"`
	ActiveUsers []PresenceEntry `json:"active_users"`
	Timestamp   string          `json:"timestamp"`
}

type UserJoined struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type UserLeft struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type BlockUpdated struct {
	Type              string `json:"type"`
	BlockID           string `json:"block_id"`
	Content           string `json:"content"`
	UpdatedBy         string `json:"updated_by"`
	UpdatedByUsername string `json:"updated_by_username"`
	Timestamp         string `json:"timestamp"`
}

type CursorPosition struct {
	Type      string `json:"type"`
	BlockID   string `json:"block_id"`
	Position  int    `json:"position"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type UserTyping struct {
	Type      string `json:"type"`
	BlockID   string `json:"block_id"`
	IsTyping  bool   `json:"is_typing"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type BlockSelection struct {
	Type      string `json:"type"`
	BlockID   string `json:"block_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type ErrorEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
