package realtime

import "encoding/json"

// Inbound message kinds. Unknown kinds are dropped without a reply so
// newer clients can speak to older servers.
const (
	MessageBlockUpdate    = "block_update"
	MessageCursorPosition = "cursor_position"
	MessageUserTyping     = "user_typing"
	MessageBlockSelection = "block_selection"
)

// inboundMessage is the superset of all inbound payloads. Pointer fields
// distinguish "absent" from zero values; unknown fields are ignored.
type inboundMessage struct {
	Type     string  `json:"type"`
	BlockID  string  `json:"block_id"`
	Content  *string `json:"content"`
	Position *int    `json:"position"`
	IsTyping *bool   `json:"is_typing"`
}

// parseInbound returns false for malformed payloads, which are dropped
// silently per the protocol's tolerance for client skew.
func parseInbound(raw []byte) (inboundMessage, bool) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return inboundMessage{}, false
	}
	return msg, true
}
