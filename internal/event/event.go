package event

import "encoding/json"

// Client to server message events.
const (
	EventMessageSend      = "message:send"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMessageEdit      = "message:edit"
	EventMessageDelete    = "message:delete"
	EventMessageForward   = "message:forward"
	EventReactionAdd      = "reaction:add"
	EventReactionRemove   = "reaction:remove"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventGroupJoin        = "group:join"
	EventGroupLeave       = "group:leave"
)

// Server to client message events.
const (
	EventMessageReceived      = "message:received"
	EventMessageEdited        = "message:edited"
	EventMessageDeleted       = "message:deleted"
	EventMessageStatusChanged = "message:status_changed"
	EventReactionAdded        = "reaction:added"
	EventReactionRemoved      = "reaction:removed"
	EventTyping               = "typing"
	EventPresenceOnline       = "presence:online"
	EventPresenceOffline      = "presence:offline"
	EventError                = "error"
)

// WsEvent is the wire envelope for every socket event. Event names form a
// closed set; payloads are the tagged variant structs in the model package.
type WsEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// SendPayload is the client payload for message:send.
type SendPayload struct {
	ConversationID string  `json:"conversationId"`
	Type           string  `json:"type"`
	Body           string  `json:"body"`
	FileURL        *string `json:"fileUrl,omitempty"`
	ReplyTo        *string `json:"replyTo,omitempty"`
	TTLSeconds     int     `json:"ttlSeconds,omitempty"` // 0 means no expiry
}

// AckPayload is the client payload for message:delivered / message:read.
type AckPayload struct {
	MessageID string `json:"messageId"`
}

// EditPayload is the client payload for message:edit.
type EditPayload struct {
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
}

// DeletePayload is the client payload for message:delete.
type DeletePayload struct {
	MessageID   string `json:"messageId"`
	ForEveryone bool   `json:"forEveryone"`
}

// ForwardPayload is the client payload for message:forward.
type ForwardPayload struct {
	MessageID       string   `json:"messageId"`
	ConversationIDs []string `json:"conversationIds"`
}

// ReactionPayload is the client payload for reaction:add / reaction:remove.
type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// TypingPayload is the client payload for typing:start / typing:stop.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

// GroupPayload is the client payload for group:join / group:leave.
type GroupPayload struct {
	ConversationID string `json:"conversationId"`
}

// Envelope marshals a payload into a WsEvent. The payload set is closed and
// marshals without error.
func Envelope(name string, payload any) WsEvent {
	raw, _ := json.Marshal(payload)
	return WsEvent{Event: name, Payload: raw}
}
