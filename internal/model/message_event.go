package model

// MessageStatusChanged is broadcast to a conversation when a recipient's
// delivery status advances.
type MessageStatusChanged struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Status         int    `json:"status"`
	At             string `json:"at"`
}

// MessageEdited is broadcast to a conversation when the sender edits a
// message body.
type MessageEdited struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Body           string `json:"body"`
	EditedAt       int64  `json:"editedAt"`
}

// MessageDeleted is the tombstone broadcast for "delete for everyone", and the
// single-recipient notice for "delete for me".
type MessageDeleted struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	DeletedBy      string `json:"deletedBy"`
	ForEveryone    bool   `json:"forEveryone"`
	Timestamp      int64  `json:"timestamp"`
}

// ReactionEvent is broadcast when a reaction is added or removed.
type ReactionEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
	Timestamp      int64  `json:"timestamp"`
}

// TypingIndicator relays typing status within a conversation.
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// PresenceEvent is broadcast to a user's conversation peers on the 0->1 and
// 1->0 session-count transitions, never on intermediate connects/disconnects.
type PresenceEvent struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}
