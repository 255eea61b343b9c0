package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Delivery status levels. Transitions are monotonic: a message status for a
// recipient may only move upward, never back.
const (
	StatusSent      = 1
	StatusDelivered = 2
	StatusRead      = 3
)

// Message represents a chat message document.
type Message struct {
	ID             primitive.ObjectID  `json:"id" bson:"_id,omitempty"`
	MessageID      string              `json:"messageId" bson:"message_id"`
	ConversationID primitive.ObjectID  `json:"conversationId" bson:"conversation_id"`
	SenderID       string              `json:"senderId" bson:"sender_id"`
	Type           string              `json:"type" bson:"type"`
	Body           string              `json:"body" bson:"body"`
	FileURL        *string             `json:"fileUrl" bson:"file_url"`
	ReplyTo        *primitive.ObjectID `json:"replyTo" bson:"reply_to"`
	Reactions      []Reaction          `json:"reactions" bson:"reactions"`
	CreatedAt      time.Time           `json:"createdAt" bson:"created_at"`
	ExpiresAt      *time.Time          `json:"expiresAt" bson:"expires_at"`
	EditedAt       *time.Time          `json:"editedAt" bson:"edited_at"`
	IsEdited       bool                `json:"isEdited" bson:"is_edited"`
	IsDeleted      bool                `json:"isDeleted" bson:"is_deleted"`
	// HiddenFor carries the user ids that deleted this message "for me".
	// The shared IsDeleted flag is reserved for "delete for everyone".
	HiddenFor []string `json:"-" bson:"hidden_for"`
	// Forward provenance: the original sender travels with every copy.
	ForwardedFrom *string `json:"forwardedFrom" bson:"forwarded_from"`
	ForwardCount  int     `json:"forwardCount" bson:"forward_count"`
}

// Reaction represents a single emoji reaction on a message.
type Reaction struct {
	UserID string `json:"userId" bson:"user_id"`
	Emoji  string `json:"emoji" bson:"emoji"`
}

// MessageStatus tracks the delivery state of one message for one recipient.
// DeliveredAt/ReadAt are written exactly once, on the first transition into
// the corresponding level.
type MessageStatus struct {
	ID             primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	MessageID      string             `json:"messageId" bson:"message_id"`
	ConversationID primitive.ObjectID `json:"conversationId" bson:"conversation_id"`
	UserID         string             `json:"userId" bson:"user_id"`
	Status         int                `json:"status" bson:"status"`
	DeliveredAt    *time.Time         `json:"deliveredAt" bson:"delivered_at"`
	ReadAt         *time.Time         `json:"readAt" bson:"read_at"`
}

// ErrorPayload represents an error response sent to a client over the socket.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
