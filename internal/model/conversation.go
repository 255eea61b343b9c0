package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Conversation represents a chat conversation/room document. Membership is
// owned by the CRUD layer; the coordination core only reads it to compute
// fan-out targets and call eligibility.
type Conversation struct {
	ID               primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ConversationType string             `json:"conversationType" bson:"conversation_type"`
	Participants     []Participant      `json:"participants" bson:"participants"`
	ParticipantIDs   []string           `json:"participantIds" bson:"participant_ids"`
	ConversationName string             `json:"conversationName" bson:"conversation_name"`
	CreatedBy        string             `json:"createdBy" bson:"created_by"`
	CreatedAt        time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt        time.Time          `json:"updatedAt" bson:"updated_at"`
	LastMessageAt    time.Time          `json:"lastMessageAt" bson:"last_message_at"`
	IsActive         bool               `json:"isActive" bson:"is_active"`
}

// Participant represents a user in a conversation.
type Participant struct {
	UserID   string    `json:"userId" bson:"user_id"`
	Username string    `json:"username" bson:"username"`
	JoinedAt time.Time `json:"joinedAt" bson:"joined_at"`
	Role     string    `json:"role" bson:"role"`
	IsActive bool      `json:"isActive" bson:"is_active"`
}

// HasParticipant reports whether the user belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}
