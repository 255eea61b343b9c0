package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Call session status values. Ended, Declined and Missed are terminal; at most
// one non-terminal call may exist per conversation at any time.
const (
	CallStatusRinging  = 1
	CallStatusOngoing  = 2
	CallStatusEnded    = 3
	CallStatusDeclined = 4
	CallStatusMissed   = 5
	CallStatusBusy     = 6
)

// Participant status within a call.
const (
	ParticipantRinging  = 1
	ParticipantJoined   = 2
	ParticipantDeclined = 3
	ParticipantLeft     = 4
	ParticipantInvited  = 5
)

// CallSession represents a call lifecycle record.
type CallSession struct {
	ID             primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	CallID         string             `json:"callId" bson:"call_id"`
	ConversationID primitive.ObjectID `json:"conversationId" bson:"conversation_id"`
	InitiatorID    string             `json:"initiatorId" bson:"initiator_id"`
	CallType       string             `json:"callType" bson:"call_type"`
	Status         int                `json:"status" bson:"status"`
	RoomID         string             `json:"roomId" bson:"room_id"`
	StartedAt      time.Time          `json:"startedAt" bson:"started_at"`
	EndedAt        *time.Time         `json:"endedAt" bson:"ended_at"`
	Duration       int                `json:"duration" bson:"duration"`
	EndReason      string             `json:"endReason,omitempty" bson:"end_reason"`
}

// CallParticipant is the persisted per-user record for one call.
type CallParticipant struct {
	ID             primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	CallID         string             `json:"callId" bson:"call_id"`
	UserID         string             `json:"userId" bson:"user_id"`
	Status         int                `json:"status" bson:"status"`
	IsMuted        bool               `json:"isMuted" bson:"is_muted"`
	IsVideoEnabled bool               `json:"isVideoEnabled" bson:"is_video_enabled"`
	JoinedAt       *time.Time         `json:"joinedAt" bson:"joined_at"`
	LeftAt         *time.Time         `json:"leftAt" bson:"left_at"`
}

// -----------------------------------------------------------------
// WebSocket Event Payloads - Client to Server
// -----------------------------------------------------------------

// CallInitiatePayload is sent by the initiator to start a call.
type CallInitiatePayload struct {
	ConversationID string `json:"conversationId"`
	CallType       string `json:"callType"` // "voice" or "video"
}

// CallJoinPayload is sent by an invitee to join a ringing or ongoing call.
type CallJoinPayload struct {
	CallID string `json:"callId"`
}

// CallDeclinePayload is sent by an invitee to decline an incoming call.
type CallDeclinePayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// CallLeavePayload is sent by a room member leaving the call.
type CallLeavePayload struct {
	CallID string `json:"callId"`
}

// CallEndPayload ends the call for everyone.
type CallEndPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

// CallParticipantStatusPayload toggles the caller's transient media state.
type CallParticipantStatusPayload struct {
	CallID         string `json:"callId"`
	IsMuted        *bool  `json:"isMuted,omitempty"`
	IsVideoEnabled *bool  `json:"isVideoEnabled,omitempty"`
}

// CallInvitePayload adds a user to an ongoing call.
type CallInvitePayload struct {
	CallID    string `json:"callId"`
	InviteeID string `json:"inviteeId"`
}

// -----------------------------------------------------------------
// WebSocket Event Payloads - Server to Client
// -----------------------------------------------------------------

// CallIncomingEvent is delivered to invitees when a call starts.
type CallIncomingEvent struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId"`
	InitiatorID    string `json:"initiatorId"`
	CallType       string `json:"callType"`
	Timestamp      int64  `json:"timestamp"`
}

// CallRoomInfo carries media-room admission details for one participant.
type CallRoomInfo struct {
	CallID   string `json:"callId"`
	CallType string `json:"callType"`
	RoomID   string `json:"roomId"`
	Token    string `json:"token"`
	TokenTTL int    `json:"tokenTtl"` // seconds
	MediaURL string `json:"mediaUrl"`
}

// CallParticipantJoinedEvent is broadcast to the room when a user joins.
type CallParticipantJoinedEvent struct {
	CallID    string `json:"callId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// CallDeclinedEvent is broadcast when an invitee declines.
type CallDeclinedEvent struct {
	CallID     string `json:"callId"`
	DeclinedBy string `json:"declinedBy"`
	Reason     string `json:"reason,omitempty"`
	Final      bool   `json:"final"` // true when the decline ends the call
	Timestamp  int64  `json:"timestamp"`
}

// CallParticipantLeftEvent is broadcast to the room when a user leaves.
type CallParticipantLeftEvent struct {
	CallID    string `json:"callId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// CallEndedEvent is broadcast when the call reaches a terminal state.
type CallEndedEvent struct {
	CallID    string `json:"callId"`
	EndedBy   string `json:"endedBy"`
	Reason    string `json:"reason"`
	Duration  int    `json:"duration"` // seconds
	Timestamp int64  `json:"timestamp"`
}

// CallParticipantStatusEvent rebroadcasts a mute/video toggle to the room.
type CallParticipantStatusEvent struct {
	CallID         string `json:"callId"`
	UserID         string `json:"userId"`
	IsMuted        bool   `json:"isMuted"`
	IsVideoEnabled bool   `json:"isVideoEnabled"`
	Timestamp      int64  `json:"timestamp"`
}

// CallBusyEvent tells the initiator that every callee was busy and the call
// never rang.
type CallBusyEvent struct {
	CallID         string   `json:"callId"`
	ConversationID string   `json:"conversationId"`
	BusyUsers      []string `json:"busyUsers"`
	Timestamp      int64    `json:"timestamp"`
}

// CallMissedEvent is the missed-call notice delivered to a callee who could
// not be rung (already in another call).
type CallMissedEvent struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId"`
	CallerID       string `json:"callerId"`
	CallType       string `json:"callType"`
	Reason         string `json:"reason"`
	Timestamp      int64  `json:"timestamp"`
}

// CallErrorEvent reports a call validation failure back to the caller.
type CallErrorEvent struct {
	CallID    string `json:"callId,omitempty"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
