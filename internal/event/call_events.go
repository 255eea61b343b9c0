package event

// Call Event Types - Client to Server
const (
	// EventCallInitiate - initiator starts a call in a conversation
	EventCallInitiate = "call:initiate"

	// EventCallJoin - invitee joins a ringing or ongoing call
	EventCallJoin = "call:join"

	// EventCallDecline - invitee declines the incoming call
	EventCallDecline = "call:decline"

	// EventCallLeave - room member leaves the call
	EventCallLeave = "call:leave"

	// EventCallEnd - room member ends the call for everyone
	EventCallEnd = "call:end"

	// EventCallParticipantStatus - mute/video toggle
	EventCallParticipantStatus = "call:participant_status"

	// EventCallInvite - room member invites another user mid-call
	EventCallInvite = "call:invite"
)

// Call Event Types - Server to Client
const (
	// EventCallIncoming - notify invitee of an incoming call
	EventCallIncoming = "call:incoming"

	// EventCallRoomInfo - media-room admission details for the recipient
	EventCallRoomInfo = "call:room_info"

	// EventCallParticipantJoined - a participant joined the room
	EventCallParticipantJoined = "call:participant_joined"

	// EventCallDeclined - an invitee declined
	EventCallDeclined = "call:declined"

	// EventCallParticipantLeft - a participant left the room
	EventCallParticipantLeft = "call:participant_left"

	// EventCallEnded - the call reached a terminal state
	EventCallEnded = "call:ended"

	// EventCallParticipantStatusChanged - mute/video toggle rebroadcast
	EventCallParticipantStatusChanged = "call:participant_status_changed"

	// EventCallBusy - every callee was busy, the call never rang
	EventCallBusy = "call:busy"

	// EventCallMissed - missed-call notice delivered to a busy callee
	EventCallMissed = "call:missed"

	// EventCallError - call-related validation errors
	EventCallError = "call:error"
)

// Call Types
const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

// Call End Reasons
const (
	CallEndReasonNormal   = "normal"    // explicit hangup
	CallEndReasonDeclined = "declined"  // invitee declined
	CallEndReasonMissed   = "missed"    // nobody answered
	CallEndReasonLastLeft = "last_left" // room membership drained
	CallEndReasonStale    = "stale"     // reaped by the janitor
	CallEndReasonBusy     = "busy"      // callee already in a call
)
