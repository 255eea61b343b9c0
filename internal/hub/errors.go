package hub

import (
	"errors"

	"Voxlink/internal/repo"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Errors surfaced to clients as error envelopes. Each maps to a stable code so
// clients can branch without string matching.
var (
	ErrNotParticipant    = errors.New("user is not a participant of the conversation")
	ErrNotSender         = errors.New("user is not the sender of the message")
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidCallType   = errors.New("call type must be voice or video")
	ErrCallAlreadyActive = errors.New("conversation already has an active call")
	ErrCallerBusy        = errors.New("caller is already in an active call")
	ErrCalleeBusy        = errors.New("all callees are busy")
	ErrCallNotFound      = errors.New("call not found")
	ErrCallTerminal      = errors.New("call has already ended")
	ErrNotRoomMember     = errors.New("user is not a member of the call room")
)

// errorCode maps a sentinel to its wire code. Unknown errors collapse to
// "internal" so storage details never leak to clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, ErrNotSender):
		return "not_sender"
	case errors.Is(err, ErrMessageNotFound):
		return "message_not_found"
	case errors.Is(err, ErrInvalidCallType):
		return "invalid_call_type"
	case errors.Is(err, ErrCallAlreadyActive):
		return "call_already_active"
	case errors.Is(err, ErrCallerBusy):
		return "caller_busy"
	case errors.Is(err, ErrCalleeBusy):
		return "callee_busy"
	case errors.Is(err, ErrCallNotFound):
		return "call_not_found"
	case errors.Is(err, ErrCallTerminal):
		return "call_ended"
	case errors.Is(err, ErrNotRoomMember):
		return "not_room_member"
	default:
		return "internal"
	}
}

// mapRepoErr translates storage-layer not-found into the client-facing
// message sentinel; everything else passes through wrapped as-is.
func mapRepoErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	return err
}

func parseObjectID(hex string) (primitive.ObjectID, error) {
	return primitive.ObjectIDFromHex(hex)
}
