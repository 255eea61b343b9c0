package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"Voxlink/internal/event"
	"Voxlink/internal/media"
	"Voxlink/internal/model"
	"Voxlink/internal/push"
	"Voxlink/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenIssuer mints media-room admission tokens. *media.TokenIssuer satisfies
// it; tests substitute a fake.
type TokenIssuer interface {
	IssueRoomToken(userID, roomID, displayName string) (media.RoomToken, error)
	ServerURL() string
}

// activeCall is the in-memory record of one live call. The conversation-level
// uniqueness invariant is enforced on the activeByConv map; everything mutable
// after creation sits behind the call's own mutex.
type activeCall struct {
	callID         string
	conversationID string
	initiatorID    string
	callType       string
	roomID         string
	startedAt      time.Time
	participants   []string // conversation membership snapshot at initiate time

	mu       sync.Mutex
	status   int
	declined map[string]struct{}
	invited  map[string]struct{} // mid-call invitees outside the snapshot
}

func (ac *activeCall) isParticipant(userID string) bool {
	for _, id := range ac.participants {
		if id == userID {
			return true
		}
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	_, ok := ac.invited[userID]
	return ok
}

// invitees returns everyone who may answer: the participant snapshot plus
// mid-call invitees, minus the initiator.
func (ac *activeCall) invitees() []string {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	seen := make(map[string]struct{}, len(ac.participants)+len(ac.invited))
	out := make([]string, 0, len(ac.participants)+len(ac.invited))
	for _, id := range ac.participants {
		seen[id] = struct{}{}
		if id != ac.initiatorID {
			out = append(out, id)
		}
	}
	for id := range ac.invited {
		if _, ok := seen[id]; !ok && id != ac.initiatorID {
			out = append(out, id)
		}
	}
	return out
}

// Coordinator owns the call lifecycle: ring, answer, membership, terminal
// transitions and dual live+push signaling. At most one non-terminal call per
// conversation; the activeByConv map is the authoritative in-process gate.
type Coordinator struct {
	mu           sync.Mutex
	activeByConv map[string]*activeCall // conversationID hex -> call
	activeByID   map[string]*activeCall // callID -> call

	rooms         *roomSet
	calls         repo.CallRepository
	conversations repo.ConversationRepository
	users         repo.UserRepository
	tokens        TokenIssuer
	gateway       push.Gateway
	registry      *Registry
	logger        *zap.Logger
}

func NewCoordinator(
	calls repo.CallRepository,
	conversations repo.ConversationRepository,
	users repo.UserRepository,
	tokens TokenIssuer,
	gateway push.Gateway,
	registry *Registry,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		activeByConv:  make(map[string]*activeCall),
		activeByID:    make(map[string]*activeCall),
		rooms:         newRoomSet(),
		calls:         calls,
		conversations: conversations,
		users:         users,
		tokens:        tokens,
		gateway:       gateway,
		registry:      registry,
		logger:        logger,
	}
}

// HandleCallEvent parses and dispatches one inbound call event. Failures go
// back to the originating session as call:error envelopes.
func (co *Coordinator) HandleCallEvent(ev event.WsEvent, c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var err error
	var callID string

	switch ev.Event {
	case event.EventCallInitiate:
		var p model.CallInitiatePayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			var info model.CallRoomInfo
			info, err = co.InitiateCall(ctx, c.UserID(), p)
			if err == nil {
				c.SafeSend(event.Envelope(event.EventCallRoomInfo, info), sendTimeout)
			}
		}
	case event.EventCallJoin:
		var p model.CallJoinPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			callID = p.CallID
			var info model.CallRoomInfo
			info, err = co.JoinCall(ctx, c.UserID(), p.CallID)
			if err == nil {
				c.SafeSend(event.Envelope(event.EventCallRoomInfo, info), sendTimeout)
			}
		}
	case event.EventCallDecline:
		var p model.CallDeclinePayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			callID = p.CallID
			err = co.DeclineCall(ctx, c.UserID(), p.CallID, p.Reason)
		}
	case event.EventCallLeave:
		var p model.CallLeavePayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			callID = p.CallID
			err = co.LeaveCall(ctx, c.UserID(), p.CallID)
		}
	case event.EventCallEnd:
		var p model.CallEndPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			callID = p.CallID
			err = co.EndCall(ctx, c.UserID(), p.CallID, p.Reason)
		}
	case event.EventCallParticipantStatus:
		var p model.CallParticipantStatusPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			callID = p.CallID
			err = co.UpdateParticipantStatus(ctx, c.UserID(), p)
		}
	case event.EventCallInvite:
		var p model.CallInvitePayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			callID = p.CallID
			err = co.InviteToCall(ctx, c.UserID(), p.CallID, p.InviteeID)
		}
	}

	if err != nil {
		co.logger.Debug("call event failed",
			zap.String("event", ev.Event),
			zap.String("user_id", c.UserID()),
			zap.String("call_id", callID),
			zap.Error(err),
		)
		c.SafeSend(event.Envelope(event.EventCallError, model.CallErrorEvent{
			CallID:    callID,
			Error:     err.Error(),
			Code:      errorCode(err),
			Timestamp: time.Now().Unix(),
		}), sendTimeout)
	}
}

// InitiateCall starts ringing a conversation. The initiator enters the room
// immediately and gets the room admission info back; every other participant
// is signaled on both the live channel and the push channel, because ringing
// has to reach devices with no socket.
func (co *Coordinator) InitiateCall(ctx context.Context, userID string, p model.CallInitiatePayload) (model.CallRoomInfo, error) {
	if p.CallType != event.CallTypeVoice && p.CallType != event.CallTypeVideo {
		return model.CallRoomInfo{}, ErrInvalidCallType
	}

	conv, err := co.conversations.GetConversation(ctx, p.ConversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.CallRoomInfo{}, ErrNotParticipant
		}
		return model.CallRoomInfo{}, err
	}
	if !conv.HasParticipant(userID) {
		return model.CallRoomInfo{}, ErrNotParticipant
	}

	if len(co.rooms.CallsOf(userID)) > 0 {
		return model.CallRoomInfo{}, ErrCallerBusy
	}

	// Storage-level check catches live calls this process has forgotten
	// about (restart); the map reservation below is what closes the race
	// between two concurrent initiators.
	if active, err := co.calls.HasActiveCall(ctx, p.ConversationID); err != nil {
		return model.CallRoomInfo{}, err
	} else if active {
		return model.CallRoomInfo{}, ErrCallAlreadyActive
	}

	now := time.Now()
	ac := &activeCall{
		callID:         uuid.New().String(),
		conversationID: p.ConversationID,
		initiatorID:    userID,
		callType:       p.CallType,
		roomID:         "room_" + uuid.New().String(),
		startedAt:      now,
		participants:   append([]string(nil), conv.ParticipantIDs...),
		status:         model.CallStatusRinging,
		declined:       make(map[string]struct{}),
		invited:        make(map[string]struct{}),
	}

	co.mu.Lock()
	if _, exists := co.activeByConv[p.ConversationID]; exists {
		co.mu.Unlock()
		return model.CallRoomInfo{}, ErrCallAlreadyActive
	}
	co.activeByConv[p.ConversationID] = ac
	co.activeByID[ac.callID] = ac
	co.mu.Unlock()

	// A callee already in a call room cannot be rung. Busy callees get a
	// missed-call notice instead, and if nobody is left to ring the call
	// never rings at all: it is recorded as busy and the initiator is told.
	invitees := ac.invitees()
	available := make([]string, 0, len(invitees))
	busy := make([]string, 0)
	for _, id := range invitees {
		if len(co.rooms.CallsOf(id)) > 0 {
			busy = append(busy, id)
		} else {
			available = append(available, id)
		}
	}

	if len(invitees) > 0 && len(available) == 0 {
		co.abandon(ac)

		endedAt := now
		if err := co.calls.CreateCall(ctx, &model.CallSession{
			CallID:         ac.callID,
			ConversationID: conv.ID,
			InitiatorID:    userID,
			CallType:       p.CallType,
			Status:         model.CallStatusBusy,
			RoomID:         ac.roomID,
			StartedAt:      now,
			EndedAt:        &endedAt,
			EndReason:      event.CallEndReasonBusy,
		}); err != nil {
			co.logger.Warn("persist busy call failed",
				zap.String("call_id", ac.callID), zap.Error(err))
		}

		co.notifyBusyCallees(ctx, ac, busy, now)
		co.registry.Send(userID, event.Envelope(event.EventCallBusy, model.CallBusyEvent{
			CallID:         ac.callID,
			ConversationID: p.ConversationID,
			BusyUsers:      busy,
			Timestamp:      now.Unix(),
		}), sendTimeout)

		co.logger.Info("call not placed, all callees busy",
			zap.String("call_id", ac.callID),
			zap.String("conversation_id", p.ConversationID),
			zap.Int("busy", len(busy)),
		)
		return model.CallRoomInfo{}, ErrCalleeBusy
	}

	// Busy callees count as declined so a group ring can still resolve when
	// everyone who was actually rung declines.
	if len(busy) > 0 {
		ac.mu.Lock()
		for _, id := range busy {
			ac.declined[id] = struct{}{}
		}
		ac.mu.Unlock()
	}

	co.rooms.Create(ac.callID)
	co.rooms.Join(ac.callID, userID)

	info, err := co.roomInfoFor(ctx, ac, userID)
	if err != nil {
		co.abandon(ac)
		return model.CallRoomInfo{}, err
	}

	call := &model.CallSession{
		CallID:         ac.callID,
		ConversationID: conv.ID,
		InitiatorID:    userID,
		CallType:       p.CallType,
		Status:         model.CallStatusRinging,
		RoomID:         ac.roomID,
		StartedAt:      now,
	}
	if err := co.calls.CreateCall(ctx, call); err != nil {
		co.abandon(ac)
		return model.CallRoomInfo{}, err
	}

	joinedAt := now
	if err := co.calls.UpsertParticipant(ctx, model.CallParticipant{
		CallID:   ac.callID,
		UserID:   userID,
		Status:   model.ParticipantJoined,
		JoinedAt: &joinedAt,
	}); err != nil {
		co.logger.Warn("persist initiator participant failed",
			zap.String("call_id", ac.callID), zap.Error(err))
	}

	incoming := event.Envelope(event.EventCallIncoming, model.CallIncomingEvent{
		CallID:         ac.callID,
		ConversationID: p.ConversationID,
		InitiatorID:    userID,
		CallType:       p.CallType,
		Timestamp:      now.Unix(),
	})
	for _, id := range available {
		co.registry.Send(id, incoming, sendTimeout)
		if err := co.calls.UpsertParticipant(ctx, model.CallParticipant{
			CallID: ac.callID,
			UserID: id,
			Status: model.ParticipantRinging,
		}); err != nil {
			co.logger.Warn("persist invitee participant failed",
				zap.String("call_id", ac.callID),
				zap.String("user_id", id),
				zap.Error(err),
			)
		}
	}
	for _, id := range busy {
		if err := co.calls.UpsertParticipant(ctx, model.CallParticipant{
			CallID: ac.callID,
			UserID: id,
			Status: model.ParticipantDeclined,
		}); err != nil {
			co.logger.Warn("persist busy participant failed",
				zap.String("call_id", ac.callID),
				zap.String("user_id", id),
				zap.Error(err),
			)
		}
	}
	co.notifyBusyCallees(ctx, ac, busy, now)

	// Push goes to every rung invitee regardless of socket state: VoIP
	// wake-up paths run through the push channel even for connected devices.
	co.pushAsync(available, push.Payload{
		Kind:  "call",
		Title: co.displayNameOf(ctx, userID),
		Body:  "Incoming " + p.CallType + " call",
		Data: map[string]string{
			"callId":         ac.callID,
			"conversationId": p.ConversationID,
			"callType":       p.CallType,
		},
	})

	co.logger.Info("call initiated",
		zap.String("call_id", ac.callID),
		zap.String("conversation_id", p.ConversationID),
		zap.String("initiator_id", userID),
		zap.String("call_type", p.CallType),
		zap.Int("invitees", len(available)),
		zap.Int("busy", len(busy)),
	)
	return info, nil
}

// JoinCall admits an invitee into a ringing or ongoing call.
func (co *Coordinator) JoinCall(ctx context.Context, userID, callID string) (model.CallRoomInfo, error) {
	ac, err := co.lookupActive(ctx, callID)
	if err != nil {
		return model.CallRoomInfo{}, err
	}
	if !ac.isParticipant(userID) {
		return model.CallRoomInfo{}, ErrNotParticipant
	}

	for _, id := range co.rooms.CallsOf(userID) {
		if id != callID {
			return model.CallRoomInfo{}, ErrCallerBusy
		}
	}

	if !co.rooms.Join(callID, userID) {
		return model.CallRoomInfo{}, ErrCallTerminal
	}

	// First answer moves the call to ongoing; the conditional update makes
	// concurrent joins converge.
	if err := co.calls.MarkOngoing(ctx, callID); err != nil {
		co.logger.Warn("mark ongoing failed", zap.String("call_id", callID), zap.Error(err))
	}
	ac.mu.Lock()
	ac.status = model.CallStatusOngoing
	ac.mu.Unlock()

	now := time.Now()
	if err := co.calls.SetParticipantStatus(ctx, callID, userID, model.ParticipantJoined, &now); err != nil {
		co.logger.Warn("persist join failed", zap.String("call_id", callID), zap.Error(err))
	}

	joined := event.Envelope(event.EventCallParticipantJoined, model.CallParticipantJoinedEvent{
		CallID:    callID,
		UserID:    userID,
		Timestamp: now.Unix(),
	})
	for _, id := range co.rooms.Members(callID) {
		if id != userID {
			co.registry.Send(id, joined, sendTimeout)
		}
	}

	return co.roomInfoFor(ctx, ac, userID)
}

// DeclineCall records an invitee's refusal. In a two-party conversation the
// decline is terminal; in a group the call keeps ringing until everyone
// declines or the janitor reaps it.
func (co *Coordinator) DeclineCall(ctx context.Context, userID, callID, reason string) error {
	ac, err := co.lookupActive(ctx, callID)
	if err != nil {
		return err
	}
	if !ac.isParticipant(userID) || userID == ac.initiatorID {
		return ErrNotParticipant
	}
	if co.rooms.IsMember(callID, userID) {
		return ErrNotParticipant
	}

	invitees := ac.invitees()

	ac.mu.Lock()
	ac.declined[userID] = struct{}{}
	ringing := ac.status == model.CallStatusRinging
	allDeclined := true
	for _, id := range invitees {
		if _, ok := ac.declined[id]; !ok {
			allDeclined = false
			break
		}
	}
	ac.mu.Unlock()

	if err := co.calls.SetParticipantStatus(ctx, callID, userID, model.ParticipantDeclined, nil); err != nil {
		co.logger.Warn("persist decline failed", zap.String("call_id", callID), zap.Error(err))
	}

	final := ringing && allDeclined
	now := time.Now()

	declined := event.Envelope(event.EventCallDeclined, model.CallDeclinedEvent{
		CallID:     callID,
		DeclinedBy: userID,
		Reason:     reason,
		Final:      final,
		Timestamp:  now.Unix(),
	})
	co.registry.Send(ac.initiatorID, declined, sendTimeout)
	for _, id := range co.rooms.Members(callID) {
		if id != ac.initiatorID {
			co.registry.Send(id, declined, sendTimeout)
		}
	}

	if !final {
		return nil
	}

	won, err := co.calls.FinishCall(ctx, callID, model.CallStatusDeclined, event.CallEndReasonDeclined, now, 0)
	if err != nil {
		return err
	}
	if won {
		co.finalize(ac, userID, event.CallEndReasonDeclined, 0, now)
		// The initiator may have backgrounded the app while ringing.
		co.pushAsync([]string{ac.initiatorID}, push.Payload{
			Kind:  "call_cancel",
			Title: "Call declined",
			Data:  map[string]string{"callId": callID},
		})
	}
	return nil
}

// LeaveCall removes a room member. The member whose leave drains the room owns
// the terminal transition.
func (co *Coordinator) LeaveCall(ctx context.Context, userID, callID string) error {
	ac, err := co.lookupActive(ctx, callID)
	if err != nil {
		return err
	}

	wasMember, last := co.rooms.Leave(callID, userID)
	if !wasMember {
		return ErrNotRoomMember
	}

	now := time.Now()
	if err := co.calls.SetParticipantStatus(ctx, callID, userID, model.ParticipantLeft, &now); err != nil {
		co.logger.Warn("persist leave failed", zap.String("call_id", callID), zap.Error(err))
	}

	if !last {
		left := event.Envelope(event.EventCallParticipantLeft, model.CallParticipantLeftEvent{
			CallID:    callID,
			UserID:    userID,
			Timestamp: now.Unix(),
		})
		for _, id := range co.rooms.Members(callID) {
			co.registry.Send(id, left, sendTimeout)
		}
		return nil
	}

	duration := int(now.Sub(ac.startedAt).Seconds())
	won, err := co.calls.FinishCall(ctx, callID, model.CallStatusEnded, event.CallEndReasonLastLeft, now, duration)
	if err != nil {
		return err
	}
	if won {
		co.finalize(ac, userID, event.CallEndReasonLastLeft, duration, now)
	}
	return nil
}

// EndCall terminates the call for everyone. Any room member may hang up.
func (co *Coordinator) EndCall(ctx context.Context, userID, callID, reason string) error {
	ac, err := co.lookupActive(ctx, callID)
	if err != nil {
		return err
	}
	if !co.rooms.IsMember(callID, userID) {
		return ErrNotRoomMember
	}
	if reason == "" {
		reason = event.CallEndReasonNormal
	}

	now := time.Now()
	duration := int(now.Sub(ac.startedAt).Seconds())
	won, err := co.calls.FinishCall(ctx, callID, model.CallStatusEnded, reason, now, duration)
	if err != nil {
		return err
	}
	if !won {
		return ErrCallTerminal
	}

	if err := co.calls.SetParticipantStatus(ctx, callID, userID, model.ParticipantLeft, &now); err != nil {
		co.logger.Warn("persist end failed", zap.String("call_id", callID), zap.Error(err))
	}

	co.finalize(ac, userID, reason, duration, now)

	others := make([]string, 0, len(ac.participants))
	for _, id := range ac.invitees() {
		if id != userID {
			others = append(others, id)
		}
	}
	if ac.initiatorID != userID {
		others = append(others, ac.initiatorID)
	}
	co.pushAsync(others, push.Payload{
		Kind:  "call_cancel",
		Title: "Call ended",
		Data:  map[string]string{"callId": callID},
	})
	return nil
}

// UpdateParticipantStatus applies a mute/video toggle and rebroadcasts it to
// the room. Absent fields keep their stored value.
func (co *Coordinator) UpdateParticipantStatus(ctx context.Context, userID string, p model.CallParticipantStatusPayload) error {
	if _, err := co.lookupActive(ctx, p.CallID); err != nil {
		return err
	}
	if !co.rooms.IsMember(p.CallID, userID) {
		return ErrNotRoomMember
	}

	muted, video := false, true
	participants, err := co.calls.ListParticipants(ctx, p.CallID)
	if err == nil {
		for _, part := range participants {
			if part.UserID == userID {
				muted, video = part.IsMuted, part.IsVideoEnabled
				break
			}
		}
	}
	if p.IsMuted != nil {
		muted = *p.IsMuted
	}
	if p.IsVideoEnabled != nil {
		video = *p.IsVideoEnabled
	}

	if err := co.calls.SetParticipantMedia(ctx, p.CallID, userID, muted, video); err != nil {
		return err
	}

	ev := event.Envelope(event.EventCallParticipantStatusChanged, model.CallParticipantStatusEvent{
		CallID:         p.CallID,
		UserID:         userID,
		IsMuted:        muted,
		IsVideoEnabled: video,
		Timestamp:      time.Now().Unix(),
	})
	for _, id := range co.rooms.Members(p.CallID) {
		if id != userID {
			co.registry.Send(id, ev, sendTimeout)
		}
	}
	return nil
}

// InviteToCall rings one more user into a live call.
func (co *Coordinator) InviteToCall(ctx context.Context, userID, callID, inviteeID string) error {
	ac, err := co.lookupActive(ctx, callID)
	if err != nil {
		return err
	}
	if !co.rooms.IsMember(callID, userID) {
		return ErrNotRoomMember
	}

	ac.mu.Lock()
	ac.invited[inviteeID] = struct{}{}
	delete(ac.declined, inviteeID) // a fresh invite supersedes an old decline
	ac.mu.Unlock()

	if err := co.calls.UpsertParticipant(ctx, model.CallParticipant{
		CallID: callID,
		UserID: inviteeID,
		Status: model.ParticipantInvited,
	}); err != nil {
		co.logger.Warn("persist invite failed", zap.String("call_id", callID), zap.Error(err))
	}

	now := time.Now()
	co.registry.Send(inviteeID, event.Envelope(event.EventCallIncoming, model.CallIncomingEvent{
		CallID:         callID,
		ConversationID: ac.conversationID,
		InitiatorID:    userID,
		CallType:       ac.callType,
		Timestamp:      now.Unix(),
	}), sendTimeout)

	co.pushAsync([]string{inviteeID}, push.Payload{
		Kind:  "call",
		Title: co.displayNameOf(ctx, userID),
		Body:  "Incoming " + ac.callType + " call",
		Data: map[string]string{
			"callId":         callID,
			"conversationId": ac.conversationID,
			"callType":       ac.callType,
		},
	})
	return nil
}

// HandleDisconnect leaves every call the user was a room member of. Invoked on
// the user's 1->0 presence transition, never on individual session drops.
func (co *Coordinator) HandleDisconnect(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, callID := range co.rooms.CallsOf(userID) {
		if err := co.LeaveCall(ctx, userID, callID); err != nil {
			co.logger.Warn("disconnect leave failed",
				zap.String("user_id", userID),
				zap.String("call_id", callID),
				zap.Error(err),
			)
		}
	}
}

// ReapStaleCalls finishes every live call older than the threshold. A ringing
// call that nobody answered goes out as missed; an ongoing one as ended.
// Janitor entry point.
func (co *Coordinator) ReapStaleCalls(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := co.calls.FindStale(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	reaped := 0
	now := time.Now()
	for _, call := range stale {
		status := model.CallStatusEnded
		reason := event.CallEndReasonStale
		duration := int(now.Sub(call.StartedAt).Seconds())
		if call.Status == model.CallStatusRinging {
			status = model.CallStatusMissed
			reason = event.CallEndReasonMissed
			duration = 0
		}

		won, err := co.calls.FinishCall(ctx, call.CallID, status, reason, now, duration)
		if err != nil {
			co.logger.Warn("reap failed", zap.String("call_id", call.CallID), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		reaped++

		co.mu.Lock()
		ac := co.activeByID[call.CallID]
		co.mu.Unlock()
		if ac != nil {
			co.finalize(ac, "", reason, duration, now)
		} else {
			co.rooms.Evict(call.CallID)
		}

		co.logger.Info("stale call reaped",
			zap.String("call_id", call.CallID),
			zap.Int("status", status),
		)
	}
	return reaped, nil
}

// ActiveCalls snapshots the live calls for monitoring.
func (co *Coordinator) ActiveCalls() []model.CallInfo {
	co.mu.Lock()
	calls := make([]*activeCall, 0, len(co.activeByID))
	for _, ac := range co.activeByID {
		calls = append(calls, ac)
	}
	co.mu.Unlock()

	infos := make([]model.CallInfo, 0, len(calls))
	for _, ac := range calls {
		ac.mu.Lock()
		status := ac.status
		ac.mu.Unlock()
		infos = append(infos, model.CallInfo{
			CallID:         ac.callID,
			ConversationID: ac.conversationID,
			InitiatorID:    ac.initiatorID,
			CallType:       ac.callType,
			Status:         status,
			RoomMembers:    co.rooms.Members(ac.callID),
			StartedAt:      ac.startedAt.UTC().Format(time.RFC3339),
		})
	}
	return infos
}

// -----------------------------------------------------------------
// internals
// -----------------------------------------------------------------

// lookupActive resolves a call id against the live set, falling back to
// storage to distinguish "ended" from "never existed".
func (co *Coordinator) lookupActive(ctx context.Context, callID string) (*activeCall, error) {
	co.mu.Lock()
	ac := co.activeByID[callID]
	co.mu.Unlock()
	if ac != nil {
		return ac, nil
	}

	call, err := co.calls.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, err
	}
	if call.Status != model.CallStatusRinging && call.Status != model.CallStatusOngoing {
		return nil, ErrCallTerminal
	}
	// Live in storage but unknown here: the in-memory room died with a
	// restart, so the call is unjoinable.
	return nil, ErrCallTerminal
}

// finalize broadcasts call:ended, clears the room and releases the active-call
// reservation. Callers must have already won the storage transition.
func (co *Coordinator) finalize(ac *activeCall, endedBy, reason string, duration int, at time.Time) {
	co.mu.Lock()
	delete(co.activeByID, ac.callID)
	if co.activeByConv[ac.conversationID] == ac {
		delete(co.activeByConv, ac.conversationID)
	}
	co.mu.Unlock()

	co.rooms.Evict(ac.callID)

	ended := event.Envelope(event.EventCallEnded, model.CallEndedEvent{
		CallID:    ac.callID,
		EndedBy:   endedBy,
		Reason:    reason,
		Duration:  duration,
		Timestamp: at.Unix(),
	})
	co.registry.Send(ac.initiatorID, ended, sendTimeout)
	for _, id := range ac.invitees() {
		co.registry.Send(id, ended, sendTimeout)
	}

	co.logger.Info("call finished",
		zap.String("call_id", ac.callID),
		zap.String("reason", reason),
		zap.Int("duration", duration),
	)
}

// notifyBusyCallees delivers a missed-because-busy notice to callees who could
// not be rung, on both the live channel and the push channel.
func (co *Coordinator) notifyBusyCallees(ctx context.Context, ac *activeCall, busy []string, at time.Time) {
	if len(busy) == 0 {
		return
	}

	missed := event.Envelope(event.EventCallMissed, model.CallMissedEvent{
		CallID:         ac.callID,
		ConversationID: ac.conversationID,
		CallerID:       ac.initiatorID,
		CallType:       ac.callType,
		Reason:         event.CallEndReasonBusy,
		Timestamp:      at.Unix(),
	})
	for _, id := range busy {
		co.registry.Send(id, missed, sendTimeout)
	}

	co.pushAsync(busy, push.Payload{
		Kind:  "call_missed",
		Title: co.displayNameOf(ctx, ac.initiatorID),
		Body:  "Missed " + ac.callType + " call",
		Data: map[string]string{
			"callId":         ac.callID,
			"conversationId": ac.conversationID,
			"reason":         event.CallEndReasonBusy,
		},
	})
}

// abandon rolls back a reservation whose call never reached storage.
func (co *Coordinator) abandon(ac *activeCall) {
	co.mu.Lock()
	delete(co.activeByID, ac.callID)
	if co.activeByConv[ac.conversationID] == ac {
		delete(co.activeByConv, ac.conversationID)
	}
	co.mu.Unlock()
	co.rooms.Evict(ac.callID)
}

func (co *Coordinator) roomInfoFor(ctx context.Context, ac *activeCall, userID string) (model.CallRoomInfo, error) {
	token, err := co.tokens.IssueRoomToken(userID, ac.roomID, co.displayNameOf(ctx, userID))
	if err != nil {
		return model.CallRoomInfo{}, err
	}
	return model.CallRoomInfo{
		CallID:   ac.callID,
		CallType: ac.callType,
		RoomID:   ac.roomID,
		Token:    token.Token,
		TokenTTL: int(token.TTL.Seconds()),
		MediaURL: co.tokens.ServerURL(),
	}, nil
}

func (co *Coordinator) displayNameOf(ctx context.Context, userID string) string {
	if user, err := co.users.GetUser(ctx, userID); err == nil {
		return user.DisplayName()
	}
	return userID
}

func (co *Coordinator) pushAsync(userIDs []string, payload push.Payload) {
	if len(userIDs) == 0 {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				co.logger.Error("call push panicked", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := co.gateway.Push(ctx, userIDs, payload); err != nil {
			co.logger.Warn("call push failed", zap.Error(err))
		}
	}()
}
