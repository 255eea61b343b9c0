package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"Voxlink/internal/event"
	"Voxlink/internal/model"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type callFixture struct {
	coord    *Coordinator
	registry *Registry
	calls    *fakeCallRepo
	gateway  *fakeGateway
	conv     *model.Conversation
}

func newCallFixture(participants ...string) *callFixture {
	return newCallFixtureWith(&model.Conversation{
		ID:             primitive.NewObjectID(),
		ParticipantIDs: participants,
		IsActive:       true,
	})
}

// newCallFixtureWith builds a coordinator over several conversations; the
// first one is the fixture's default.
func newCallFixtureWith(convs ...*model.Conversation) *callFixture {
	calls := newFakeCallRepo()
	gateway := &fakeGateway{}
	registry := NewRegistry()

	seen := make(map[string]struct{})
	users := make([]*model.User, 0)
	for _, conv := range convs {
		for _, id := range conv.ParticipantIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			users = append(users, &model.User{UserID: id, Username: id})
		}
	}

	coord := NewCoordinator(
		calls,
		newFakeConversationRepo(convs...),
		newFakeUserRepo(users...),
		fakeIssuer{},
		gateway,
		registry,
		zap.NewNop(),
	)
	return &callFixture{
		coord:    coord,
		registry: registry,
		calls:    calls,
		gateway:  gateway,
		conv:     convs[0],
	}
}

func (fx *callFixture) connect(userID string) *fakePipe {
	pipe := &fakePipe{}
	fx.registry.RegisterSession(userID, userID+"-s1", pipe)
	return pipe
}

func (fx *callFixture) initiate(t *testing.T, userID string) (model.CallRoomInfo, string) {
	t.Helper()
	info, err := fx.coord.InitiateCall(context.Background(), userID, model.CallInitiatePayload{
		ConversationID: fx.conv.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.NoError(t, err)
	return info, info.CallID
}

func TestInitiateCallRingsInvitees(t *testing.T) {
	fx := newCallFixture("alice", "bob", "carol")
	bobPipe := fx.connect("bob")

	info, callID := fx.initiate(t, "alice")
	require.NotEmpty(t, info.Token)
	require.NotEmpty(t, info.RoomID)
	require.Equal(t, event.CallTypeVoice, info.CallType)
	require.Equal(t, "wss://media.test", info.MediaURL)

	// Live signal reaches connected invitees.
	var incoming model.CallIncomingEvent
	require.True(t, bobPipe.last(event.EventCallIncoming, &incoming))
	require.Equal(t, callID, incoming.CallID)
	require.Equal(t, "alice", incoming.InitiatorID)

	// Push rings all invitees, connected or not.
	require.Eventually(t, func() bool { return fx.gateway.count() == 1 }, time.Second, 10*time.Millisecond)
	rec := fx.gateway.record(0)
	require.ElementsMatch(t, []string{"bob", "carol"}, rec.userIDs)
	require.Equal(t, "call", rec.payload.Kind)

	// Persisted as ringing with the initiator in the room.
	call := fx.calls.get(callID)
	require.Equal(t, model.CallStatusRinging, call.Status)
	require.Equal(t, []string{"alice"}, fx.coord.rooms.Members(callID))
}

func TestInitiateCallValidation(t *testing.T) {
	fx := newCallFixture("alice", "bob")

	_, err := fx.coord.InitiateCall(context.Background(), "alice", model.CallInitiatePayload{
		ConversationID: fx.conv.ID.Hex(),
		CallType:       "hologram",
	})
	require.ErrorIs(t, err, ErrInvalidCallType)

	_, err = fx.coord.InitiateCall(context.Background(), "mallory", model.CallInitiatePayload{
		ConversationID: fx.conv.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestSecondCallInSameConversationIsRejected(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	fx.initiate(t, "alice")

	_, err := fx.coord.InitiateCall(context.Background(), "bob", model.CallInitiatePayload{
		ConversationID: fx.conv.ID.Hex(),
		CallType:       event.CallTypeVideo,
	})
	require.ErrorIs(t, err, ErrCallAlreadyActive)
}

func TestConcurrentInitiatesElectOneCall(t *testing.T) {
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	fx := newCallFixture(users...)

	start := make(chan struct{})
	errs := make(chan error, len(users))
	var wg sync.WaitGroup
	for _, id := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			<-start
			_, err := fx.coord.InitiateCall(context.Background(), userID, model.CallInitiatePayload{
				ConversationID: fx.conv.ID.Hex(),
				CallType:       event.CallTypeVoice,
			})
			errs <- err
		}(id)
	}
	close(start)
	wg.Wait()
	close(errs)

	winners, losers := 0, 0
	for err := range errs {
		if err == nil {
			winners++
			continue
		}
		require.ErrorIs(t, err, ErrCallAlreadyActive)
		losers++
	}
	require.Equal(t, 1, winners)
	require.Equal(t, len(users)-1, losers)
	require.Len(t, fx.coord.ActiveCalls(), 1)
}

func TestInitiatorAlreadyInCallIsBusy(t *testing.T) {
	convA := &model.Conversation{ID: primitive.NewObjectID(), ParticipantIDs: []string{"alice", "bob"}, IsActive: true}
	convB := &model.Conversation{ID: primitive.NewObjectID(), ParticipantIDs: []string{"alice", "carol"}, IsActive: true}
	coord := NewCoordinator(
		newFakeCallRepo(),
		newFakeConversationRepo(convA, convB),
		newFakeUserRepo(&model.User{UserID: "alice"}, &model.User{UserID: "bob"}, &model.User{UserID: "carol"}),
		fakeIssuer{},
		&fakeGateway{},
		NewRegistry(),
		zap.NewNop(),
	)

	_, err := coord.InitiateCall(context.Background(), "alice", model.CallInitiatePayload{
		ConversationID: convA.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.NoError(t, err)

	_, err = coord.InitiateCall(context.Background(), "alice", model.CallInitiatePayload{
		ConversationID: convB.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.ErrorIs(t, err, ErrCallerBusy)
}

func TestCallToBusyCalleeNeverRings(t *testing.T) {
	convA := &model.Conversation{ID: primitive.NewObjectID(), ParticipantIDs: []string{"alice", "bob"}, IsActive: true}
	convB := &model.Conversation{ID: primitive.NewObjectID(), ParticipantIDs: []string{"bob", "carol"}, IsActive: true}
	fx := newCallFixtureWith(convA, convB)
	alicePipe := fx.connect("alice")
	bobPipe := fx.connect("bob")

	// bob is mid-call elsewhere.
	otherInfo, err := fx.coord.InitiateCall(context.Background(), "bob", model.CallInitiatePayload{
		ConversationID: convB.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.NoError(t, err)

	_, err = fx.coord.InitiateCall(context.Background(), "alice", model.CallInitiatePayload{
		ConversationID: convA.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.ErrorIs(t, err, ErrCalleeBusy)

	// The initiator hears busy, the callee gets a missed-call notice and is
	// never rung.
	var busyEv model.CallBusyEvent
	require.True(t, alicePipe.last(event.EventCallBusy, &busyEv))
	require.Equal(t, []string{"bob"}, busyEv.BusyUsers)

	var missedEv model.CallMissedEvent
	require.True(t, bobPipe.last(event.EventCallMissed, &missedEv))
	require.Equal(t, "alice", missedEv.CallerID)
	require.Equal(t, event.CallEndReasonBusy, missedEv.Reason)
	require.Zero(t, bobPipe.count(event.EventCallIncoming))

	// Recorded as a busy call that never rang.
	call := fx.calls.get(missedEv.CallID)
	require.NotNil(t, call)
	require.Equal(t, model.CallStatusBusy, call.Status)
	require.Equal(t, event.CallEndReasonBusy, call.EndReason)
	require.NotNil(t, call.EndedAt)

	// The missed notice also goes out on the push channel.
	require.Eventually(t, func() bool {
		for i := 0; i < fx.gateway.count(); i++ {
			rec := fx.gateway.record(i)
			if rec.payload.Kind == "call_missed" {
				return len(rec.userIDs) == 1 && rec.userIDs[0] == "bob"
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// Once bob hangs up, the conversation can ring for real.
	require.NoError(t, fx.coord.LeaveCall(context.Background(), "bob", otherInfo.CallID))
	_, err = fx.coord.InitiateCall(context.Background(), "alice", model.CallInitiatePayload{
		ConversationID: convA.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.NoError(t, err)
	require.Equal(t, 1, bobPipe.count(event.EventCallIncoming))
}

func TestBusyInviteeGetsMissedNoticeInGroupRing(t *testing.T) {
	group := &model.Conversation{ID: primitive.NewObjectID(), ParticipantIDs: []string{"alice", "bob", "carol"}, IsActive: true}
	convB := &model.Conversation{ID: primitive.NewObjectID(), ParticipantIDs: []string{"bob", "dave"}, IsActive: true}
	fx := newCallFixtureWith(group, convB)
	bobPipe := fx.connect("bob")
	carolPipe := fx.connect("carol")

	_, err := fx.coord.InitiateCall(context.Background(), "bob", model.CallInitiatePayload{
		ConversationID: convB.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.NoError(t, err)

	// The group call still goes out: carol rings, busy bob gets the
	// missed-call notice instead.
	_, callID := fx.initiate(t, "alice")

	var incoming model.CallIncomingEvent
	require.True(t, carolPipe.last(event.EventCallIncoming, &incoming))
	require.Equal(t, callID, incoming.CallID)

	require.Zero(t, bobPipe.count(event.EventCallIncoming))
	var missedEv model.CallMissedEvent
	require.True(t, bobPipe.last(event.EventCallMissed, &missedEv))
	require.Equal(t, callID, missedEv.CallID)
	require.Equal(t, event.CallEndReasonBusy, missedEv.Reason)

	// The busy invitee counts as declined: carol's decline ends the ring.
	require.NoError(t, fx.coord.DeclineCall(context.Background(), "carol", callID, ""))
	call := fx.calls.get(callID)
	require.Equal(t, model.CallStatusDeclined, call.Status)
	require.Equal(t, event.CallEndReasonDeclined, call.EndReason)
}

func TestJoinCallMovesToOngoing(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	alicePipe := fx.connect("alice")
	fx.connect("bob")

	_, callID := fx.initiate(t, "alice")

	info, err := fx.coord.JoinCall(context.Background(), "bob", callID)
	require.NoError(t, err)
	require.Equal(t, callID, info.CallID)
	require.NotEmpty(t, info.Token)

	require.Equal(t, model.CallStatusOngoing, fx.calls.get(callID).Status)
	require.ElementsMatch(t, []string{"alice", "bob"}, fx.coord.rooms.Members(callID))

	var joined model.CallParticipantJoinedEvent
	require.True(t, alicePipe.last(event.EventCallParticipantJoined, &joined))
	require.Equal(t, "bob", joined.UserID)
}

func TestJoinCallValidation(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	_, callID := fx.initiate(t, "alice")

	_, err := fx.coord.JoinCall(context.Background(), "mallory", callID)
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = fx.coord.JoinCall(context.Background(), "bob", "no-such-call")
	require.ErrorIs(t, err, ErrCallNotFound)
}

func TestDeclineOneToOneCallIsTerminal(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	alicePipe := fx.connect("alice")

	_, callID := fx.initiate(t, "alice")

	require.NoError(t, fx.coord.DeclineCall(context.Background(), "bob", callID, "busy"))

	call := fx.calls.get(callID)
	require.Equal(t, model.CallStatusDeclined, call.Status)
	require.Equal(t, event.CallEndReasonDeclined, call.EndReason)

	var declined model.CallDeclinedEvent
	require.True(t, alicePipe.last(event.EventCallDeclined, &declined))
	require.True(t, declined.Final)
	require.Equal(t, "bob", declined.DeclinedBy)

	// The room is gone and the conversation slot is free again.
	require.Empty(t, fx.coord.rooms.Members(callID))
	_, err := fx.coord.InitiateCall(context.Background(), "bob", model.CallInitiatePayload{
		ConversationID: fx.conv.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.NoError(t, err)
}

func TestDeclineInGroupIsPartialUntilEveryoneDeclines(t *testing.T) {
	fx := newCallFixture("alice", "bob", "carol")
	alicePipe := fx.connect("alice")

	_, callID := fx.initiate(t, "alice")

	require.NoError(t, fx.coord.DeclineCall(context.Background(), "bob", callID, ""))

	var declined model.CallDeclinedEvent
	require.True(t, alicePipe.last(event.EventCallDeclined, &declined))
	require.False(t, declined.Final)
	require.Equal(t, model.CallStatusRinging, fx.calls.get(callID).Status)

	// The last invitee declining ends the ring.
	require.NoError(t, fx.coord.DeclineCall(context.Background(), "carol", callID, ""))
	require.True(t, alicePipe.last(event.EventCallDeclined, &declined))
	require.True(t, declined.Final)
	require.Equal(t, model.CallStatusDeclined, fx.calls.get(callID).Status)
}

func TestLastLeaveEndsCall(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	bobPipe := fx.connect("bob")

	_, callID := fx.initiate(t, "alice")
	_, err := fx.coord.JoinCall(context.Background(), "bob", callID)
	require.NoError(t, err)

	require.NoError(t, fx.coord.LeaveCall(context.Background(), "alice", callID))
	require.Equal(t, model.CallStatusOngoing, fx.calls.get(callID).Status)
	require.Equal(t, 1, bobPipe.count(event.EventCallParticipantLeft))

	require.NoError(t, fx.coord.LeaveCall(context.Background(), "bob", callID))
	call := fx.calls.get(callID)
	require.Equal(t, model.CallStatusEnded, call.Status)
	require.Equal(t, event.CallEndReasonLastLeft, call.EndReason)
	require.NotNil(t, call.EndedAt)
}

func TestLeaveRequiresMembership(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	_, callID := fx.initiate(t, "alice")

	require.ErrorIs(t, fx.coord.LeaveCall(context.Background(), "bob", callID), ErrNotRoomMember)
}

func TestEndCallTerminatesForEveryone(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	bobPipe := fx.connect("bob")

	_, callID := fx.initiate(t, "alice")
	_, err := fx.coord.JoinCall(context.Background(), "bob", callID)
	require.NoError(t, err)

	require.NoError(t, fx.coord.EndCall(context.Background(), "alice", callID, ""))

	call := fx.calls.get(callID)
	require.Equal(t, model.CallStatusEnded, call.Status)
	require.Equal(t, event.CallEndReasonNormal, call.EndReason)

	var ended model.CallEndedEvent
	require.True(t, bobPipe.last(event.EventCallEnded, &ended))
	require.Equal(t, "alice", ended.EndedBy)

	// A second hangup hits the terminal guard.
	require.ErrorIs(t, fx.coord.EndCall(context.Background(), "alice", callID, ""), ErrCallTerminal)
}

func TestParticipantStatusRebroadcast(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	alicePipe := fx.connect("alice")

	_, callID := fx.initiate(t, "alice")
	_, err := fx.coord.JoinCall(context.Background(), "bob", callID)
	require.NoError(t, err)

	muted := true
	require.NoError(t, fx.coord.UpdateParticipantStatus(context.Background(), "bob", model.CallParticipantStatusPayload{
		CallID:  callID,
		IsMuted: &muted,
	}))

	var status model.CallParticipantStatusEvent
	require.True(t, alicePipe.last(event.EventCallParticipantStatusChanged, &status))
	require.Equal(t, "bob", status.UserID)
	require.True(t, status.IsMuted)
}

func TestInviteToCallRingsInvitee(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	davePipe := &fakePipe{}
	fx.registry.RegisterSession("dave", "dave-s1", davePipe)

	_, callID := fx.initiate(t, "alice")

	// dave is outside the conversation snapshot; the invite admits him.
	require.NoError(t, fx.coord.InviteToCall(context.Background(), "alice", callID, "dave"))

	var incoming model.CallIncomingEvent
	require.True(t, davePipe.last(event.EventCallIncoming, &incoming))
	require.Equal(t, callID, incoming.CallID)

	_, err := fx.coord.JoinCall(context.Background(), "dave", callID)
	require.NoError(t, err)
	require.Contains(t, fx.coord.rooms.Members(callID), "dave")

	// Non-members cannot invite.
	require.ErrorIs(t, fx.coord.InviteToCall(context.Background(), "bob", callID, "eve"), ErrNotRoomMember)
}

func TestHandleDisconnectLeavesCalls(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	fx.connect("alice")

	_, callID := fx.initiate(t, "alice")
	_, err := fx.coord.JoinCall(context.Background(), "bob", callID)
	require.NoError(t, err)

	fx.coord.HandleDisconnect("bob")
	require.Equal(t, []string{"alice"}, fx.coord.rooms.Members(callID))

	fx.coord.HandleDisconnect("alice")
	require.Equal(t, model.CallStatusEnded, fx.calls.get(callID).Status)
}

func TestReapStaleCalls(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	_, ringingID := fx.initiate(t, "alice")

	// Backdate the ringing call past the threshold.
	fx.calls.mu.Lock()
	fx.calls.calls[ringingID].StartedAt = time.Now().Add(-2 * time.Hour)
	fx.calls.mu.Unlock()

	reaped, err := fx.coord.ReapStaleCalls(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	call := fx.calls.get(ringingID)
	require.Equal(t, model.CallStatusMissed, call.Status)
	require.Equal(t, event.CallEndReasonMissed, call.EndReason)
	require.Zero(t, call.Duration)

	// The conversation can ring again.
	_, err = fx.coord.InitiateCall(context.Background(), "bob", model.CallInitiatePayload{
		ConversationID: fx.conv.ID.Hex(),
		CallType:       event.CallTypeVoice,
	})
	require.NoError(t, err)

	// Nothing left to reap.
	reaped, err = fx.coord.ReapStaleCalls(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, reaped)
}

func TestActiveCallsSnapshot(t *testing.T) {
	fx := newCallFixture("alice", "bob")
	_, callID := fx.initiate(t, "alice")

	infos := fx.coord.ActiveCalls()
	require.Len(t, infos, 1)
	require.Equal(t, callID, infos[0].CallID)
	require.Equal(t, "alice", infos[0].InitiatorID)
	require.Equal(t, model.CallStatusRinging, infos[0].Status)
	require.Equal(t, []string{"alice"}, infos[0].RoomMembers)
}
