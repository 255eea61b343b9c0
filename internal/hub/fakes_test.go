package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"Voxlink/internal/db"
	"Voxlink/internal/event"
	"Voxlink/internal/media"
	"Voxlink/internal/model"
	"Voxlink/internal/push"
	"Voxlink/internal/repo"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakePipe records everything sent to one session.
type fakePipe struct {
	mu     sync.Mutex
	events []event.WsEvent
}

func (p *fakePipe) SafeSend(ev event.WsEvent, _ time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return true
}

func (p *fakePipe) Shutdown() {}

func (p *fakePipe) count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Event == name {
			n++
		}
	}
	return n
}

func (p *fakePipe) last(name string, out any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Event == name {
			return json.Unmarshal(p.events[i].Payload, out) == nil
		}
	}
	return false
}

// fakeGateway records push dispatches.
type fakeGateway struct {
	mu     sync.Mutex
	pushes []pushRecord
}

type pushRecord struct {
	userIDs []string
	payload push.Payload
}

func (g *fakeGateway) Push(_ context.Context, userIDs []string, payload push.Payload) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, pushRecord{userIDs: userIDs, payload: payload})
	return nil
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

func (g *fakeGateway) record(i int) pushRecord {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pushes[i]
}

// fakeMessageRepo keeps messages in a map keyed by message id.
type fakeMessageRepo struct {
	mu       sync.Mutex
	messages map[string]*model.Message
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{messages: make(map[string]*model.Message)}
}

func (f *fakeMessageRepo) InsertMessage(_ context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = primitive.NewObjectID()
	cp := *msg
	f.messages[msg.MessageID] = &cp
	return nil
}

func (f *fakeMessageRepo) GetMessage(_ context.Context, messageID string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (f *fakeMessageRepo) ListConversationMessages(_ context.Context, _ string, _ int64) (*db.PaginatedResult[model.Message], error) {
	return &db.PaginatedResult[model.Message]{}, nil
}

func (f *fakeMessageRepo) MarkEdited(_ context.Context, messageID, body string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return repo.ErrNotFound
	}
	msg.Body = body
	msg.IsEdited = true
	msg.EditedAt = &at
	return nil
}

func (f *fakeMessageRepo) MarkDeletedForEveryone(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return repo.ErrNotFound
	}
	msg.IsDeleted = true
	msg.Body = ""
	msg.FileURL = nil
	return nil
}

func (f *fakeMessageRepo) HideForUser(_ context.Context, messageID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return repo.ErrNotFound
	}
	for _, id := range msg.HiddenFor {
		if id == userID {
			return nil
		}
	}
	msg.HiddenFor = append(msg.HiddenFor, userID)
	return nil
}

func (f *fakeMessageRepo) IncrementForwardCount(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := f.messages[messageID]; ok {
		msg.ForwardCount++
	}
	return nil
}

func (f *fakeMessageRepo) AddReaction(_ context.Context, messageID string, r model.Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return repo.ErrNotFound
	}
	msg.Reactions = append(msg.Reactions, r)
	return nil
}

func (f *fakeMessageRepo) RemoveReaction(_ context.Context, messageID, userID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return repo.ErrNotFound
	}
	kept := msg.Reactions[:0]
	for _, r := range msg.Reactions {
		if r.UserID != userID || r.Emoji != emoji {
			kept = append(kept, r)
		}
	}
	msg.Reactions = kept
	return nil
}

func (f *fakeMessageRepo) PurgeExpired(_ context.Context, now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, msg := range f.messages {
		if msg.ExpiresAt != nil && msg.ExpiresAt.Before(now) {
			ids = append(ids, id)
			delete(f.messages, id)
		}
	}
	return ids, nil
}

func (f *fakeMessageRepo) get(messageID string) *model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[messageID]
}

// fakeStatusRepo enforces the monotonic Advance contract in memory.
type fakeStatusRepo struct {
	mu       sync.Mutex
	statuses map[string]*model.MessageStatus // messageID|userID
}

func newFakeStatusRepo() *fakeStatusRepo {
	return &fakeStatusRepo{statuses: make(map[string]*model.MessageStatus)}
}

func statusKey(messageID, userID string) string { return messageID + "|" + userID }

func (f *fakeStatusRepo) InitStatuses(_ context.Context, statuses []model.MessageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range statuses {
		st := statuses[i]
		f.statuses[statusKey(st.MessageID, st.UserID)] = &st
	}
	return nil
}

func (f *fakeStatusRepo) Advance(_ context.Context, messageID, userID string, level int, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[statusKey(messageID, userID)]
	if !ok || st.Status >= level {
		return false, nil
	}
	st.Status = level
	switch level {
	case model.StatusDelivered:
		st.DeliveredAt = &at
	case model.StatusRead:
		st.ReadAt = &at
	}
	return true, nil
}

func (f *fakeStatusRepo) GetForMessage(_ context.Context, messageID string) ([]model.MessageStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MessageStatus
	for _, st := range f.statuses {
		if st.MessageID == messageID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (f *fakeStatusRepo) DeleteForMessages(_ context.Context, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range messageIDs {
		for key, st := range f.statuses {
			if st.MessageID == id {
				delete(f.statuses, key)
			}
		}
	}
	return nil
}

func (f *fakeStatusRepo) get(messageID, userID string) *model.MessageStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[statusKey(messageID, userID)]
}

// fakeConversationRepo serves a fixed conversation set.
type fakeConversationRepo struct {
	conversations map[string]*model.Conversation
}

func newFakeConversationRepo(convs ...*model.Conversation) *fakeConversationRepo {
	f := &fakeConversationRepo{conversations: make(map[string]*model.Conversation)}
	for _, c := range convs {
		f.conversations[c.ID.Hex()] = c
	}
	return f
}

func (f *fakeConversationRepo) GetConversation(_ context.Context, conversationID string) (*model.Conversation, error) {
	conv, ok := f.conversations[conversationID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return conv, nil
}

func (f *fakeConversationRepo) ListActiveConversations(_ context.Context) ([]model.Conversation, error) {
	out := make([]model.Conversation, 0, len(f.conversations))
	for _, c := range f.conversations {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeConversationRepo) PeersOf(_ context.Context, userID string) ([]string, error) {
	seen := make(map[string]struct{})
	var peers []string
	for _, conv := range f.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		for _, id := range conv.ParticipantIDs {
			if id == userID {
				continue
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				peers = append(peers, id)
			}
		}
	}
	return peers, nil
}

// fakeUserRepo serves user lookups and records presence writes.
type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newFakeUserRepo(users ...*model.User) *fakeUserRepo {
	f := &fakeUserRepo{users: make(map[string]*model.User)}
	for _, u := range users {
		f.users[u.UserID] = u
	}
	return f
}

func (f *fakeUserRepo) GetUser(_ context.Context, userID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return u, nil
}

func (f *fakeUserRepo) SetPresence(_ context.Context, userID string, online bool, lastSeen *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.IsOnline = online
		if lastSeen != nil {
			u.LastSeen = lastSeen
		}
	}
	return nil
}

// fakeCallRepo mirrors the conditional-update semantics of the real one.
type fakeCallRepo struct {
	mu           sync.Mutex
	calls        map[string]*model.CallSession
	participants map[string]*model.CallParticipant // callID|userID
}

func newFakeCallRepo() *fakeCallRepo {
	return &fakeCallRepo{
		calls:        make(map[string]*model.CallSession),
		participants: make(map[string]*model.CallParticipant),
	}
}

func (f *fakeCallRepo) CreateCall(_ context.Context, call *model.CallSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *call
	f.calls[call.CallID] = &cp
	return nil
}

func (f *fakeCallRepo) GetCall(_ context.Context, callID string) (*model.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.calls[callID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *call
	return &cp, nil
}

func (f *fakeCallRepo) MarkOngoing(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if call, ok := f.calls[callID]; ok && call.Status == model.CallStatusRinging {
		call.Status = model.CallStatusOngoing
	}
	return nil
}

func (f *fakeCallRepo) FinishCall(_ context.Context, callID string, status int, reason string, endedAt time.Time, duration int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call, ok := f.calls[callID]
	if !ok {
		return false, nil
	}
	if call.Status != model.CallStatusRinging && call.Status != model.CallStatusOngoing {
		return false, nil
	}
	call.Status = status
	call.EndReason = reason
	call.EndedAt = &endedAt
	call.Duration = duration
	return true, nil
}

func (f *fakeCallRepo) HasActiveCall(_ context.Context, conversationID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if call.ConversationID.Hex() == conversationID &&
			(call.Status == model.CallStatusRinging || call.Status == model.CallStatusOngoing) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCallRepo) FindStale(_ context.Context, olderThan time.Time) ([]model.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CallSession
	for _, call := range f.calls {
		if (call.Status == model.CallStatusRinging || call.Status == model.CallStatusOngoing) &&
			call.StartedAt.Before(olderThan) {
			out = append(out, *call)
		}
	}
	return out, nil
}

func (f *fakeCallRepo) UpsertParticipant(_ context.Context, p model.CallParticipant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[statusKey(p.CallID, p.UserID)] = &p
	return nil
}

func (f *fakeCallRepo) SetParticipantStatus(_ context.Context, callID, userID string, status int, at *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusKey(callID, userID)
	p, ok := f.participants[key]
	if !ok {
		p = &model.CallParticipant{CallID: callID, UserID: userID}
		f.participants[key] = p
	}
	p.Status = status
	switch status {
	case model.ParticipantJoined:
		p.JoinedAt = at
	case model.ParticipantLeft:
		p.LeftAt = at
	}
	return nil
}

func (f *fakeCallRepo) SetParticipantMedia(_ context.Context, callID, userID string, muted, video bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.participants[statusKey(callID, userID)]; ok {
		p.IsMuted = muted
		p.IsVideoEnabled = video
	}
	return nil
}

func (f *fakeCallRepo) ListParticipants(_ context.Context, callID string) ([]model.CallParticipant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CallParticipant
	for _, p := range f.participants {
		if p.CallID == callID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeCallRepo) get(callID string) *model.CallSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[callID]
}

// fakeIssuer mints deterministic tokens.
type fakeIssuer struct{}

func (fakeIssuer) IssueRoomToken(userID, roomID, _ string) (media.RoomToken, error) {
	return media.RoomToken{Token: "tok-" + userID + "-" + roomID, TTL: time.Hour}, nil
}

func (fakeIssuer) ServerURL() string { return "wss://media.test" }
