package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"Voxlink/internal/event"
	"Voxlink/internal/model"
	"Voxlink/internal/push"
	"Voxlink/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const messagePreviewLimit = 80

// convLocks serializes message sends per conversation so live delivery order
// matches insertion order. Keyed on the conversation id, sharded like the
// registry.
type convLocks struct {
	shards [registryShards]struct {
		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}
}

func newConvLocks() *convLocks {
	l := &convLocks{}
	for i := range l.shards {
		l.shards[i].locks = make(map[string]*sync.Mutex)
	}
	return l
}

func (l *convLocks) lockFor(conversationID string) *sync.Mutex {
	s := &l.shards[shardOf(conversationID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.locks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[conversationID] = m
	}
	return m
}

// Fanout is the message delivery engine: it persists messages, pushes them to
// every live session of every participant, tracks monotonic delivery status,
// and falls back to the notification gateway for offline recipients.
type Fanout struct {
	messages      repo.MessageRepository
	statuses      repo.StatusRepository
	conversations repo.ConversationRepository
	users         repo.UserRepository
	registry      *Registry
	gateway       push.Gateway
	hub           *Hub
	sendLocks     *convLocks
	logger        *zap.Logger
}

func NewFanout(
	messages repo.MessageRepository,
	statuses repo.StatusRepository,
	conversations repo.ConversationRepository,
	users repo.UserRepository,
	registry *Registry,
	gateway push.Gateway,
	logger *zap.Logger,
) *Fanout {
	return &Fanout{
		messages:      messages,
		statuses:      statuses,
		conversations: conversations,
		users:         users,
		registry:      registry,
		gateway:       gateway,
		sendLocks:     newConvLocks(),
		logger:        logger,
	}
}

// SetHub wires the hub for group chatter (typing). Called once during startup.
func (f *Fanout) SetHub(h *Hub) {
	f.hub = h
}

// HandleMessageEvent parses and dispatches one inbound socket event. Failures
// are reported back to the originating session as error envelopes; they never
// affect other sessions.
func (f *Fanout) HandleMessageEvent(ev event.WsEvent, c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var err error
	switch ev.Event {
	case event.EventMessageSend:
		var p event.SendPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			_, err = f.SendMessage(ctx, c.UserID(), p)
		}
	case event.EventMessageDelivered:
		var p event.AckPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			err = f.Acknowledge(ctx, c.UserID(), p.MessageID, model.StatusDelivered)
		}
	case event.EventMessageRead:
		var p event.AckPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			err = f.Acknowledge(ctx, c.UserID(), p.MessageID, model.StatusRead)
		}
	case event.EventMessageEdit:
		var p event.EditPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			err = f.EditMessage(ctx, c.UserID(), p.MessageID, p.Body)
		}
	case event.EventMessageDelete:
		var p event.DeletePayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			err = f.DeleteMessage(ctx, c.UserID(), p.MessageID, p.ForEveryone)
		}
	case event.EventMessageForward:
		var p event.ForwardPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			err = f.ForwardMessage(ctx, c.UserID(), p.MessageID, p.ConversationIDs)
		}
	case event.EventReactionAdd:
		var p event.ReactionPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			err = f.AddReaction(ctx, c.UserID(), p.MessageID, p.Emoji)
		}
	case event.EventReactionRemove:
		var p event.ReactionPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			err = f.RemoveReaction(ctx, c.UserID(), p.MessageID, p.Emoji)
		}
	case event.EventTypingStart, event.EventTypingStop:
		var p event.TypingPayload
		if err = json.Unmarshal(ev.Payload, &p); err == nil {
			f.RelayTyping(c, p.ConversationID, ev.Event == event.EventTypingStart)
		}
	}

	if err != nil {
		f.logger.Debug("message event failed",
			zap.String("event", ev.Event),
			zap.String("user_id", c.UserID()),
			zap.Error(err),
		)
		c.SafeSend(event.Envelope(event.EventError, model.ErrorPayload{
			Code:    errorCode(err),
			Message: err.Error(),
		}), sendTimeout)
	}
}

// SendMessage persists the message, writes the initial Sent status rows, then
// fans the message out to every participant's live sessions. Offline
// recipients get one push notification each. Storage failure aborts the send;
// delivery failures do not.
func (f *Fanout) SendMessage(ctx context.Context, senderID string, p event.SendPayload) (*model.Message, error) {
	conv, err := f.loadConversation(ctx, p.ConversationID, senderID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &model.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Type:           p.Type,
		Body:           p.Body,
		FileURL:        p.FileURL,
		Reactions:      []model.Reaction{},
		CreatedAt:      now,
	}
	if p.ReplyTo != nil {
		if oid, oidErr := parseObjectID(*p.ReplyTo); oidErr == nil {
			msg.ReplyTo = &oid
		}
	}
	if p.TTLSeconds > 0 {
		expiresAt := now.Add(time.Duration(p.TTLSeconds) * time.Second)
		msg.ExpiresAt = &expiresAt
	}

	// Sends within one conversation are serialized so live delivery order
	// matches storage order. The insert happens under the lock on purpose;
	// the lock is per-conversation and sends are the only holders.
	lock := f.sendLocks.lockFor(p.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := f.messages.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	recipients := make([]string, 0, len(conv.ParticipantIDs))
	statuses := make([]model.MessageStatus, 0, len(conv.ParticipantIDs))
	for _, id := range conv.ParticipantIDs {
		if id == senderID {
			continue
		}
		recipients = append(recipients, id)
		statuses = append(statuses, model.MessageStatus{
			MessageID:      msg.MessageID,
			ConversationID: conv.ID,
			UserID:         id,
			Status:         model.StatusSent,
		})
	}
	// InitStatuses never fails the send; a missing row degrades that
	// recipient's acks to no-ops.
	_ = f.statuses.InitStatuses(ctx, statuses)

	ev := event.Envelope(event.EventMessageReceived, msg)

	offline := make([]string, 0)
	for _, id := range conv.ParticipantIDs {
		// The sender's other devices receive the echo too.
		if f.registry.Send(id, ev, sendTimeout) == 0 && id != senderID {
			offline = append(offline, id)
		}
	}

	if len(offline) > 0 {
		f.pushMessageNotification(senderID, conv, msg, offline)
	}

	f.logger.Info("message fanned out",
		zap.String("message_id", msg.MessageID),
		zap.String("conversation_id", p.ConversationID),
		zap.Int("recipients", len(recipients)),
		zap.Int("offline", len(offline)),
	)
	return msg, nil
}

// pushMessageNotification dispatches the offline fallback in a detached
// goroutine. Push failure is log-only.
func (f *Fanout) pushMessageNotification(senderID string, conv *model.Conversation, msg *model.Message, userIDs []string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error("push dispatch panicked", zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		title := conv.ConversationName
		if sender, err := f.users.GetUser(ctx, senderID); err == nil {
			title = sender.DisplayName()
		}

		payload := push.Payload{
			Kind:  "message",
			Title: title,
			Body:  preview(msg.Body),
			Data: map[string]string{
				"conversationId": conv.ID.Hex(),
				"messageId":      msg.MessageID,
			},
		}
		if err := f.gateway.Push(ctx, userIDs, payload); err != nil {
			f.logger.Warn("offline push failed",
				zap.String("message_id", msg.MessageID),
				zap.Error(err),
			)
		}
	}()
}

// Acknowledge advances one recipient's delivery status to the given level. The
// broadcast fires only when the row actually advanced, so duplicate and
// out-of-order acks are silently absorbed.
func (f *Fanout) Acknowledge(ctx context.Context, userID, messageID string, level int) error {
	now := time.Now()
	advanced, err := f.statuses.Advance(ctx, messageID, userID, level, now)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	msg, err := f.messages.GetMessage(ctx, messageID)
	if err != nil {
		// The status row advanced; a missing message only means nobody is
		// left to notify.
		return nil
	}

	ev := event.Envelope(event.EventMessageStatusChanged, model.MessageStatusChanged{
		MessageID:      messageID,
		ConversationID: msg.ConversationID.Hex(),
		UserID:         userID,
		Status:         level,
		At:             now.UTC().Format(time.RFC3339),
	})
	f.broadcastToConversation(ctx, msg.ConversationID.Hex(), ev, "")
	return nil
}

// EditMessage replaces the body. Only the sender may edit; a message deleted
// for everyone cannot be edited.
func (f *Fanout) EditMessage(ctx context.Context, userID, messageID, body string) error {
	msg, err := f.lookupOwned(ctx, messageID, userID)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := f.messages.MarkEdited(ctx, messageID, body, now); err != nil {
		return mapRepoErr(err)
	}

	ev := event.Envelope(event.EventMessageEdited, model.MessageEdited{
		MessageID:      messageID,
		ConversationID: msg.ConversationID.Hex(),
		Body:           body,
		EditedAt:       now.Unix(),
	})
	f.broadcastToConversation(ctx, msg.ConversationID.Hex(), ev, "")
	return nil
}

// DeleteMessage handles both scopes. "For everyone" requires sendership,
// clears the content and broadcasts a tombstone; "for me" hides the message
// for the requesting user only and notifies only their own sessions.
func (f *Fanout) DeleteMessage(ctx context.Context, userID, messageID string, forEveryone bool) error {
	msg, err := f.messages.GetMessage(ctx, messageID)
	if err != nil {
		return mapRepoErr(err)
	}

	if forEveryone {
		if msg.SenderID != userID {
			return ErrNotSender
		}
		if err := f.messages.MarkDeletedForEveryone(ctx, messageID); err != nil {
			return mapRepoErr(err)
		}
		ev := event.Envelope(event.EventMessageDeleted, model.MessageDeleted{
			MessageID:      messageID,
			ConversationID: msg.ConversationID.Hex(),
			DeletedBy:      userID,
			ForEveryone:    true,
			Timestamp:      time.Now().Unix(),
		})
		f.broadcastToConversation(ctx, msg.ConversationID.Hex(), ev, "")
		return nil
	}

	if err := f.messages.HideForUser(ctx, messageID, userID); err != nil {
		return mapRepoErr(err)
	}
	ev := event.Envelope(event.EventMessageDeleted, model.MessageDeleted{
		MessageID:      messageID,
		ConversationID: msg.ConversationID.Hex(),
		DeletedBy:      userID,
		ForEveryone:    false,
		Timestamp:      time.Now().Unix(),
	})
	// "For me" only concerns the requester's other devices.
	f.registry.Send(userID, ev, sendTimeout)
	return nil
}

// ForwardMessage copies the message into each target conversation as a fresh
// send with provenance. Targets are independent: a failure on one does not
// stop the rest, and the first error is what the caller sees.
func (f *Fanout) ForwardMessage(ctx context.Context, userID, messageID string, conversationIDs []string) error {
	original, err := f.messages.GetMessage(ctx, messageID)
	if err != nil {
		return mapRepoErr(err)
	}
	if original.IsDeleted {
		return ErrMessageNotFound
	}

	// Provenance points at the origin of the chain, not the latest forwarder.
	origin := original.SenderID
	if original.ForwardedFrom != nil {
		origin = *original.ForwardedFrom
	}

	var firstErr error
	forwarded := 0
	for _, convID := range conversationIDs {
		conv, err := f.loadConversation(ctx, convID, userID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		copyMsg, err := f.sendForwardCopy(ctx, userID, conv, original, origin)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		forwarded++
		f.logger.Debug("message forwarded",
			zap.String("original_id", messageID),
			zap.String("copy_id", copyMsg.MessageID),
			zap.String("conversation_id", convID),
		)
	}

	if forwarded > 0 {
		if err := f.messages.IncrementForwardCount(ctx, messageID); err != nil {
			f.logger.Warn("forward count update failed",
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
	}
	return firstErr
}

func (f *Fanout) sendForwardCopy(ctx context.Context, senderID string, conv *model.Conversation, original *model.Message, origin string) (*model.Message, error) {
	now := time.Now()
	msg := &model.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Type:           original.Type,
		Body:           original.Body,
		FileURL:        original.FileURL,
		Reactions:      []model.Reaction{},
		CreatedAt:      now,
		ForwardedFrom:  &origin,
	}

	lock := f.sendLocks.lockFor(conv.ID.Hex())
	lock.Lock()
	defer lock.Unlock()

	if err := f.messages.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	statuses := make([]model.MessageStatus, 0, len(conv.ParticipantIDs))
	for _, id := range conv.ParticipantIDs {
		if id == senderID {
			continue
		}
		statuses = append(statuses, model.MessageStatus{
			MessageID:      msg.MessageID,
			ConversationID: conv.ID,
			UserID:         id,
			Status:         model.StatusSent,
		})
	}
	_ = f.statuses.InitStatuses(ctx, statuses)

	ev := event.Envelope(event.EventMessageReceived, msg)
	offline := make([]string, 0)
	for _, id := range conv.ParticipantIDs {
		if f.registry.Send(id, ev, sendTimeout) == 0 && id != senderID {
			offline = append(offline, id)
		}
	}
	if len(offline) > 0 {
		f.pushMessageNotification(senderID, conv, msg, offline)
	}
	return msg, nil
}

// AddReaction records the reaction and broadcasts it.
func (f *Fanout) AddReaction(ctx context.Context, userID, messageID, emoji string) error {
	msg, err := f.messages.GetMessage(ctx, messageID)
	if err != nil {
		return mapRepoErr(err)
	}

	if err := f.messages.AddReaction(ctx, messageID, model.Reaction{UserID: userID, Emoji: emoji}); err != nil {
		return mapRepoErr(err)
	}

	ev := event.Envelope(event.EventReactionAdded, model.ReactionEvent{
		MessageID:      messageID,
		ConversationID: msg.ConversationID.Hex(),
		UserID:         userID,
		Emoji:          emoji,
		Timestamp:      time.Now().Unix(),
	})
	f.broadcastToConversation(ctx, msg.ConversationID.Hex(), ev, "")
	return nil
}

// RemoveReaction removes the user's reaction and broadcasts the removal.
func (f *Fanout) RemoveReaction(ctx context.Context, userID, messageID, emoji string) error {
	msg, err := f.messages.GetMessage(ctx, messageID)
	if err != nil {
		return mapRepoErr(err)
	}

	if err := f.messages.RemoveReaction(ctx, messageID, userID, emoji); err != nil {
		return mapRepoErr(err)
	}

	ev := event.Envelope(event.EventReactionRemoved, model.ReactionEvent{
		MessageID:      messageID,
		ConversationID: msg.ConversationID.Hex(),
		UserID:         userID,
		Emoji:          emoji,
		Timestamp:      time.Now().Unix(),
	})
	f.broadcastToConversation(ctx, msg.ConversationID.Hex(), ev, "")
	return nil
}

// RelayTyping forwards a typing indicator to the sender's conversation group.
// Typing is transient: nothing persists, nothing goes to push.
func (f *Fanout) RelayTyping(c *Client, conversationID string, isTyping bool) {
	if f.hub == nil || conversationID == "" {
		return
	}
	ev := event.Envelope(event.EventTyping, model.TypingIndicator{
		ConversationID: conversationID,
		UserID:         c.UserID(),
		IsTyping:       isTyping,
	})
	f.hub.PublishToGroup(conversationID, ev, c.ID)
}

// PurgeExpiredMessages removes every message past its expiry together with its
// status rows. Janitor entry point.
func (f *Fanout) PurgeExpiredMessages(ctx context.Context) (int, error) {
	ids, err := f.messages.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := f.statuses.DeleteForMessages(ctx, ids); err != nil {
		// Orphaned status rows are harmless; the next sweep will not see the
		// message ids again, so log loudly.
		f.logger.Error("purge left orphaned status rows",
			zap.Int("messages", len(ids)),
			zap.Error(err),
		)
	}
	return len(ids), nil
}

// -----------------------------------------------------------------
// helpers
// -----------------------------------------------------------------

func (f *Fanout) loadConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := f.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		// An unknown conversation and a foreign one look the same to the
		// caller.
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotParticipant
		}
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

func (f *Fanout) lookupOwned(ctx context.Context, messageID, userID string) (*model.Message, error) {
	msg, err := f.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	if msg.IsDeleted {
		return nil, ErrMessageNotFound
	}
	if msg.SenderID != userID {
		return nil, ErrNotSender
	}
	return msg, nil
}

// broadcastToConversation sends to every participant's live sessions.
func (f *Fanout) broadcastToConversation(ctx context.Context, conversationID string, ev event.WsEvent, except string) {
	conv, err := f.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		f.logger.Warn("broadcast target lookup failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}
	for _, id := range conv.ParticipantIDs {
		if id == except {
			continue
		}
		f.registry.Send(id, ev, sendTimeout)
	}
}

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= messagePreviewLimit {
		return body
	}
	return string(runes[:messagePreviewLimit]) + "…"
}
