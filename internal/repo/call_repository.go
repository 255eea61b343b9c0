package repo

import (
	"Voxlink/internal/db"
	"Voxlink/internal/model"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// Non-terminal call statuses, used by the active-call and stale-call queries.
var liveCallStatuses = []int{model.CallStatusRinging, model.CallStatusOngoing}

// CallRepository owns the calls and call_participants collections.
type CallRepository interface {
	CreateCall(ctx context.Context, call *model.CallSession) error
	GetCall(ctx context.Context, callID string) (*model.CallSession, error)
	MarkOngoing(ctx context.Context, callID string) error
	FinishCall(ctx context.Context, callID string, status int, reason string, endedAt time.Time, duration int) (bool, error)
	HasActiveCall(ctx context.Context, conversationID string) (bool, error)
	FindStale(ctx context.Context, olderThan time.Time) ([]model.CallSession, error)

	UpsertParticipant(ctx context.Context, p model.CallParticipant) error
	SetParticipantStatus(ctx context.Context, callID, userID string, status int, at *time.Time) error
	SetParticipantMedia(ctx context.Context, callID, userID string, muted, video bool) error
	ListParticipants(ctx context.Context, callID string) ([]model.CallParticipant, error)
}

type callRepository struct {
	calls        *db.Repository[model.CallSession]
	participants *db.Repository[model.CallParticipant]
	logger       *zap.Logger
}

func NewCallRepository(calls *db.Repository[model.CallSession], participants *db.Repository[model.CallParticipant], logger *zap.Logger) CallRepository {
	return &callRepository{
		calls:        calls,
		participants: participants,
		logger:       logger,
	}
}

func (c *callRepository) CreateCall(ctx context.Context, call *model.CallSession) error {
	if call == nil || call.CallID == "" {
		return ErrInvalidCallID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if _, err := c.calls.Create(ctx, *call); err != nil {
		return fmt.Errorf("create call: %w", err)
	}

	c.logger.Info("call created",
		zap.String("call_id", call.CallID),
		zap.String("conversation_id", call.ConversationID.Hex()),
		zap.String("call_type", call.CallType),
	)
	return nil
}

func (c *callRepository) GetCall(ctx context.Context, callID string) (*model.CallSession, error) {
	if callID == "" {
		return nil, ErrInvalidCallID
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	call, err := c.calls.FindOne(ctx, db.NewFilter().Eq("call_id", callID).Build())
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get call: %w", err)
	}
	return call, nil
}

func (c *callRepository) MarkOngoing(ctx context.Context, callID string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	_, err := c.calls.UpdateRaw(ctx,
		db.NewFilter().Eq("call_id", callID).Eq("status", model.CallStatusRinging).Build(),
		bson.M{"$set": bson.M{"status": model.CallStatusOngoing}},
	)
	if err != nil {
		return fmt.Errorf("mark call ongoing: %w", err)
	}
	return nil
}

// FinishCall moves a call to a terminal status. The non-terminal filter makes
// the transition exactly-once: the second finisher of a race matches nothing
// and is reported as a no-op.
func (c *callRepository) FinishCall(ctx context.Context, callID string, status int, reason string, endedAt time.Time, duration int) (bool, error) {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().
		Eq("call_id", callID).
		In("status", liveCallStatuses).
		Build()

	res, err := c.calls.UpdateRaw(ctx, filter, bson.M{"$set": bson.M{
		"status":     status,
		"end_reason": reason,
		"ended_at":   endedAt,
		"duration":   duration,
	}})
	if err != nil {
		return false, fmt.Errorf("finish call: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (c *callRepository) HasActiveCall(ctx context.Context, conversationID string) (bool, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().
		ObjectID("conversation_id", conversationID).
		In("status", liveCallStatuses).
		Build()

	return c.calls.Exists(ctx, filter)
}

func (c *callRepository) FindStale(ctx context.Context, olderThan time.Time) ([]model.CallSession, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().
		In("status", liveCallStatuses).
		Lt("started_at", olderThan).
		Build()

	return c.calls.FindAll(ctx, filter)
}

func (c *callRepository) UpsertParticipant(ctx context.Context, p model.CallParticipant) error {
	if p.CallID == "" {
		return ErrInvalidCallID
	}
	if p.UserID == "" {
		return ErrInvalidUserID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("call_id", p.CallID).Eq("user_id", p.UserID).Build()
	set := bson.M{
		"status":           p.Status,
		"is_muted":         p.IsMuted,
		"is_video_enabled": p.IsVideoEnabled,
	}
	if p.JoinedAt != nil {
		set["joined_at"] = p.JoinedAt
	}

	if _, err := c.participants.Upsert(ctx, filter, set); err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (c *callRepository) SetParticipantStatus(ctx context.Context, callID, userID string, status int, at *time.Time) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	set := bson.M{"status": status}
	switch status {
	case model.ParticipantJoined:
		set["joined_at"] = at
	case model.ParticipantLeft:
		set["left_at"] = at
	}

	filter := db.NewFilter().Eq("call_id", callID).Eq("user_id", userID).Build()
	if _, err := c.participants.Upsert(ctx, filter, set); err != nil {
		return fmt.Errorf("set participant status: %w", err)
	}
	return nil
}

func (c *callRepository) SetParticipantMedia(ctx context.Context, callID, userID string, muted, video bool) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("call_id", callID).Eq("user_id", userID).Build()
	_, err := c.participants.Update(ctx, filter, bson.M{
		"is_muted":         muted,
		"is_video_enabled": video,
	})
	if err != nil {
		return fmt.Errorf("set participant media: %w", err)
	}
	return nil
}

func (c *callRepository) ListParticipants(ctx context.Context, callID string) ([]model.CallParticipant, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	return c.participants.FindAll(ctx, db.NewFilter().Eq("call_id", callID).Build())
}
