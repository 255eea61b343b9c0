package repo

import (
	"Voxlink/internal/db"
	"Voxlink/internal/model"
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// StatusRepository owns per-recipient delivery status rows. Advance is the
// only mutation path after the initial Sent rows are written; it enforces the
// monotonic Sent < Delivered < Read invariant with a conditional update, so
// duplicate or out-of-order acknowledgements collapse to no-ops at the
// storage layer.
type StatusRepository interface {
	InitStatuses(ctx context.Context, statuses []model.MessageStatus) error
	Advance(ctx context.Context, messageID, userID string, level int, at time.Time) (bool, error)
	GetForMessage(ctx context.Context, messageID string) ([]model.MessageStatus, error)
	DeleteForMessages(ctx context.Context, messageIDs []string) error
}

type statusRepository struct {
	mongoRepo *db.Repository[model.MessageStatus]
	logger    *zap.Logger
}

func NewStatusRepository(repo *db.Repository[model.MessageStatus], logger *zap.Logger) StatusRepository {
	return &statusRepository{
		mongoRepo: repo,
		logger:    logger,
	}
}

func (s *statusRepository) InitStatuses(ctx context.Context, statuses []model.MessageStatus) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	for _, st := range statuses {
		if _, err := s.mongoRepo.Create(ctx, st); err != nil {
			// A missing Sent row only means later acknowledgements for this
			// recipient become no-ops; the send itself must not fail.
			s.logger.Warn("failed to init message status",
				zap.String("message_id", st.MessageID),
				zap.String("user_id", st.UserID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *statusRepository) Advance(ctx context.Context, messageID, userID string, level int, at time.Time) (bool, error) {
	if messageID == "" {
		return false, ErrInvalidMessage
	}
	if userID == "" {
		return false, ErrInvalidUserID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	set := bson.M{"status": level}
	switch level {
	case model.StatusDelivered:
		set["delivered_at"] = at
	case model.StatusRead:
		set["read_at"] = at
	}

	// The status < level condition makes the check-and-set atomic on the row:
	// the losing side of a duplicate call matches nothing and modifies nothing,
	// so timestamps are written exactly once.
	filter := db.NewFilter().
		Eq("message_id", messageID).
		Eq("user_id", userID).
		Lt("status", level).
		Build()

	res, err := s.mongoRepo.UpdateRaw(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("advance message status: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *statusRepository) GetForMessage(ctx context.Context, messageID string) ([]model.MessageStatus, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	return s.mongoRepo.FindAll(ctx, db.NewFilter().Eq("message_id", messageID).Build())
}

func (s *statusRepository) DeleteForMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	_, err := s.mongoRepo.DeleteMany(ctx, db.NewFilter().In("message_id", messageIDs).Build())
	if err != nil {
		return fmt.Errorf("delete statuses: %w", err)
	}
	return nil
}
