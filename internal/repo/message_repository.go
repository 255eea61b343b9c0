package repo

import (
	"Voxlink/internal/db"
	"Voxlink/internal/model"
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// MessageRepository owns the messages collection. All mutations are
// single-document updates; the storage layer's per-row atomicity is the only
// consistency guarantee the coordination core relies on.
type MessageRepository interface {
	InsertMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	ListConversationMessages(ctx context.Context, conversationID string, page int64) (*db.PaginatedResult[model.Message], error)
	MarkEdited(ctx context.Context, messageID, body string, at time.Time) error
	MarkDeletedForEveryone(ctx context.Context, messageID string) error
	HideForUser(ctx context.Context, messageID, userID string) error
	IncrementForwardCount(ctx context.Context, messageID string) error
	AddReaction(ctx context.Context, messageID string, r model.Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)
}

type messageRepository struct {
	mongoRepo *db.Repository[model.Message]
	logger    *zap.Logger
}

func NewMessageRepository(repo *db.Repository[model.Message], logger *zap.Logger) MessageRepository {
	return &messageRepository{
		mongoRepo: repo,
		logger:    logger,
	}
}

func (m *messageRepository) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if msg.ConversationID.IsZero() {
		return ErrInvalidConversationID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := waitForRetry(ctx, attempt); err != nil {
				return err
			}
		}

		result, err := m.mongoRepo.Create(ctx, *msg)
		if err == nil {
			if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
				msg.ID = oid
			}
			m.logger.Info("message inserted",
				zap.String("message_id", msg.MessageID),
				zap.String("conversation_id", msg.ConversationID.Hex()),
				zap.Int("attempt", attempt+1),
			)
			return nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}

		m.logger.Warn("insert attempt failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
		)
	}

	m.logger.Error("failed to insert message after all retries",
		zap.Error(lastErr),
		zap.String("conversation_id", msg.ConversationID.Hex()),
	)
	return fmt.Errorf("insert message failed: %w", lastErr)
}

func (m *messageRepository) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	if messageID == "" {
		return nil, ErrInvalidMessage
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	msg, err := m.mongoRepo.FindOne(ctx, db.NewFilter().Eq("message_id", messageID).Build())
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (m *messageRepository) ListConversationMessages(ctx context.Context, conversationID string, page int64) (*db.PaginatedResult[model.Message], error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	filter := db.NewFilter().ObjectID("conversation_id", conversationID).Build()

	result, err := m.mongoRepo.FindWithPagination(ctx, filter, db.PaginationParams{
		Page:     page,
		PageSize: 15,
		SortBy:   "created_at",
		SortDesc: false,
	})
	if err != nil {
		m.logger.Error("failed to list messages",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return result, nil
}

func (m *messageRepository) MarkEdited(ctx context.Context, messageID, body string, at time.Time) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	res, err := m.mongoRepo.Update(ctx,
		db.NewFilter().Eq("message_id", messageID).Build(),
		bson.M{"body": body, "is_edited": true, "edited_at": at},
	)
	if err != nil {
		return fmt.Errorf("mark edited: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *messageRepository) MarkDeletedForEveryone(ctx context.Context, messageID string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	// The body is cleared so the tombstone carries no recoverable content.
	res, err := m.mongoRepo.Update(ctx,
		db.NewFilter().Eq("message_id", messageID).Build(),
		bson.M{"is_deleted": true, "body": "", "file_url": nil},
	)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *messageRepository) HideForUser(ctx context.Context, messageID, userID string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	res, err := m.mongoRepo.UpdateRaw(ctx,
		db.NewFilter().Eq("message_id", messageID).Build(),
		bson.M{"$addToSet": bson.M{"hidden_for": userID}},
	)
	if err != nil {
		return fmt.Errorf("hide for user: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *messageRepository) IncrementForwardCount(ctx context.Context, messageID string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	_, err := m.mongoRepo.UpdateRaw(ctx,
		db.NewFilter().Eq("message_id", messageID).Build(),
		bson.M{"$inc": bson.M{"forward_count": 1}},
	)
	if err != nil {
		return fmt.Errorf("increment forward count: %w", err)
	}
	return nil
}

func (m *messageRepository) AddReaction(ctx context.Context, messageID string, r model.Reaction) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	res, err := m.mongoRepo.UpdateRaw(ctx,
		db.NewFilter().Eq("message_id", messageID).Build(),
		bson.M{"$addToSet": bson.M{"reactions": r}},
	)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *messageRepository) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	res, err := m.mongoRepo.UpdateRaw(ctx,
		db.NewFilter().Eq("message_id", messageID).Build(),
		bson.M{"$pull": bson.M{"reactions": bson.M{"user_id": userID, "emoji": emoji}}},
	)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpired hard-deletes every message whose expiry has passed and returns
// the purged message ids so their status rows can be removed as well. Invoked
// only by the expiry janitor, never from request handlers.
func (m *messageRepository) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	// $lt against a date never matches null or missing expiry fields.
	filter := db.NewFilter().Lt("expires_at", now).Build()

	expired, err := m.mongoRepo.FindAll(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find expired messages: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(expired))
	for _, msg := range expired {
		ids = append(ids, msg.MessageID)
	}

	res, err := m.mongoRepo.DeleteMany(ctx, db.NewFilter().In("message_id", ids).Build())
	if err != nil {
		return nil, fmt.Errorf("purge expired messages: %w", err)
	}

	m.logger.Info("expired messages purged",
		zap.Int64("deleted", res.DeletedCount),
	)
	return ids, nil
}
