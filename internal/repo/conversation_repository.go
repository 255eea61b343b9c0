package repo

import (
	"Voxlink/internal/db"
	"Voxlink/internal/model"
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// ConversationRepository reads conversation membership. Membership is owned by
// the CRUD layer; the coordination core never writes it.
type ConversationRepository interface {
	GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	ListActiveConversations(ctx context.Context) ([]model.Conversation, error)
	PeersOf(ctx context.Context, userID string) ([]string, error)
}

type conversationRepository struct {
	mongoRepo *db.Repository[model.Conversation]
	logger    *zap.Logger
}

func NewConversationRepository(repo *db.Repository[model.Conversation], logger *zap.Logger) ConversationRepository {
	return &conversationRepository{
		mongoRepo: repo,
		logger:    logger,
	}
}

func (r *conversationRepository) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	conversation, err := r.mongoRepo.FindByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			r.logger.Debug("conversation not found",
				zap.String("conversation_id", conversationID),
			)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	return conversation, nil
}

func (r *conversationRepository) ListActiveConversations(ctx context.Context) ([]model.Conversation, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	return r.mongoRepo.FindAll(ctx, db.NewFilter().Eq("is_active", true).Build())
}

// PeersOf returns the distinct user ids sharing at least one active
// conversation with the given user. These are the parties interested in the
// user's presence transitions.
func (r *conversationRepository) PeersOf(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	// Array fields match scalar equality directly in Mongo.
	filter := db.NewFilter().
		Eq("is_active", true).
		Eq("participant_ids", userID).
		Build()

	conversations, err := r.mongoRepo.FindAll(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("peers of %s: %w", userID, err)
	}

	seen := make(map[string]struct{})
	peers := make([]string, 0)
	for _, conv := range conversations {
		for _, id := range conv.ParticipantIDs {
			if id == userID {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			peers = append(peers, id)
		}
	}
	return peers, nil
}
