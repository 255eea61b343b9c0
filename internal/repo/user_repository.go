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

// UserRepository reads user identity and persists the derived presence flags.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
	SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) error
}

type userRepository struct {
	mongoRepo *db.Repository[model.User]
	logger    *zap.Logger
}

func NewUserRepository(repo *db.Repository[model.User], logger *zap.Logger) UserRepository {
	return &userRepository{
		mongoRepo: repo,
		logger:    logger,
	}
}

func (r *userRepository) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	user, err := r.mongoRepo.FindOne(ctx, db.NewFilter().Eq("user_id", userID).Build())
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *userRepository) SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	if userID == "" {
		return ErrInvalidUserID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	set := bson.M{"is_online": online}
	if lastSeen != nil {
		set["last_seen"] = lastSeen
	}

	_, err := r.mongoRepo.Update(ctx, db.NewFilter().Eq("user_id", userID).Build(), set)
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	return nil
}
