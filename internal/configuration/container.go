package configuration

import (
	"Voxlink/internal/db"
	"Voxlink/internal/handler"
	"Voxlink/internal/hub"
	"Voxlink/internal/janitor"
	"Voxlink/internal/media"
	"Voxlink/internal/model"
	"Voxlink/internal/push"
	"Voxlink/internal/repo"
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type Container struct {
	MessageHandler handler.MessageHandler
	MonitorHandler handler.MonitorHandler
	Hub            *hub.Hub
	Fanout         *hub.Fanout
	Coordinator    *hub.Coordinator
	Janitor        *janitor.Janitor
	Config         Config
	Logger         *zap.Logger

	// private - for cleanup
	mongoClient  *mongo.Database
	pushGateway  *push.AsynqGateway
	pushWorker   *push.Worker
	workerCancel context.CancelFunc
}

func BuildContainer(configPath string) (*Container, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	con, err := db.OpenConnection(config.ChatDatabase.Uri, config.ChatDatabase.Database)
	if err != nil {
		return nil, err
	}

	logger, _ := zap.NewProduction()

	messageStore := db.NewRepository[model.Message](con, config.ChatDatabase.MessagesCollection)
	statusStore := db.NewRepository[model.MessageStatus](con, config.ChatDatabase.StatusesCollection)
	conversationStore := db.NewRepository[model.Conversation](con, config.ChatDatabase.ConversationsCollection)
	userStore := db.NewRepository[model.User](con, config.ChatDatabase.UsersCollection)
	callStore := db.NewRepository[model.CallSession](con, config.ChatDatabase.CallsCollection)
	participantStore := db.NewRepository[model.CallParticipant](con, config.ChatDatabase.ParticipantsCollection)

	messageRepo := repo.NewMessageRepository(messageStore, logger)
	statusRepo := repo.NewStatusRepository(statusStore, logger)
	conversationRepo := repo.NewConversationRepository(conversationStore, logger)
	userRepo := repo.NewUserRepository(userStore, logger)
	callRepo := repo.NewCallRepository(callStore, participantStore, logger)

	tokenIssuer, err := media.NewTokenIssuer(
		config.Media.ApiKey,
		config.Media.ApiSecret,
		config.Media.Url,
		time.Duration(config.Media.TokenTtlSeconds)*time.Second,
	)
	if err != nil {
		return nil, err
	}

	gateway, err := push.NewAsynqGateway(config.Push.RedisUri, logger)
	if err != nil {
		return nil, err
	}
	worker, err := push.NewWorker(config.Push.RedisUri, &push.LogProvider{Logger: logger}, logger)
	if err != nil {
		return nil, err
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	go func() {
		if err := worker.Run(workerCtx); err != nil {
			logger.Error("push worker stopped", zap.Error(err))
		}
	}()

	registry := hub.NewRegistry()
	fanout := hub.NewFanout(messageRepo, statusRepo, conversationRepo, userRepo, registry, gateway, logger)
	coordinator := hub.NewCoordinator(callRepo, conversationRepo, userRepo, tokenIssuer, gateway, registry, logger)

	h := hub.NewHub(registry, userRepo, conversationRepo, config.Server.CorsOrigins, logger)
	h.Attach(fanout, coordinator)

	jan := janitor.New(fanout, coordinator,
		time.Duration(config.Janitor.PurgeIntervalSeconds)*time.Second,
		time.Duration(config.Janitor.ReapIntervalSeconds)*time.Second,
		time.Duration(config.Janitor.StaleThresholdSeconds)*time.Second,
		logger,
	)
	jan.Start()

	monitorService := hub.NewMonitorService(h, coordinator)

	return &Container{
		MessageHandler: handler.NewMessageHandler(messageRepo, conversationRepo),
		MonitorHandler: handler.NewMonitorHandler(monitorService),
		Hub:            h,
		Fanout:         fanout,
		Coordinator:    coordinator,
		Janitor:        jan,
		Config:         *config,
		Logger:         logger,
		mongoClient:    con,
		pushGateway:    gateway,
		pushWorker:     worker,
		workerCancel:   workerCancel,
	}, nil
}

// Close gracefully shuts down all connections
func (c *Container) Close() error {
	// Janitor first so no sweep races the teardown
	if c.Janitor != nil {
		c.Janitor.Stop()
	}

	// Stop the hub (closes all WebSocket connections)
	if c.Hub != nil {
		c.Hub.Stop()
	}

	// Push pipeline
	if c.workerCancel != nil {
		c.workerCancel()
	}
	if c.pushWorker != nil {
		c.pushWorker.Stop()
	}
	if c.pushGateway != nil {
		_ = c.pushGateway.Close()
	}

	// Sync logger
	if c.Logger != nil {
		_ = c.Logger.Sync()
	}

	// Close MongoDB connection pool
	if c.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.mongoClient.Client().Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to close MongoDB connection: %w", err)
		}
	}

	return nil
}
