package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yuzuhq/line-relay/internal/config"
	gateway "github.com/yuzuhq/line-relay/internal/gateways"
	"github.com/yuzuhq/line-relay/internal/handlers"
	"github.com/yuzuhq/line-relay/internal/queue"
	"github.com/yuzuhq/line-relay/internal/repository"
	"github.com/yuzuhq/line-relay/internal/services"
	xhttp "github.com/yuzuhq/line-relay/pkg/http"
	"github.com/yuzuhq/line-relay/pkg/logger"
	"github.com/yuzuhq/line-relay/pkg/pg"
	"github.com/yuzuhq/line-relay/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// queuePublisher adapts the stream queue to the webhook handler's one-shot
// publish interface.
type queuePublisher struct {
	q *queue.Queue
}

func (p *queuePublisher) Publish(data []byte) (string, error) {
	return p.q.Publish(context.Background(), data, nil)
}

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

	s := xhttp.NewServer(xhttp.DefaultServerOption)
	s.Server.ReadBufferSize = 1024 * 16
	s.Server.WriteBufferSize = 1024 * 16
	s.Use(xhttp.CompressMiddleware(6))
	s.Use(xhttp.TimeoutMiddleware(time.Second * 15))
	s.Use(xhttp.RequestIDMiddleware)
	s.Use(xhttp.RequestLoggerMiddleware)
	s.Use(xhttp.RecoverMiddleware)
	s.Router = xhttp.CreateDefaultRouter()

	readConf := pg.Config{
		User:     config.Get().PostgresReadUser,
		Host:     config.Get().PostgresReadHost,
		Port:     config.Get().PostgresReadPort,
		Password: config.Get().PostgresReadPassword,
		Database: config.Get().PostgresReadDatabase,
	}
	writeConf := pg.Config{
		User:     config.Get().PostgresWriteUser,
		Host:     config.Get().PostgresWriteHost,
		Port:     config.Get().PostgresWritePort,
		Password: config.Get().PostgresWritePassword,
		Database: config.Get().PostgresWriteDatabase,
	}

	pgDebug := false
	if config.Get().AppEnv == "dev" {
		pgDebug = true
	}
	db, err := pg.CreateReadWrite(readConf, writeConf, pgDebug)
	if err != nil {
		logger.Error("failed connecting to pg", "error", err)
		return
	}

	redisAdap, err := redis.NewRedisAdapter("default", config.Get().RedisUniversalKeyPrefix, &redis.Options{
		Addrs:      []string{config.Get().RedisAddr},
		ClientName: "default",
		DB:         config.Get().RedisDatabase,
		Username:   config.Get().RedisUsername,
		Password:   config.Get().RedisPassword,
	})
	if err != nil {
		logger.Error("failed connecting to redis", "error", err)
		return
	}

	q, err := queue.NewQueue(redisAdap, queue.QueueConfig{
		Name:              config.Get().QueueName,
		ConsumerGroup:     config.Get().QueueConsumerGroup,
		ConsumerName:      config.Get().QueueConsumerName,
		MaxRetries:        config.Get().QueueMaxRetries,
		VisibilityTimeout: config.Get().QueueVisibilityTimeout,
		PollInterval:      config.Get().QueuePollInterval,
		BatchSize:         config.Get().QueueBatchSize,
		MaxLen:            config.Get().QueueMaxLen,
		EnableDLQ:         config.Get().QueueEnableDLQ,
	})
	if err != nil {
		logger.Error("failed creating queue", "error", err)
		return
	}

	client, err := gateway.NewClient(&gateway.Config{
		BaseURL:            config.Get().LineAPIBaseURL,
		ChannelAccessToken: config.Get().LineChannelAccessToken,
		Timeout:            time.Duration(config.Get().LineAPITimeout) * time.Second,
		MaxConns:           1000,
		ReadBufferSize:     1024 * 4,
		WriteBufferSize:    1024 * 4,
	})
	if err != nil {
		logger.Error("failed to create messaging client", "error", err)
		return
	}

	messageRepo := repository.NewMessageRepository(db)
	attemptRepo := repository.NewDeliveryAttemptRepository(db)
	eventRepo := repository.NewEventRepository(db)
	userStateRepo := repository.NewUserStateRepository(db)

	// services
	deliveryService := services.NewDeliveryService(messageRepo, attemptRepo, eventRepo, userStateRepo, client)
	healthService := services.NewHealthService()

	// v1 handlers
	messageHandler := handlers.NewMessageHandler(deliveryService)
	contactHandler := handlers.NewContactHandler(userStateRepo, eventRepo)
	webhookHandler := handlers.NewWebhookHandler(config.Get().LineChannelSecret, &queuePublisher{q: q})
	healthHandler := handlers.NewHealthHandler(healthService)

	g := s.Router.Group("/api/v1")
	handlers.RegisterMessageRoutes(g, messageHandler)
	handlers.RegisterContactRoutes(g, contactHandler)
	handlers.RegisterWebhookRoutes(g, webhookHandler)
	handlers.RegisterHealthRoutes(g, healthHandler)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		var err = s.ListenAndServe(config.Get().HttpListenAddr)
		if err != nil {
			logger.Error("error in running http-server", "error", err)
		}
	}()

	select {
	case <-c:
		s.Shutdown()
	}
}

func argContainsEnvPath() string {
	for _, v := range os.Args {
		if strings.Contains(v, "--env=") {
			s := strings.Split(v, "=")
			if _, err := os.Open(s[1]); err != nil {
				logger.Error("failed to open the passed env file, got error" + err.Error())
				return ""
			}
			return s[1]
		}
	}
	return ""
}
