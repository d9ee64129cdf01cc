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
	"github.com/yuzuhq/line-relay/internal/processor"
	"github.com/yuzuhq/line-relay/internal/repository"
	"github.com/yuzuhq/line-relay/internal/services"
	"github.com/yuzuhq/line-relay/pkg/logger"
	"github.com/yuzuhq/line-relay/pkg/pg"
	"github.com/yuzuhq/line-relay/pkg/prom"
	"github.com/yuzuhq/line-relay/pkg/redis"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {

	err := config.Load(argContainsEnvPath())
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return
	}

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

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

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

	idempotencyConfig := processor.DefaultIdempotencyConfig()
	idempotencyService := processor.NewIdempotencyService(redisAdap, idempotencyConfig)

	service, err := processor.NewProcessorService(redisAdap)
	if err != nil {
		logger.Error("failed to create the processor", "error", err)
		return
	}
	service.RegisterProcessor(processor.NewWebhookEventProcessor(
		messageRepo,
		eventRepo,
		userStateRepo,
		client,
		idempotencyService,
	))

	deliveryService := services.NewDeliveryService(messageRepo, attemptRepo, eventRepo, userStateRepo, client)
	sweeper := services.NewRetrySweeper(
		deliveryService,
		messageRepo,
		attemptRepo,
		config.Get().SweepInterval,
		config.Get().SweepBatch,
	)

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	err = prom.Create(hostname, config.Get().AppEnv, config.Get().PromNamespace)
	if err != nil {
		logger.Error("failed to create prometheus metrics", "error", err)
		return
	}

	go func() {
		prom.ListenAndServer(":9100", "/metrics")
	}()

	go func() {
		err := service.Start()
		if err != nil {
			logger.Error("failed to start processor", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sweeper.Start(ctx)

	select {
	case <-c:
		cancel()
		sweeper.Stop()
		service.Stop()
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
