package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/farmconnect/messaging/internal/chat"
	"github.com/farmconnect/messaging/internal/config"
	"github.com/farmconnect/messaging/internal/events"
	"github.com/farmconnect/messaging/internal/gateway"
	"github.com/farmconnect/messaging/internal/hub"
	"github.com/farmconnect/messaging/internal/logger"
	"github.com/farmconnect/messaging/internal/presence"
	"github.com/farmconnect/messaging/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CHATD_CONFIG_DIR"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	zl, err := logger.New(cfg.App.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mongoCtx, mongoCancel := context.WithTimeout(ctx, 10*time.Second)
	defer mongoCancel()
	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		zl.Fatalw("connect mongo", "error", err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()

	store := repository.NewStore(mongoClient.Database(cfg.Mongo.Database))
	if err := store.EnsureIndexes(mongoCtx); err != nil {
		zl.Fatalw("ensure indexes", "error", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(mongoCtx).Err(); err != nil {
		zl.Fatalw("connect redis", "error", err)
	}
	defer func() { _ = rdb.Close() }()

	h := hub.New()
	relay := hub.NewRelay(h, rdb, zl)
	go func() {
		if err := relay.Run(ctx); err != nil {
			zl.Errorw("relay stopped", "error", err)
		}
	}()
	pres := presence.NewStore(rdb, cfg.WS.PresenceTTL())
	producer := events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.MessageTopic, zl)
	defer func() { _ = producer.Close() }()

	svc := chat.NewService(store, relay, producer, cfg.Rate.MessagesPerSec, cfg.Rate.Burst, zl)

	consumer := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.AccountTopic, cfg.Kafka.ConsumerGroup, svc, zl)
	go func() {
		if err := consumer.Run(ctx); err != nil {
			zl.Errorw("account consumer stopped", "error", err)
		}
	}()
	defer func() { _ = consumer.Close() }()

	if err := os.MkdirAll(cfg.Uploads.Dir, 0o755); err != nil {
		zl.Fatalw("create uploads dir", "error", err)
	}

	srv := gateway.NewServer(cfg, svc, h, relay, pres, zl)

	go func() {
		zl.Infow("chat gateway listening", "port", cfg.App.Port)
		if err := srv.Listen(); err != nil {
			zl.Fatalw("serve", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down")
	cancel()
	if err := srv.Shutdown(); err != nil {
		zl.Errorw("shutdown", "error", err)
	}
}
