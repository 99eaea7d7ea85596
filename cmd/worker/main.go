package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"uniattend/internal/config"
	"uniattend/internal/logging"
	"uniattend/internal/queue"
	"uniattend/internal/store"
)

// Worker drains attendance.marked events from the Redis queue and publishes
// each one on its section channel for live dashboards.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.QueueBackend != "redis" {
		log.Fatal("worker needs QUEUE_BACKEND=redis", zap.String("queue_backend", cfg.QueueBackend))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	if !redisClient.Healthy(ctx) {
		log.Warn("redis not reachable yet, consumer will keep retrying", zap.String("addr", cfg.RedisAddr))
	}

	q := queue.NewRedisQueue(redisClient.Client, "")
	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal("queue consume init failed", zap.Error(err))
	}

	log.Info("worker started")
	n := queue.Relay(ctx, messages, queue.NewRedisBroadcaster(redisClient.Client), log)
	log.Info("worker stopped", zap.Int("forwarded", n))
}
