package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/order-saga/internal/config"
	"github.com/richardliu001/order-saga/internal/eventbus"
	"github.com/richardliu001/order-saga/internal/logger"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/richardliu001/order-saga/internal/resilience"
	"github.com/richardliu001/order-saga/internal/service"
	"github.com/richardliu001/order-saga/internal/worker"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.NotificationLog{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "notification-service"
	}
	kr := eventbus.NewReader(cfg.Kafka.Brokers, groupID, cfg.Kafka.OrderTopic)
	defer kr.Close()

	// notification lookups are by event id on the write path only; no read cache
	repository := repo.NewRepository(gdb, nil, 0, log)
	pool := worker.NewPool(cfg.Workers.Size, log)
	senders := map[model.NotificationType]service.Sender{
		model.NotificationEmail: service.NewLogSender(model.NotificationEmail, log),
	}
	sendPolicy := resilience.PolicyFromConfig(config.RetryConfig{
		MaxAttempts: cfg.Notification.MaxAttempts,
		BaseDelay:   cfg.Notification.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
	}, nil)
	svc := service.NewNotificationService(repository, senders, sendPolicy, pool, log)

	consumer := eventbus.NewConsumer("order-events", kr, svc.ConsumeOrderEvent,
		resilience.PolicyFromConfig(cfg.Retry, nil), log)
	log.Info("notification-service started")
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("order-events consumer: %v", err)
	}

	log.Info("notification-service shutting down")
	pool.Wait()
}
