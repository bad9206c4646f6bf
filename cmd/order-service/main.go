package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/order-saga/internal/config"
	"github.com/richardliu001/order-saga/internal/eventbus"
	"github.com/richardliu001/order-saga/internal/logger"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/paymentclient"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/richardliu001/order-saga/internal/resilience"
	"github.com/richardliu001/order-saga/internal/service"
	httptransport "github.com/richardliu001/order-saga/internal/transport/http"
	"github.com/richardliu001/order-saga/internal/worker"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	// 1. load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Order{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka
	kw := eventbus.NewWriter(cfg.Kafka.Brokers)
	defer kw.Close()
	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "order-service"
	}
	kr := eventbus.NewReader(cfg.Kafka.Brokers, groupID, cfg.Kafka.PaymentTopic)
	defer kr.Close()

	// 6. repo & service
	repository := repo.NewRepository(gdb, rdb, cfg.Redis.TTL, log)
	pool := worker.NewPool(cfg.Workers.Size, log)
	payments := paymentclient.NewClient(cfg.PaymentService.URL, cfg.PaymentService.Timeout)
	isUnavailable := func(err error) bool { return errors.Is(err, paymentclient.ErrUnavailable) }
	guard := resilience.NewGuard(
		resilience.PolicyFromConfig(cfg.Retry, isUnavailable),
		resilience.BreakerFromConfig("payment-service", cfg.Breaker, isUnavailable, log),
	)
	svc := service.NewOrderService(repository, payments, guard, pool, cfg.Kafka.OrderTopic, log)

	// 7. background loops
	relay := eventbus.NewRelay(repository, kw, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, log)
	go relay.Run(ctx)

	consumer := eventbus.NewConsumer("payment-events", kr, svc.ConsumePaymentEvent,
		resilience.PolicyFromConfig(cfg.Retry, nil), log)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("payment-events consumer: %v", err)
			stop()
		}
	}()

	if n, err := svc.ResumePending(ctx, cfg.Outbox.BatchSize); err != nil {
		log.Errorf("resume pending orders: %v", err)
	} else if n > 0 {
		log.Infof("resumed %d pending orders", n)
	}

	// 8. serve
	router := httptransport.NewOrderRouter(svc, cfg.RateLimit, log)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		log.Infof("order-service listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("order-service shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	pool.Wait()
}
