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
	"github.com/richardliu001/order-saga/internal/gateway"
	"github.com/richardliu001/order-saga/internal/logger"
	"github.com/richardliu001/order-saga/internal/model"
	"github.com/richardliu001/order-saga/internal/repo"
	"github.com/richardliu001/order-saga/internal/resilience"
	"github.com/richardliu001/order-saga/internal/service"
	httptransport "github.com/richardliu001/order-saga/internal/transport/http"
	"github.com/richardliu001/order-saga/internal/worker"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const reprocessInterval = time.Minute

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
	if err := gdb.AutoMigrate(&model.Payment{}, &model.PaymentCallback{}, &model.OutboxEvent{}); err != nil {
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

	// 5. kafka writer
	kw := eventbus.NewWriter(cfg.Kafka.Brokers)
	defer kw.Close()

	// 6. repo & service
	repository := repo.NewRepository(gdb, rdb, cfg.Redis.TTL, log)
	pool := worker.NewPool(cfg.Workers.Size, log)
	gw := gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.ConnectTimeout, cfg.Gateway.ReadTimeout)
	guard := resilience.NewGuard(
		resilience.PolicyFromConfig(cfg.Retry, gateway.Transient),
		resilience.BreakerFromConfig("payment-gateway", cfg.Breaker, gateway.Transient, log),
	)
	svc := service.NewPaymentService(repository, gw, guard, pool, cfg.Kafka.PaymentTopic, cfg.Gateway.CallbackURL, log)

	// 7. background loops
	relay := eventbus.NewRelay(repository, kw, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, log)
	go relay.Run(ctx)

	if n, err := svc.ResumePending(ctx, cfg.Outbox.BatchSize); err != nil {
		log.Errorf("resume pending payments: %v", err)
	} else if n > 0 {
		log.Infof("resumed %d pending payments", n)
	}
	go reprocessLoop(ctx, svc, cfg.Outbox.BatchSize, log)

	// 8. serve
	router := httptransport.NewPaymentRouter(svc, cfg.RateLimit, log)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: router}
	go func() {
		log.Infof("payment-service listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("payment-service shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	pool.Wait()
}

// reprocessLoop retries webhook deliveries that were recorded but never applied.
func reprocessLoop(ctx context.Context, svc *service.PaymentService, limit int, log *zap.SugaredLogger) {
	ticker := time.NewTicker(reprocessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := svc.ReprocessCallbacks(ctx, limit)
		if err != nil {
			log.Errorf("reprocess callbacks: %v", err)
			continue
		}
		if n > 0 {
			log.Infof("reprocessed %d callbacks", n)
		}
	}
}
