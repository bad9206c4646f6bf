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
	"github.com/richardliu001/order-saga/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// poller drains the outbox of whichever service database the config points at.
// Use it when a service runs with its embedded relay disabled or to flush a backlog.
func main() {
	cfgPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "publish everything pending and exit")
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

	kw := eventbus.NewWriter(cfg.Kafka.Brokers)
	defer kw.Close()

	relay := eventbus.NewRelay(repo.NewRepository(gdb, nil, 0, log), kw, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, log)
	if !*once {
		relay.Run(ctx)
		return
	}

	total := 0
	for {
		n, err := relay.RunOnce(ctx)
		total += n
		if err != nil {
			log.Fatalf("drain outbox after %d events: %v", total, err)
		}
		if n == 0 {
			break
		}
	}
	log.Infof("outbox drained, %d events sent", total)
}
