package eventbus

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/richardliu001/order-saga/internal/resilience"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformed marks a message that can never be handled; it is acknowledged and skipped.
var ErrMalformed = errors.New("malformed message")

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg kafka.Message) error

// Consumer acknowledges a message only after its handler has returned nil.
// A failing handler is re-run on the same message with backoff, which keeps
// per-partition order and is what a broker redelivery would do anyway.
type Consumer struct {
	name       string
	fetcher    MessageFetcher
	handler    Handler
	backoff    *resilience.Policy
	maxBackoff time.Duration
	log        *zap.SugaredLogger
}

func NewConsumer(name string, f MessageFetcher, h Handler, backoff *resilience.Policy, log *zap.SugaredLogger) *Consumer {
	return &Consumer{name: name, fetcher: f, handler: h, backoff: backoff, maxBackoff: time.Minute, log: log}
}

// Run consumes until ctx is cancelled or the fetcher is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Infof("%s consumer started", c.name)
	for {
		msg, err := c.fetcher.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.log.Infof("%s consumer stopped", c.name)
				return nil
			}
			c.log.Errorf("%s fetch: %v", c.name, err)
			if c.wait(ctx, time.Second) != nil {
				return nil
			}
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			// cancelled mid-handling: leave the offset for redelivery
			return nil
		}
		if err := c.fetcher.CommitMessages(ctx, msg); err != nil {
			c.log.Errorf("%s commit partition=%d offset=%d: %v", c.name, msg.Partition, msg.Offset, err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrMalformed) {
			c.log.Warnf("%s skip malformed message partition=%d offset=%d: %v", c.name, msg.Partition, msg.Offset, err)
			return nil
		}
		c.log.Errorf("%s handle key=%s offset=%d attempt=%d: %v", c.name, msg.Key, msg.Offset, attempt, err)
		d := c.backoff.Backoff(attempt + 1)
		if d <= 0 || d > c.maxBackoff {
			d = c.maxBackoff
		}
		if err := c.wait(ctx, d); err != nil {
			return err
		}
	}
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
