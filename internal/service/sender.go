package service

import (
	"context"

	"github.com/richardliu001/order-saga/internal/model"
	"go.uber.org/zap"
)

// Sender delivers a notification over one channel.
type Sender interface {
	Send(ctx context.Context, n *model.NotificationLog) error
}

// LogSender writes the notification to the log instead of a real provider.
type LogSender struct {
	channel model.NotificationType
	log     *zap.SugaredLogger
}

func NewLogSender(channel model.NotificationType, log *zap.SugaredLogger) *LogSender {
	return &LogSender{channel: channel, log: log}
}

func (s *LogSender) Send(ctx context.Context, n *model.NotificationLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.log.Infow("notification sent",
		"channel", s.channel,
		"recipient", n.Recipient,
		"subject", n.Subject,
		"eventId", n.EventID,
	)
	return nil
}
