package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// AccountEvent is what the accounts service publishes when a profile
// changes (name, avatar, deactivation). The gateway only needs the user id
// to tell that user's open sessions to refetch.
type AccountEvent struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

// Notifier pushes a refresh hint to a user's connected sockets.
type Notifier interface {
	NotifyAccountRefresh(userID string)
}

type Consumer struct {
	reader   *kafka.Reader
	notifier Notifier
	logger   *zap.SugaredLogger
}

func NewConsumer(brokers []string, topic, group string, notifier Notifier, logger *zap.SugaredLogger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: group,
		}),
		notifier: notifier,
		logger:   logger,
	}
}

// Run consumes account events until ctx is cancelled. Malformed records are
// logged and skipped; the group offset still advances.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var ev AccountEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			c.logger.Warnw("skip malformed account event", "error", err, "offset", m.Offset)
			continue
		}
		if ev.UserID == "" {
			continue
		}
		c.notifier.NotifyAccountRefresh(ev.UserID)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
