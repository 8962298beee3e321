// Package events bridges the chat gateway to Kafka: new messages go out to
// the message topic for downstream consumers (notifications, analytics), and
// account events come in to prompt connected clients to refresh their state.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageSent is the record published for every stored chat message.
type MessageSent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Type           string    `json:"type"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sentAt"`
}

type Producer struct {
	writer *kafka.Writer
	logger *zap.SugaredLogger
}

func NewProducer(brokers []string, topic string, logger *zap.SugaredLogger) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		logger: logger,
	}
}

// PublishMessageSent emits the record keyed by conversation so per-thread
// ordering survives partitioning. Async writer: failures are logged, never
// surfaced to the sender.
func (p *Producer) PublishMessageSent(ctx context.Context, ev MessageSent) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Errorw("marshal message-sent event", "error", err)
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: value,
	})
	if err != nil {
		p.logger.Errorw("publish message-sent event", "error", err, "messageId", ev.MessageID)
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
