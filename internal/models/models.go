// Package models holds the MongoDB document shapes for conversations and
// messages, plus converters to the wire DTOs.
package models

import (
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/farmconnect/messaging/wire"
)

type Content struct {
	Text        string `bson:"text,omitempty"`
	URL         string `bson:"url,omitempty"`
	Filename    string `bson:"filename,omitempty"`
	Size        int64  `bson:"size,omitempty"`
	ContentType string `bson:"contentType,omitempty"`
}

type Reaction struct {
	User  string `bson:"user"`
	Emoji string `bson:"emoji"`
}

type ReadReceipt struct {
	User   string    `bson:"user"`
	ReadAt time.Time `bson:"readAt"`
}

type Message struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	ConversationID primitive.ObjectID `bson:"conversationId"`
	SenderID       string             `bson:"senderId"`
	Type           string             `bson:"type"`
	Content        Content            `bson:"content"`
	ReplyTo        string             `bson:"replyTo,omitempty"`
	Reactions      []Reaction         `bson:"reactions,omitempty"`
	IsEdited       bool               `bson:"isEdited,omitempty"`
	EditedAt       *time.Time         `bson:"editedAt,omitempty"`
	IsUnsent       bool               `bson:"isUnsent,omitempty"`
	DeliveredTo    []string           `bson:"deliveredTo,omitempty"`
	ReadBy         []ReadReceipt      `bson:"readBy,omitempty"`
	CreatedAt      time.Time          `bson:"createdAt"`
}

type LastMessage struct {
	Text     string    `bson:"text"`
	SenderID string    `bson:"senderId"`
	SentAt   time.Time `bson:"sentAt"`
}

type Conversation struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Participants []string           `bson:"participants"`
	LastMessage  *LastMessage       `bson:"lastMessage,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

// ParticipantPair normalizes a user pair so the unique index on
// participants makes EnsureConversation idempotent regardless of who
// started the thread.
func ParticipantPair(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}

// Peer returns the other participant from one participant's perspective.
func (c *Conversation) Peer(viewer string) string {
	for _, p := range c.Participants {
		if p != viewer {
			return p
		}
	}
	return ""
}

const previewMaxRunes = 80

// PreviewText caps the denormalized conversation preview at 80 runes.
func PreviewText(text string) string {
	r := []rune(text)
	if len(r) > previewMaxRunes {
		r = r[:previewMaxRunes]
	}
	return string(r)
}

func (m *Message) ToWire() *wire.Message {
	out := &wire.Message{
		ID:             m.ID.Hex(),
		ConversationID: m.ConversationID.Hex(),
		SenderID:       m.SenderID,
		Type:           wire.MessageType(m.Type),
		ReplyTo:        m.ReplyTo,
		IsEdited:       m.IsEdited,
		EditedAt:       m.EditedAt,
		IsUnsent:       m.IsUnsent,
		DeliveredTo:    m.DeliveredTo,
		CreatedAt:      m.CreatedAt,
	}
	if !m.IsUnsent {
		out.Content = wire.Content{
			Text:        m.Content.Text,
			URL:         m.Content.URL,
			Filename:    m.Content.Filename,
			Size:        m.Content.Size,
			ContentType: m.Content.ContentType,
		}
		for _, r := range m.Reactions {
			out.Reactions = append(out.Reactions, wire.Reaction{User: r.User, Emoji: r.Emoji})
		}
	}
	for _, r := range m.ReadBy {
		out.ReadBy = append(out.ReadBy, wire.ReadReceipt{User: r.User, ReadAt: r.ReadAt})
	}
	return out
}

func (c *Conversation) ToWire(unread int) *wire.Conversation {
	out := &wire.Conversation{
		ID:           c.ID.Hex(),
		Participants: c.Participants,
		UnreadCount:  unread,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.LastMessage != nil {
		out.LastMessage = &wire.LastMessage{
			Text:     c.LastMessage.Text,
			SenderID: c.LastMessage.SenderID,
			SentAt:   c.LastMessage.SentAt,
		}
	}
	return out
}
