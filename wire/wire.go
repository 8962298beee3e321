// Package wire defines the event protocol shared by the chat gateway and the
// client sync engine: event names, the JSON envelope, and the message and
// conversation DTOs carried inside it.
package wire

import (
	"encoding/json"
	"time"
)

// Event names. Outbound means client -> server, inbound means server -> client.
const (
	// outbound
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventMessageSend       = "message:send"
	EventMessageDelivered  = "message:delivered"
	EventMessageSeen       = "message:seen"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"

	// both directions
	EventMessageEdit     = "message:edit"
	EventMessageUnsend   = "message:unsend"
	EventMessageReaction = "message:reaction"

	// inbound
	EventConversationJoined = "conversation:joined"
	EventConversationUnread = "conversation:unread"
	EventMessageNew         = "message:new"
	EventUserTyping         = "user:typing"
	EventUserStoppedTyping  = "user:stopped-typing"
	EventUserOnline         = "user:online"
	EventUserOffline        = "user:offline"
	EventAccountRefresh     = "account:refresh"
	EventError              = "error"
)

// EditWindow is how long after creation a text message stays editable by its
// sender. Enforced on the client before emitting and re-checked on the server.
const EditWindow = 15 * time.Minute

// Envelope wraps every frame on the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, v any) (Envelope, error) {
	if v == nil {
		return Envelope{Event: event}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeFile  MessageType = "file"
)

// Content is the per-type message payload. The discriminant is Message.Type:
// text messages carry Text, attachment messages carry the remaining fields.
type Content struct {
	Text        string `json:"text,omitempty"`
	URL         string `json:"url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

func TextContent(text string) Content { return Content{Text: text} }

func AttachmentContent(url, filename, contentType string, size int64) Content {
	return Content{URL: url, Filename: filename, ContentType: contentType, Size: size}
}

// Reaction is one user's reaction to a message. At most one entry per user;
// re-reacting replaces the emoji, an empty emoji clears it.
type Reaction struct {
	User  string `json:"user"`
	Emoji string `json:"emoji"`
}

type ReadReceipt struct {
	User   string    `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

// Status is the effective delivery state of a message as shown to its sender.
// Sending and Failed exist only client-side for optimistic sends.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Type           MessageType   `json:"type"`
	Content        Content       `json:"content"`
	ReplyTo        string        `json:"replyTo,omitempty"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	IsEdited       bool          `json:"isEdited,omitempty"`
	EditedAt       *time.Time    `json:"editedAt,omitempty"`
	IsUnsent       bool          `json:"isUnsent,omitempty"`
	DeliveredTo    []string      `json:"deliveredTo,omitempty"`
	ReadBy         []ReadReceipt `json:"readBy,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`

	// ClientToken correlates a server echo with the sender's optimistic copy.
	// Set only on the echo back to the sending user.
	ClientToken string `json:"clientToken,omitempty"`
}

func (m *Message) DeliveredToUser(user string) bool {
	for _, u := range m.DeliveredTo {
		if u == user {
			return true
		}
	}
	return false
}

func (m *Message) ReadByUser(user string) bool {
	for _, r := range m.ReadBy {
		if r.User == user {
			return true
		}
	}
	return false
}

// ReactionOf returns the given user's reaction, if any.
func (m *Message) ReactionOf(user string) (Reaction, bool) {
	for _, r := range m.Reactions {
		if r.User == user {
			return r, true
		}
	}
	return Reaction{}, false
}

// StatusFor reports the message status with respect to one recipient.
// Read dominates delivered, which dominates sent; the sets only grow, so the
// result is monotonic over a message's lifetime.
func (m *Message) StatusFor(recipient string) Status {
	switch {
	case m.ReadByUser(recipient):
		return StatusRead
	case m.DeliveredToUser(recipient):
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Conversation is a 1:1 thread between two users, as presented to one viewer.
type Conversation struct {
	ID           string       `json:"id"`
	Participants []string     `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Peer returns the other participant from the viewer's perspective.
func (c *Conversation) Peer(viewer string) string {
	for _, p := range c.Participants {
		if p != viewer {
			return p
		}
	}
	return ""
}

type LastMessage struct {
	Text     string    `json:"text"`
	SenderID string    `json:"senderId"`
	SentAt   time.Time `json:"sentAt"`
}

// ---- event payloads ----

type JoinRequest struct {
	ConversationID string `json:"conversationId"`
}

type JoinedNotice struct {
	ConversationID string `json:"conversationId"`
}

type SendRequest struct {
	ConversationID string      `json:"conversationId"`
	Type           MessageType `json:"type"`
	Content        Content     `json:"content"`
	ReplyTo        string      `json:"replyToId,omitempty"`
	ClientToken    string      `json:"clientToken,omitempty"`
}

type EditRequest struct {
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
}

type EditNotice struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	EditedAt       time.Time `json:"editedAt"`
}

type UnsendRequest struct {
	MessageID string `json:"messageId"`
}

type UnsendNotice struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type ReactionNotice struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	User           string `json:"user"`
	Emoji          string `json:"emoji"`
}

type DeliveredRequest struct {
	MessageID string `json:"messageId"`
}

type DeliveredNotice struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	User           string `json:"user"`
}

// SeenRequest marks everything from the peer in the conversation as read.
type SeenRequest struct {
	ConversationID string `json:"conversationId"`
}

type SeenNotice struct {
	ConversationID string    `json:"conversationId"`
	User           string    `json:"user"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

type TypingNotice struct {
	ConversationID string `json:"conversationId"`
	User           string `json:"userId"`
}

type UnreadNotice struct {
	ConversationID string `json:"conversationId"`
	Count          int    `json:"count"`
}

type PresenceNotice struct {
	User string `json:"userId"`
}

type ErrorNotice struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
