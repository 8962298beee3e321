// Package repository is the MongoDB persistence layer for conversations
// and messages. All mutations are single-document updates, so concurrent
// writers converge without transactions.
package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/farmconnect/messaging/internal/apperr"
	"github.com/farmconnect/messaging/internal/models"
)

type Store struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
}

func NewStore(db *mongo.Database) *Store {
	return &Store{
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
	}
}

// EnsureIndexes creates the indexes the queries below depend on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participants", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "senderId", Value: 1}}},
	})
	return err
}

// EnsureConversation finds or creates the 1:1 thread between two users.
// The sorted participant pair plus the unique index make this idempotent
// under races: the loser of a concurrent insert re-reads the winner's doc.
func (s *Store) EnsureConversation(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	if userA == userB {
		return nil, apperr.ErrSelfConversation
	}
	pair := models.ParticipantPair(userA, userB)
	now := time.Now().UTC()

	var conv models.Conversation
	err := s.conversations.FindOneAndUpdate(ctx,
		bson.M{"participants": pair},
		bson.M{"$setOnInsert": models.Conversation{
			Participants: pair,
			CreatedAt:    now,
			UpdatedAt:    now,
		}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&conv)
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	return &conv, nil
}

// GetConversation returns the conversation only if user participates in it.
func (s *Store) GetConversation(ctx context.Context, id, user string) (*models.Conversation, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.ErrConversationNotFound.Wrap(err)
	}
	var conv models.Conversation
	err = s.conversations.FindOne(ctx, bson.M{"_id": oid, "participants": user}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrConversationNotFound
	}
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	return &conv, nil
}

// ListConversations pages a user's threads by recency. cursor is the
// updatedAt of the last conversation from the previous page, RFC3339Nano;
// empty means the first page.
func (s *Store) ListConversations(ctx context.Context, user, cursor string, limit int) ([]*models.Conversation, string, error) {
	filter := bson.M{"participants": user}
	if cursor != "" {
		before, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, "", apperr.ErrBadRequest.Wrap(err)
		}
		filter["updatedAt"] = bson.M{"$lt": before}
	}
	cur, err := s.conversations.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}).SetLimit(int64(limit)+1))
	if err != nil {
		return nil, "", apperr.ErrInternal.Wrap(err)
	}
	var convs []*models.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return nil, "", apperr.ErrInternal.Wrap(err)
	}
	next := ""
	if len(convs) > limit {
		convs = convs[:limit]
		next = convs[limit-1].UpdatedAt.Format(time.RFC3339Nano)
	}
	return convs, next, nil
}

// MessagesPage returns up to limit messages in a conversation, newest page
// first but each page in ascending creation order. before is the id of the
// oldest already-loaded message; empty fetches the latest page. hasMore
// reports whether an older page exists.
func (s *Store) MessagesPage(ctx context.Context, conversationID string, limit int, before string) ([]*models.Message, bool, error) {
	convOID, err := primitive.ObjectIDFromHex(conversationID)
	if err != nil {
		return nil, false, apperr.ErrConversationNotFound.Wrap(err)
	}
	filter := bson.M{"conversationId": convOID}
	if before != "" {
		beforeOID, err := primitive.ObjectIDFromHex(before)
		if err != nil {
			return nil, false, apperr.ErrBadRequest.Wrap(err)
		}
		filter["_id"] = bson.M{"$lt": beforeOID}
	}
	cur, err := s.messages.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: -1}}).SetLimit(int64(limit)+1))
	if err != nil {
		return nil, false, apperr.ErrInternal.Wrap(err)
	}
	var msgs []*models.Message
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, false, apperr.ErrInternal.Wrap(err)
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	// reverse into ascending order for the client
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

// InsertMessage appends a message and denormalizes the conversation
// preview in the same call path.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	msg.ID = primitive.NewObjectID()
	msg.CreatedAt = time.Now().UTC()
	if _, err := s.messages.InsertOne(ctx, msg); err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}

	preview := models.PreviewText(msg.Content.Text)
	if preview == "" {
		preview = "[" + msg.Type + "]"
	}
	_, err := s.conversations.UpdateByID(ctx, msg.ConversationID, bson.M{
		"$set": bson.M{
			"lastMessage": models.LastMessage{
				Text:     preview,
				SenderID: msg.SenderID,
				SentAt:   msg.CreatedAt,
			},
			"updatedAt": msg.CreatedAt,
		},
	})
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	return msg, nil
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperr.ErrMessageNotFound.Wrap(err)
	}
	var msg models.Message
	err = s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.ErrMessageNotFound
	}
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	return &msg, nil
}

// UpdateMessageText rewrites the text of an edited message.
func (s *Store) UpdateMessageText(ctx context.Context, id primitive.ObjectID, text string, editedAt time.Time) error {
	_, err := s.messages.UpdateByID(ctx, id, bson.M{
		"$set": bson.M{
			"content.text": text,
			"isEdited":     true,
			"editedAt":     editedAt,
		},
	})
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	return nil
}

// UnsendMessage turns a message into a tombstone: content and reactions
// are cleared, position and receipts survive.
func (s *Store) UnsendMessage(ctx context.Context, id primitive.ObjectID) error {
	_, err := s.messages.UpdateByID(ctx, id, bson.M{
		"$set":   bson.M{"isUnsent": true},
		"$unset": bson.M{"content": "", "reactions": ""},
	})
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	return nil
}

// UpsertReaction replaces the user's reaction on a message; an empty
// emoji just removes the old one. A single pipeline update keeps the
// filter-out and append atomic, so racing devices cannot leave two
// reactions for one user.
func (s *Store) UpsertReaction(ctx context.Context, id primitive.ObjectID, user, emoji string) error {
	withoutUser := bson.M{"$filter": bson.M{
		"input": bson.M{"$ifNull": bson.A{"$reactions", bson.A{}}},
		"cond":  bson.M{"$ne": bson.A{"$$this.user", user}},
	}}
	var reactions any = withoutUser
	if emoji != "" {
		reactions = bson.M{"$concatArrays": bson.A{
			withoutUser,
			bson.A{bson.M{"user": user, "emoji": emoji}},
		}}
	}
	_, err := s.messages.UpdateByID(ctx, id, mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"reactions": reactions}}},
	})
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	return nil
}

// MarkDelivered records a delivery ack. $addToSet keeps the ack idempotent.
func (s *Store) MarkDelivered(ctx context.Context, id primitive.ObjectID, user string) error {
	_, err := s.messages.UpdateByID(ctx, id, bson.M{
		"$addToSet": bson.M{"deliveredTo": user},
	})
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	return nil
}

// MarkSeen marks every peer message in the conversation as read by user
// and returns the ids that actually flipped. Read implies delivered, so
// the ids are added to deliveredTo as well.
func (s *Store) MarkSeen(ctx context.Context, conversationID primitive.ObjectID, user string, readAt time.Time) ([]string, error) {
	cur, err := s.messages.Find(ctx, bson.M{
		"conversationId": conversationID,
		"senderId":       bson.M{"$ne": user},
		"readBy.user":    bson.M{"$ne": user},
	}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	var docs []struct {
		ID primitive.ObjectID `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	oids := make([]primitive.ObjectID, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		oids[i] = d.ID
		ids[i] = d.ID.Hex()
	}
	// the readBy guard is repeated here so a racing MarkSeen from another
	// device skips documents it already flipped instead of appending a
	// duplicate receipt
	_, err = s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": oids}, "readBy.user": bson.M{"$ne": user}},
		bson.M{
			"$push":     bson.M{"readBy": models.ReadReceipt{User: user, ReadAt: readAt}},
			"$addToSet": bson.M{"deliveredTo": user},
		},
	)
	if err != nil {
		return nil, apperr.ErrInternal.Wrap(err)
	}
	return ids, nil
}

// UnreadCount counts peer messages in the conversation the user has not
// read yet.
func (s *Store) UnreadCount(ctx context.Context, conversationID primitive.ObjectID, user string) (int, error) {
	n, err := s.messages.CountDocuments(ctx, bson.M{
		"conversationId": conversationID,
		"senderId":       bson.M{"$ne": user},
		"readBy.user":    bson.M{"$ne": user},
	})
	if err != nil {
		return 0, apperr.ErrInternal.Wrap(err)
	}
	return int(n), nil
}
