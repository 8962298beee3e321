// Package presence tracks who is online using Redis keys with a TTL, so a
// crashed gateway's users fall offline on their own once the TTL lapses.
package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "presence:online:"

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// SetOnline marks the user online. Called on connect and refreshed from
// the socket ping loop, so liveness rides on the connection heartbeat.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	return s.rdb.Set(ctx, keyPrefix+userID, "1", s.ttl).Err()
}

// Refresh extends the user's online TTL without touching the value.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	return s.rdb.Expire(ctx, keyPrefix+userID, s.ttl).Err()
}

func (s *Store) SetOffline(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, keyPrefix+userID).Err()
}

func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Online filters the given ids down to the ones currently online.
func (s *Store) Online(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, keyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	var online []string
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}
