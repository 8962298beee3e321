package hub

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/farmconnect/messaging/wire"
)

const relayChannel = "chat:relay"

const (
	scopeUser = "user"
	scopeRoom = "room"
	scopeAll  = "all"
)

// relayFrame is one envelope in flight between gateway instances.
type relayFrame struct {
	Instance string        `json:"instance"`
	Scope    string        `json:"scope"`
	Target   string        `json:"target,omitempty"`
	Except   []string      `json:"except,omitempty"`
	Envelope wire.Envelope `json:"envelope"`
}

// Relay extends the in-process hub across gateway instances over redis
// pub/sub: every fan-out is delivered locally and published, and frames
// from other instances are replayed into the local hub. A user connected
// to instance B still receives pushes triggered on instance A.
type Relay struct {
	hub      *Hub
	rdb      *redis.Client
	instance string
	logger   *zap.SugaredLogger
}

func NewRelay(h *Hub, rdb *redis.Client, logger *zap.SugaredLogger) *Relay {
	return &Relay{hub: h, rdb: rdb, instance: uuid.NewString(), logger: logger}
}

// Run subscribes to the relay channel and forwards remote frames into the
// local hub until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var f relayFrame
			if err := json.Unmarshal([]byte(m.Payload), &f); err != nil {
				r.logger.Warnw("skip malformed relay frame", "error", err)
				continue
			}
			r.apply(f)
		}
	}
}

// apply replays a frame into the local hub. Frames this instance published
// itself are skipped: local delivery already happened at publish time.
func (r *Relay) apply(f relayFrame) {
	if f.Instance == r.instance {
		return
	}
	switch f.Scope {
	case scopeUser:
		r.hub.SendToUser(f.Target, f.Envelope)
	case scopeRoom:
		r.hub.BroadcastRoom(f.Target, f.Envelope, f.Except...)
	case scopeAll:
		r.hub.BroadcastAll(f.Envelope, f.Except...)
	}
}

func (r *Relay) publish(f relayFrame) {
	f.Instance = r.instance
	b, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := r.rdb.Publish(context.Background(), relayChannel, b).Err(); err != nil {
		r.logger.Warnw("relay publish failed", "error", err, "scope", f.Scope)
	}
}

// Join and Leave stay instance-local: rooms track which of this instance's
// sockets have a conversation open.
func (r *Relay) Join(c *Client, room string)  { r.hub.Join(c, room) }
func (r *Relay) Leave(c *Client, room string) { r.hub.Leave(c, room) }

func (r *Relay) SendToUser(userID string, env wire.Envelope) {
	r.hub.SendToUser(userID, env)
	r.publish(relayFrame{Scope: scopeUser, Target: userID, Envelope: env})
}

func (r *Relay) BroadcastRoom(room string, env wire.Envelope, except ...string) {
	r.hub.BroadcastRoom(room, env, except...)
	r.publish(relayFrame{Scope: scopeRoom, Target: room, Except: except, Envelope: env})
}

func (r *Relay) BroadcastAll(env wire.Envelope, except ...string) {
	r.hub.BroadcastAll(env, except...)
	r.publish(relayFrame{Scope: scopeAll, Except: except, Envelope: env})
}
