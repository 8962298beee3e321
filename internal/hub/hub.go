// Package hub routes envelopes between connected sockets. It knows nothing
// about persistence: the chat service decides what to send, the hub decides
// who gets it.
package hub

import (
	"sync"

	"github.com/farmconnect/messaging/wire"
)

// Client is one websocket connection. A user with two tabs open has two
// clients; pushes addressed to the user reach both.
type Client struct {
	UserID string
	send   chan wire.Envelope

	mu     sync.Mutex
	closed bool
}

func NewClient(userID string, buffer int) *Client {
	return &Client{UserID: userID, send: make(chan wire.Envelope, buffer)}
}

// Outbox is drained by the connection's write pump.
func (c *Client) Outbox() <-chan wire.Envelope { return c.send }

// push drops the envelope when the client's buffer is full or the client
// is closing. A reader that slow is better served by the resync it will
// run after reconnecting.
func (c *Client) push(env wire.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type Hub struct {
	mu      sync.RWMutex
	byUser  map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	inRooms map[*Client]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		byUser:  make(map[string]map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		inRooms: make(map[*Client]map[string]struct{}),
	}
}

// Register adds a connection and reports whether it is the user's first.
func (h *Hub) Register(c *Client) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byUser[c.UserID]
	if set == nil {
		set = make(map[*Client]struct{})
		h.byUser[c.UserID] = set
	}
	first = len(set) == 0
	set[c] = struct{}{}
	h.inRooms[c] = make(map[string]struct{})
	return first
}

// Unregister removes the connection from every room, closes its outbox and
// reports whether the user has no connections left.
func (h *Hub) Unregister(c *Client) (last bool) {
	h.mu.Lock()
	for room := range h.inRooms[c] {
		h.leaveLocked(c, room)
	}
	delete(h.inRooms, c)
	if set := h.byUser[c.UserID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.UserID)
			last = true
		}
	}
	h.mu.Unlock()
	c.close()
	return last
}

func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inRooms[c]; !ok {
		return
	}
	set := h.rooms[room]
	if set == nil {
		set = make(map[*Client]struct{})
		h.rooms[room] = set
	}
	set[c] = struct{}{}
	h.inRooms[c][room] = struct{}{}
}

func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
	delete(h.inRooms[c], room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if set := h.rooms[room]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

// BroadcastRoom sends to every connection joined to the room, optionally
// skipping one user's connections.
func (h *Hub) BroadcastRoom(room string, env wire.Envelope, except ...string) {
	h.mu.RLock()
	targets := h.collect(h.rooms[room], except...)
	h.mu.RUnlock()
	for _, c := range targets {
		c.push(env)
	}
}

// SendToUser sends to all of one user's connections, across rooms.
func (h *Hub) SendToUser(userID string, env wire.Envelope) {
	h.mu.RLock()
	targets := h.collect(h.byUser[userID])
	h.mu.RUnlock()
	for _, c := range targets {
		c.push(env)
	}
}

// BroadcastAll sends to every connection, optionally skipping one user.
// Used for presence transitions.
func (h *Hub) BroadcastAll(env wire.Envelope, except ...string) {
	h.mu.RLock()
	var targets []*Client
	for _, set := range h.byUser {
		targets = append(targets, h.collect(set, except...)...)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.push(env)
	}
}

// InRoom reports whether any of the user's connections has the room open.
func (h *Hub) InRoom(userID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) collect(set map[*Client]struct{}, except ...string) []*Client {
	var out []*Client
next:
	for c := range set {
		for _, skip := range except {
			if c.UserID == skip {
				continue next
			}
		}
		out = append(out, c)
	}
	return out
}
