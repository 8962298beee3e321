package chatclient

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/farmconnect/messaging/wire"
)

// State is the connection lifecycle reported to subscribers.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed is terminal: all retries are exhausted and the client
	// will not reconnect on its own.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Conn is one established transport. The production implementation wraps a
// websocket; tests substitute an in-memory pipe.
type Conn interface {
	ReadEnvelope() (wire.Envelope, error)
	WriteEnvelope(wire.Envelope) error
	Close() error
}

// Dialer establishes a Conn. Injected so tests can run without a server.
type Dialer func(ctx context.Context, rawURL, token string) (Conn, error)

type Config struct {
	URL   string
	Token string

	// MaxRetries bounds reconnection attempts per outage; RetryDelay is the
	// fixed backoff between them.
	MaxRetries   int
	RetryDelay   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 4 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Subscription is a cancelable handle returned by Subscribe/OnStateChange.
// Canceling is idempotent; all handles die with the client on Disconnect.
type Subscription struct {
	cancel func()
}

func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Client owns the single persistent transport for one authenticated user:
// auth handshake, bounded reconnect with fixed backoff, lifecycle events,
// and event subscriptions with guaranteed cleanup on teardown.
type Client struct {
	cfg    Config
	dial   Dialer
	logger *zap.SugaredLogger

	mu        sync.Mutex
	conn      Conn
	state     State
	subs      map[string]map[uint64]func(wire.Envelope)
	stateSubs map[uint64]func(State)
	nextSub   uint64
	done      chan struct{}
	started   bool
}

// Option tweaks client construction.
type Option func(*Client)

// WithDialer substitutes the transport dialer (tests).
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

func New(cfg Config, logger *zap.SugaredLogger, opts ...Option) *Client {
	cfg.defaults()
	c := &Client{
		cfg:       cfg,
		logger:    logger,
		subs:      make(map[string]map[uint64]func(wire.Envelope)),
		stateSubs: make(map[uint64]func(State)),
		done:      make(chan struct{}),
	}
	c.dial = websocketDialer(cfg.WriteTimeout)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect starts the connection loop. Without a token no attempt is made and
// the caller should fall back to REST-only mode.
func (c *Client) Connect() error {
	if c.cfg.Token == "" {
		return ErrNoToken
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
	return nil
}

// Disconnect tears the transport down and releases every subscription.
func (c *Client) Disconnect() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]map[uint64]func(wire.Envelope))
	c.stateSubs = make(map[uint64]func(State))
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a lifecycle handler. The handler also receives the
// current state immediately so subscribers never miss the initial transition.
func (c *Client) OnStateChange(fn func(State)) Subscription {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	cur := c.state
	c.mu.Unlock()
	fn(cur)
	return Subscription{cancel: func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}}
}

// Subscribe registers a handler for one inbound event.
func (c *Client) Subscribe(event string, fn func(wire.Envelope)) Subscription {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[event] == nil {
		c.subs[event] = make(map[uint64]func(wire.Envelope))
	}
	c.subs[event][id] = fn
	c.mu.Unlock()
	return Subscription{cancel: func() {
		c.mu.Lock()
		if m := c.subs[event]; m != nil {
			delete(m, id)
		}
		c.mu.Unlock()
	}}
}

func (c *Client) run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}
		c.setState(StateConnecting)

		var conn Conn
		op := func() error {
			select {
			case <-c.done:
				return backoff.Permanent(ErrClosed)
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
			defer cancel()
			cn, err := c.dial(ctx, c.cfg.URL, c.cfg.Token)
			if err != nil {
				return err
			}
			conn = cn
			return nil
		}
		bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxRetries))
		if err := backoff.Retry(op, bo); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warnw("chat socket unreachable, giving up", "err", err)
			c.setState(StateFailed)
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		select {
		case <-c.done:
			return
		default:
			c.setState(StateDisconnected)
		}
	}
}

func (c *Client) readLoop(conn Conn) {
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			c.logger.Debugw("chat socket read ended", "err", err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env wire.Envelope) {
	c.mu.Lock()
	handlers := make([]func(wire.Envelope), 0, len(c.subs[env.Event]))
	for _, fn := range c.subs[env.Event] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

// Emit sends one event to the server.
func (c *Client) Emit(event string, v any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	env, err := wire.NewEnvelope(event, v)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(env)
}

// ---- outbound operations ----

func (c *Client) JoinConversation(id string) error {
	return c.Emit(wire.EventConversationJoin, wire.JoinRequest{ConversationID: id})
}

// LeaveConversation is best-effort: the server also drops room membership on
// disconnect, and events for a left conversation still reach the user's
// directory through user-scoped pushes.
func (c *Client) LeaveConversation(id string) error {
	return c.Emit(wire.EventConversationLeave, wire.JoinRequest{ConversationID: id})
}

func (c *Client) SendMessage(req wire.SendRequest) error {
	return c.Emit(wire.EventMessageSend, req)
}

func (c *Client) EditMessage(messageID, text string) error {
	return c.Emit(wire.EventMessageEdit, wire.EditRequest{MessageID: messageID, Text: text})
}

func (c *Client) UnsendMessage(messageID string) error {
	return c.Emit(wire.EventMessageUnsend, wire.UnsendRequest{MessageID: messageID})
}

func (c *Client) React(messageID, emoji string) error {
	return c.Emit(wire.EventMessageReaction, wire.ReactionRequest{MessageID: messageID, Emoji: emoji})
}

func (c *Client) AckDelivered(messageID string) error {
	return c.Emit(wire.EventMessageDelivered, wire.DeliveredRequest{MessageID: messageID})
}

func (c *Client) MarkSeen(conversationID string) error {
	return c.Emit(wire.EventMessageSeen, wire.SeenRequest{ConversationID: conversationID})
}

func (c *Client) TypingStart(conversationID string) error {
	return c.Emit(wire.EventTypingStart, wire.JoinRequest{ConversationID: conversationID})
}

func (c *Client) TypingStop(conversationID string) error {
	return c.Emit(wire.EventTypingStop, wire.JoinRequest{ConversationID: conversationID})
}

// ---- websocket transport ----

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (w *wsConn) ReadEnvelope() (wire.Envelope, error) {
	var env wire.Envelope
	err := w.conn.ReadJSON(&env)
	return env, err
}

func (w *wsConn) WriteEnvelope(env wire.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteJSON(env)
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.mu.Unlock()
	return w.conn.Close()
}

func websocketDialer(writeTimeout time.Duration) Dialer {
	return func(ctx context.Context, rawURL, token string) (Conn, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()

		d := websocket.Dialer{}
		conn, resp, err := d.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
	}
}
