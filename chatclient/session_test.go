package chatclient

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/farmconnect/messaging/wire"
)

type fakeTransport struct {
	mu        sync.Mutex
	state     State
	stateSubs []func(State)
	handlers  map[string][]func(wire.Envelope)

	sent      []wire.SendRequest
	joined    []string
	left      []string
	delivered []string
	seen      []string
	emitErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]func(wire.Envelope))}
}

func (f *fakeTransport) Connect() error {
	f.setState(StateConnected)
	return nil
}

func (f *fakeTransport) Disconnect() { f.setState(StateDisconnected) }

func (f *fakeTransport) setState(s State) {
	f.mu.Lock()
	f.state = s
	subs := append([]func(State){}, f.stateSubs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (f *fakeTransport) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnStateChange(fn func(State)) Subscription {
	f.mu.Lock()
	f.stateSubs = append(f.stateSubs, fn)
	cur := f.state
	f.mu.Unlock()
	fn(cur)
	return Subscription{cancel: func() {}}
}

func (f *fakeTransport) Subscribe(event string, fn func(wire.Envelope)) Subscription {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], fn)
	f.mu.Unlock()
	return Subscription{cancel: func() {}}
}

// push delivers a server event to subscribers, as the read pump would.
func (f *fakeTransport) push(t *testing.T, event string, v any) {
	t.Helper()
	env, err := wire.NewEnvelope(event, v)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]func(wire.Envelope){}, f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(env)
	}
}

func (f *fakeTransport) JoinConversation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
	return f.emitErr
}

func (f *fakeTransport) LeaveConversation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
	return f.emitErr
}

func (f *fakeTransport) SendMessage(req wire.SendRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeTransport) EditMessage(string, string) error  { return f.emitErr }
func (f *fakeTransport) UnsendMessage(string) error        { return f.emitErr }
func (f *fakeTransport) React(string, string) error        { return f.emitErr }
func (f *fakeTransport) TypingStart(string) error          { return f.emitErr }
func (f *fakeTransport) TypingStop(string) error           { return f.emitErr }

func (f *fakeTransport) AckDelivered(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeTransport) MarkSeen(conv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, conv)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeAPI struct {
	mu    sync.Mutex
	convs []*wire.Conversation
	msgs  map[string][]*wire.Message
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{msgs: make(map[string][]*wire.Message)}
}

func (a *fakeAPI) ListConversations(_ context.Context, _ string, _ int) ([]*wire.Conversation, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.convs, "", nil
}

func (a *fakeAPI) GetMessages(_ context.Context, conversationID string, _ int, _ string) ([]*wire.Message, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.msgs[conversationID], false, nil
}

func (a *fakeAPI) StartConversation(_ context.Context, otherUserID string) (*wire.Conversation, error) {
	return &wire.Conversation{ID: "new", Participants: []string{"me", otherUserID}}, nil
}

func (a *fakeAPI) UploadAttachment(_ context.Context, filename, contentType string, _ io.Reader) (wire.Content, error) {
	return wire.AttachmentContent("https://files.example/"+filename, filename, contentType, 42), nil
}

func fastSession(t *testing.T, tr Transport, api RestAPI) *Session {
	t.Helper()
	s := NewSession("me", tr, api, SessionConfig{
		SendTimeout:   40 * time.Millisecond,
		ReadCoalesce:  10 * time.Millisecond,
		TypingTimeout: 50 * time.Millisecond,
		PageSize:      20,
		tick:          5 * time.Millisecond,
	}, zap.NewNop().Sugar())
	t.Cleanup(s.Close)
	return s
}

func TestSessionDuplicateSelfEcho(t *testing.T) {
	tr := newFakeTransport()
	api := newFakeAPI()
	s := fastSession(t, tr, api)
	require.NoError(t, s.Start())

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	token, err := s.SendText("c1", "hello", "")
	require.NoError(t, err)
	require.Equal(t, 1, tr.sentCount())

	// server echoes the message with its own identity and our token
	echo := msg("m1", time.Now(), "me", "hello")
	echo.ClientToken = token
	tr.push(t, wire.EventMessageNew, echo)
	// duplicate delivery of the same echo
	tr.push(t, wire.EventMessageNew, echo)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, wire.StatusSent, s.StatusOf("c1", "m1"))
}

func TestSessionSendTimeoutThenRetry(t *testing.T) {
	tr := newFakeTransport()
	s := fastSession(t, tr, newFakeAPI())
	require.NoError(t, s.Start())

	token, err := s.SendText("c1", "slow", "")
	require.NoError(t, err)

	var pendingID string
	waitFor(t, time.Second, func() bool {
		msgs := s.Messages("c1")
		if len(msgs) != 1 {
			return false
		}
		pendingID = msgs[0].ID
		return s.StatusOf("c1", pendingID) == wire.StatusFailed
	})

	require.NoError(t, s.RetrySend("c1", token))
	require.Equal(t, 2, tr.sentCount())
	require.Equal(t, wire.StatusSending, s.StatusOf("c1", pendingID))
}

func TestSessionSendWhileDisconnected(t *testing.T) {
	tr := newFakeTransport()
	tr.emitErr = ErrNotConnected
	s := fastSession(t, tr, newFakeAPI())

	token, err := s.SendText("c1", "offline", "")
	require.ErrorIs(t, err, ErrNotConnected)
	require.NotEmpty(t, token)

	// the message is visible and failed, not silently dropped
	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, wire.StatusFailed, s.StatusOf("c1", msgs[0].ID))
}

func TestSessionOpenJoinsAndSignalsRead(t *testing.T) {
	tr := newFakeTransport()
	api := newFakeAPI()
	api.convs = []*wire.Conversation{{ID: "c1", Participants: []string{"me", "bob"}, UnreadCount: 3}}
	api.msgs["c1"] = []*wire.Message{msg("m1", time.Now(), "bob", "hi")}
	s := fastSession(t, tr, api)
	require.NoError(t, s.Start())

	_, err := s.LoadConversations(context.Background())
	require.NoError(t, err)

	msgs, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	tr.mu.Lock()
	joined := append([]string{}, tr.joined...)
	tr.mu.Unlock()
	require.Contains(t, joined, "c1")

	convs := s.Conversations()
	require.Equal(t, 0, convs[0].UnreadCount)

	// coalesced read signal goes out on a tick
	waitFor(t, time.Second, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.seen) >= 1 && tr.seen[0] == "c1"
	})

	// opening never acks delivery for history-page loads
	tr.mu.Lock()
	delivered := len(tr.delivered)
	tr.mu.Unlock()
	require.Zero(t, delivered)
}

func TestSessionLiveMessageAcksAndCountsUnread(t *testing.T) {
	tr := newFakeTransport()
	api := newFakeAPI()
	api.convs = []*wire.Conversation{
		{ID: "c1", Participants: []string{"me", "bob"}},
		{ID: "c2", Participants: []string{"me", "carol"}},
	}
	s := fastSession(t, tr, api)
	require.NoError(t, s.Start())
	_, err := s.LoadConversations(context.Background())
	require.NoError(t, err)
	_, err = s.Open(context.Background(), "c1")
	require.NoError(t, err)

	// live message for the closed conversation c2
	m := msg("m9", time.Now(), "carol", "ping")
	m.ConversationID = "c2"
	tr.push(t, wire.EventMessageNew, m)

	convs := s.Conversations()
	require.Equal(t, "c2", convs[0].ID, "active conversation re-sorts to top")
	require.Equal(t, 1, convs[0].UnreadCount)

	waitFor(t, time.Second, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		for _, id := range tr.delivered {
			if id == "m9" {
				return true
			}
		}
		return false
	})
}

func TestSessionClosedConversationBumpsWithoutRefetch(t *testing.T) {
	tr := newFakeTransport()
	api := newFakeAPI()
	api.convs = []*wire.Conversation{
		{ID: "convA", Participants: []string{"me", "bob"}},
		{ID: "convB", Participants: []string{"me", "carol"}},
	}
	s := fastSession(t, tr, api)
	require.NoError(t, s.Start())
	_, err := s.LoadConversations(context.Background())
	require.NoError(t, err)

	// nothing is open; the message arrives user-scoped, followed by the
	// authoritative unread count
	m := msg("m5", time.Now(), "carol", "beans ready for pickup")
	m.ConversationID = "convB"
	tr.push(t, wire.EventMessageNew, m)
	tr.push(t, wire.EventConversationUnread, wire.UnreadNotice{ConversationID: "convB", Count: 4})

	convs := s.Conversations()
	require.Equal(t, "convB", convs[0].ID, "conversation with newest activity re-sorts to top")
	require.NotNil(t, convs[0].LastMessage)
	require.Equal(t, "beans ready for pickup", convs[0].LastMessage.Text)
	require.Equal(t, 4, convs[0].UnreadCount)
}

func TestSessionResyncOnReconnect(t *testing.T) {
	tr := newFakeTransport()
	api := newFakeAPI()
	base := time.Now()
	api.msgs["c1"] = []*wire.Message{msg("m1", base, "bob", "one")}
	s := fastSession(t, tr, api)
	require.NoError(t, s.Start())

	_, err := s.Open(context.Background(), "c1")
	require.NoError(t, err)

	// two messages land server-side while we are disconnected
	api.mu.Lock()
	api.msgs["c1"] = []*wire.Message{
		msg("m1", base, "bob", "one"),
		msg("m2", base.Add(time.Second), "bob", "two"),
		msg("m3", base.Add(2*time.Second), "bob", "three"),
	}
	api.mu.Unlock()

	tr.setState(StateDisconnected)
	tr.setState(StateConnected)

	waitFor(t, time.Second, func() bool {
		msgs := s.Messages("c1")
		return len(msgs) == 3 && msgs[0].ID == "m1" && msgs[1].ID == "m2" && msgs[2].ID == "m3"
	})

	tr.mu.Lock()
	joins := len(tr.joined)
	tr.mu.Unlock()
	require.GreaterOrEqual(t, joins, 2, "reconnect must re-join the open conversation")
}

func TestSessionEditValidation(t *testing.T) {
	tr := newFakeTransport()
	s := fastSession(t, tr, newFakeAPI())

	theirs := msg("m1", time.Now(), "bob", "their message")
	tr.push(t, wire.EventMessageNew, theirs)
	stale := msg("m2", time.Now().Add(-wire.EditWindow-time.Minute), "me", "too old")
	tr.push(t, wire.EventMessageNew, stale)

	require.ErrorIs(t, s.Edit("c1", "m1", "hijack"), ErrNotSender)
	require.ErrorIs(t, s.Edit("c1", "m2", "late"), ErrEditWindowExpired)
	require.ErrorIs(t, s.Edit("c1", "missing", "x"), ErrUnknownMessage)

	// rejected edits never mutate the log
	msgs := s.Messages("c1")
	require.Equal(t, "their message", msgs[1].Content.Text)
	require.False(t, msgs[1].IsEdited)
}

func TestSessionSeenEventMarksRead(t *testing.T) {
	tr := newFakeTransport()
	s := fastSession(t, tr, newFakeAPI())

	m := msg("m1", time.Now(), "me", "sent to bob")
	tr.push(t, wire.EventMessageNew, m)
	tr.push(t, wire.EventMessageSeen, wire.SeenNotice{
		ConversationID: "c1",
		User:           "bob",
		MessageIDs:     []string{"m1"},
		ReadAt:         time.Now(),
	})

	require.Equal(t, wire.StatusRead, s.StatusOf("c1", "m1"))
}

func TestSessionTypingLifecycle(t *testing.T) {
	tr := newFakeTransport()
	s := fastSession(t, tr, newFakeAPI())

	tr.push(t, wire.EventUserTyping, wire.TypingNotice{ConversationID: "c1", User: "bob"})
	require.Equal(t, []string{"bob"}, s.TypingUsers("c1"))

	// expires without a stop signal
	waitFor(t, time.Second, func() bool { return len(s.TypingUsers("c1")) == 0 })
}
