package chatclient

import "errors"

// Failures surfaced to callers of the sync engine. Every outbound operation
// resolves to nil or one of these; a failed send is always left in a
// retryable state rather than silently dropped.
var (
	// ErrNoToken means no auth token was supplied; no connection attempt is
	// made and messaging degrades to REST-only mode.
	ErrNoToken = errors.New("chatclient: no auth token")

	// ErrNotConnected means the transport is not currently established.
	ErrNotConnected = errors.New("chatclient: not connected")

	// ErrTimeout means an acknowledgment did not arrive in time.
	ErrTimeout = errors.New("chatclient: operation timed out")

	// ErrRejected means the server refused the operation.
	ErrRejected = errors.New("chatclient: rejected by server")

	// ErrClosed means the session or client has been torn down.
	ErrClosed = errors.New("chatclient: closed")

	// ErrUnknownMessage means an event referenced a message that is not in
	// the local log. Merge-level: logged and dropped, never fatal.
	ErrUnknownMessage = errors.New("chatclient: unknown message")

	// ErrUnknownConversation means an operation referenced a conversation
	// the session has not loaded.
	ErrUnknownConversation = errors.New("chatclient: unknown conversation")

	// Validation failures, rejected before any optimistic mutation.
	ErrEditWindowExpired = errors.New("chatclient: edit window expired")
	ErrEditNotText       = errors.New("chatclient: only text messages can be edited")
	ErrEditUnsent        = errors.New("chatclient: cannot edit an unsent message")
	ErrNotSender         = errors.New("chatclient: not the message sender")
	ErrEmptyMessage      = errors.New("chatclient: empty message")
)
