// Package apperr holds the typed errors shared across the chat gateway.
// Handlers map codes to HTTP statuses and socket error notices; everything
// below the handler layer just wraps and returns.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a cause while keeping the code and message.
func (e *Error) Wrap(err error) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: e.Message, Err: err}
}

func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Is matches on code, so wrapped instances still compare equal to their
// sentinel via errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// StatusOf returns the HTTP status for err, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the error code for err, defaulting to "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

var (
	ErrBadRequest   = New("bad_request", http.StatusBadRequest, "bad request")
	ErrUnauthorized = New("unauthorized", http.StatusUnauthorized, "unauthorized")
	ErrForbidden    = New("forbidden", http.StatusForbidden, "access denied")
	ErrNotFound     = New("not_found", http.StatusNotFound, "not found")
	ErrInternal     = New("internal", http.StatusInternalServerError, "internal error")

	ErrConversationNotFound = New("conversation_not_found", http.StatusForbidden, "conversation not found or access denied")
	ErrMessageNotFound      = New("message_not_found", http.StatusNotFound, "message not found")
	ErrNotSender            = New("not_sender", http.StatusForbidden, "not your message")
	ErrEditWindowExpired    = New("edit_window_expired", http.StatusBadRequest, "edit window expired (15 minutes)")
	ErrEditUnsent           = New("edit_unsent", http.StatusBadRequest, "cannot edit unsent message")
	ErrEditNotText          = New("edit_not_text", http.StatusBadRequest, "only text messages can be edited")
	ErrRateLimited          = New("rate_limited", http.StatusTooManyRequests, "too many messages, slow down")
	ErrSelfConversation     = New("self_conversation", http.StatusBadRequest, "cannot start a conversation with yourself")
)
