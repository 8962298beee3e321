package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/farmconnect/messaging/wire"
)

// RestAPI is the REST collaborator surface the sync engine consumes: history
// and directory hydration, conversation bootstrap, and attachment upload.
type RestAPI interface {
	ListConversations(ctx context.Context, cursor string, limit int) ([]*wire.Conversation, string, error)
	GetMessages(ctx context.Context, conversationID string, limit int, before string) ([]*wire.Message, bool, error)
	StartConversation(ctx context.Context, otherUserID string) (*wire.Conversation, error)
	UploadAttachment(ctx context.Context, filename, contentType string, r io.Reader) (wire.Content, error)
}

// HTTPAPI talks to the chat gateway's REST endpoints. Transient failures
// (network, 5xx) are retried with exponential backoff under the caller's
// context; a circuit breaker sheds the retries entirely once the gateway
// keeps failing, so a dead backend fails fast instead of burning the full
// retry window per call.
type HTTPAPI struct {
	base         string
	token        string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
	maxElapsed   time.Duration
	retryInitial time.Duration
}

func NewHTTPAPI(base, token string) *HTTPAPI {
	return &HTTPAPI{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "chat-rest",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// client-side rejections (4xx) are the server working fine
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrRejected)
			},
		}),
		maxElapsed:   30 * time.Second,
		retryInitial: 500 * time.Millisecond,
	}
}

type listConversationsResponse struct {
	Conversations []*wire.Conversation `json:"conversations"`
	NextCursor    string               `json:"nextCursor,omitempty"`
}

func (a *HTTPAPI) ListConversations(ctx context.Context, cursor string, limit int) ([]*wire.Conversation, string, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out listConversationsResponse
	if err := a.getJSON(ctx, "/api/conversations", q, &out); err != nil {
		return nil, "", err
	}
	return out.Conversations, out.NextCursor, nil
}

type messagesResponse struct {
	Messages []*wire.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

func (a *HTTPAPI) GetMessages(ctx context.Context, conversationID string, limit int, before string) ([]*wire.Message, bool, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	var out messagesResponse
	if err := a.getJSON(ctx, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", q, &out); err != nil {
		return nil, false, err
	}
	return out.Messages, out.HasMore, nil
}

type startConversationResponse struct {
	Conversation *wire.Conversation `json:"conversation"`
}

func (a *HTTPAPI) StartConversation(ctx context.Context, otherUserID string) (*wire.Conversation, error) {
	body, _ := json.Marshal(map[string]string{"otherUserId": otherUserID})
	var out startConversationResponse
	if err := a.do(ctx, http.MethodPost, "/api/conversations", nil, "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

func (a *HTTPAPI) UploadAttachment(ctx context.Context, filename, contentType string, r io.Reader) (wire.Content, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return wire.Content{}, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return wire.Content{}, err
	}
	if err := mw.Close(); err != nil {
		return wire.Content{}, err
	}
	var out wire.Content
	if err := a.do(ctx, http.MethodPost, "/api/attachments", nil, mw.FormDataContentType(), &buf, &out); err != nil {
		return wire.Content{}, err
	}
	if out.ContentType == "" {
		out.ContentType = contentType
	}
	return out, nil
}

func (a *HTTPAPI) getJSON(ctx context.Context, path string, q url.Values, v any) error {
	return a.do(ctx, http.MethodGet, path, q, "", nil, v)
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, q url.Values, contentType string, body io.Reader, v any) error {
	// bodies are buffered by callers, so the request can be rebuilt per attempt
	var payload []byte
	if body != nil {
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return err
		}
	}

	attempt := func() error {
		u := a.base + path
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+a.token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("server error: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			var en wire.ErrorNotice
			_ = json.NewDecoder(resp.Body).Decode(&en)
			if en.Message == "" {
				en.Message = resp.Status
			}
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, en.Message))
		}
		if v == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(v)
	}

	op := func() error {
		_, err := a.breaker.Execute(func() (any, error) {
			return nil, attempt()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%w: gateway unavailable", ErrRejected))
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retryInitial
	b.MaxElapsedTime = a.maxElapsed
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
