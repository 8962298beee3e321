package chatclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func fastAPI(srvURL string) *HTTPAPI {
	a := NewHTTPAPI(srvURL, "tok")
	a.retryInitial = time.Millisecond
	a.maxElapsed = 20 * time.Millisecond
	return a
}

func TestRestListConversationsParsesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"conversations":[{"id":"c1","participants":["me","bob"]}],"nextCursor":"abc"}`))
	}))
	defer srv.Close()

	convs, next, err := fastAPI(srv.URL).ListConversations(context.Background(), "", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].ID != "c1" || next != "abc" {
		t.Fatalf("page mangled: %v next=%q", convs, next)
	}
}

func TestRestClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"access denied"}`))
	}))
	defer srv.Close()

	_, _, err := fastAPI(srv.URL).ListConversations(context.Background(), "", 20)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("4xx must not be retried, saw %d requests", n)
	}
}

func TestRestServerErrorIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[],"hasMore":false}`))
	}))
	defer srv.Close()

	_, _, err := fastAPI(srv.URL).GetMessages(context.Background(), "c1", 20, "")
	if err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected one retry after the 500, saw %d requests", n)
	}
}

func TestRestCircuitOpensAfterRepeatedServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	api := fastAPI(srv.URL)
	for i := 0; i < 5; i++ {
		if _, _, err := api.GetMessages(context.Background(), "c1", 20, ""); err == nil {
			t.Fatal("expected failure against a dead gateway")
		}
	}

	before := atomic.LoadInt32(&calls)
	if before < 5 {
		t.Fatalf("expected at least 5 attempts before the breaker opens, saw %d", before)
	}

	_, _, err := api.GetMessages(context.Background(), "c1", 20, "")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("open circuit should fail fast with ErrRejected, got %v", err)
	}
	if after := atomic.LoadInt32(&calls); after != before {
		t.Fatalf("open circuit still hit the server: %d -> %d requests", before, after)
	}
}
