package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBroadcastWork_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/broadcast-work", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ok := c.BroadcastWork(context.Background(), "req-1", "hello world", 1)
	assert.True(t, ok)
}

func TestBroadcastWork_NonOKCoalescesToFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ok := c.BroadcastWork(context.Background(), "req-1", "hello world", 1)
	assert.False(t, ok)
}

func TestTryPopResult_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"work_id":"w1","scout_id":"s1","draft_tokens":["a","b"],"draft_text":"a b"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	draft, found, timedOut := c.TryPopResult(context.Background(), 500*time.Millisecond)
	assert.True(t, found)
	assert.False(t, timedOut)
	assert.Equal(t, "w1", draft.WorkID)
	assert.Equal(t, "s1", draft.ScoutID)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, draft.Pieces)
}

func TestTryPopResult_EmptyIsNotTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, found, timedOut := c.TryPopResult(context.Background(), 500*time.Millisecond)
	assert.False(t, found)
	assert.False(t, timedOut)
}

func TestTryPopResult_SlowServerReportsTimedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, found, timedOut := c.TryPopResult(context.Background(), 5*time.Millisecond)
	assert.False(t, found)
	assert.True(t, timedOut)
}

func TestHealth_Unreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Second)
	h := c.Health(context.Background())
	assert.Nil(t, h)
}

func TestHealth_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"connected_peers":3}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	h := c.Health(context.Background())
	if assert.NotNil(t, h) {
		assert.Equal(t, 3, h.ConnectedPeers)
	}
}

func TestSubmitDraftResult_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/submit-draft", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ok := c.SubmitDraftResult(context.Background(), "w1", "s1", "draft text")
	assert.True(t, ok)
}
