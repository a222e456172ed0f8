package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallSendsContractAndParsesItem(t *testing.T) {
	var got Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":"ok","tokens":3}`)
	}))
	defer srv.Close()

	c := NewClient("secret")
	item, err := c.Call(context.Background(), srv.URL+"/", Request{
		Payload:        "find contracts",
		Model:          "default",
		Options:        map[string]any{"conversation_id": "c1"},
		ConversationID: "c1",
	})
	require.NoError(t, err)

	content, ok := item.Content()
	assert.True(t, ok)
	assert.Equal(t, "ok", content)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "find contracts", got.Payload)
	assert.Equal(t, "c1", got.ConversationID)
	assert.False(t, got.Stream)
}

func TestCallNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient("").Call(context.Background(), srv.URL, Request{Payload: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerStatus))
	assert.Contains(t, err.Error(), "502")
}

func TestCallErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"model overloaded"}`)
	}))
	defer srv.Close()

	_, err := NewClient("").Call(context.Background(), srv.URL, Request{Payload: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerPayload))
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestCallMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	}))
	defer srv.Close()

	_, err := NewClient("").Call(context.Background(), srv.URL, Request{Payload: "x"})
	assert.Error(t, err)
}

func TestStreamSkipsMalformedLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		assert.True(t, req.Stream)
		lines := []string{
			`{"content":"a"}`,
			`{"content":"b"}`,
			``,
			`{"content":"c"}`,
			`{"content": broken`,
			`[1,2]`,
			`{"content":"d"}`,
			`{"content":"e"}`,
		}
		fmt.Fprint(w, strings.Join(lines, "\n"))
	}))
	defer srv.Close()

	var got []string
	err := NewClient("").Stream(context.Background(), srv.URL, Request{Payload: "x"}, func(it Item) error {
		c, _ := it.Content()
		got = append(got, c.(string))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestStreamErrorItemShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"content\":\"a\"}\n{\"error\":\"rate limited\"}\n{\"content\":\"never\"}\n")
	}))
	defer srv.Close()

	n := 0
	err := NewClient("").Stream(context.Background(), srv.URL, Request{Payload: "x"}, func(Item) error {
		n++
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerPayload))
	assert.Equal(t, 1, n)
}

func TestStreamCallbackErrorStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"content\":\"a\"}\n{\"content\":\"b\"}\n")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	err := NewClient("").Stream(context.Background(), srv.URL, Request{Payload: "x"}, func(Item) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
}

func TestStreamHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{\"content\":\"a\"}\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n := 0
	err := NewClient("").Stream(ctx, srv.URL, Request{Payload: "x"}, func(Item) error {
		n++
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, 1, n)
}

func TestProcessURL(t *testing.T) {
	u, err := processURL("http://thinker:3001")
	require.NoError(t, err)
	assert.Equal(t, "http://thinker:3001/process", u)

	u, err = processURL("https://host/base/")
	require.NoError(t, err)
	assert.Equal(t, "https://host/base/process", u)

	_, err = processURL("ftp://host")
	assert.Error(t, err)
	_, err = processURL("thinker:3001")
	assert.Error(t, err)
}
