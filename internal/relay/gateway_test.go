// ABOUTME: Tests for the gateway SSE client
// ABOUTME: Uses an httptest server speaking the gateway's /api/send event stream

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type gatewayRecorder struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []SendRequest
}

func (g *gatewayRecorder) header(i int) http.Header {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.headers[i]
}

func (g *gatewayRecorder) body(i int) SendRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bodies[i]
}

func (g *gatewayRecorder) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.bodies)
}

// fakeGatewayServer answers /api/send with the given events and records each request.
func fakeGatewayServer(t *testing.T, events func(w http.ResponseWriter, req SendRequest)) (*httptest.Server, *gatewayRecorder) {
	t.Helper()
	rec := &gatewayRecorder{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body SendRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		rec.mu.Lock()
		rec.headers = append(rec.headers, r.Header.Clone())
		rec.bodies = append(rec.bodies, body)
		rec.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		events(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestGatewayClient_Send(t *testing.T) {
	srv, rec := fakeGatewayServer(t, func(w http.ResponseWriter, req SendRequest) {
		writeSSE(w, "started", map[string]string{"thread_id": "gw-thread-1"})
		writeSSE(w, "thinking", map[string]string{"text": "hmm"})
		writeSSE(w, "text", map[string]string{"text": "Hello"})
		writeSSE(w, "done", map[string]string{"full_response": "Hello there"})
	})

	client, err := NewGatewayClient(srv.URL+"/", GatewayOptions{})
	require.NoError(t, err)

	var seen []EventType
	res, err := client.Send(context.Background(), SendRequest{
		Sender:    "alice",
		Content:   "hi",
		Frontend:  PlatformSlack,
		ChannelID: "C1",
	}, func(evt SSEEvent) {
		seen = append(seen, evt.Type)
	})
	require.NoError(t, err)

	assert.Equal(t, "gw-thread-1", res.ThreadID)
	assert.Equal(t, "Hello there", res.Response)
	assert.Equal(t, []EventType{EventStarted, EventThinking, EventText, EventDone}, seen)

	require.Equal(t, 1, rec.count())
	h := rec.header(0)
	assert.Equal(t, "text/event-stream", h.Get("Accept"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Empty(t, h.Get("Authorization"))

	body := rec.body(0)
	assert.Equal(t, "alice", body.Sender)
	assert.Equal(t, "hi", body.Content)
	assert.Equal(t, "slack", body.Frontend)
	assert.Equal(t, "C1", body.ChannelID)
	assert.Empty(t, body.ThreadID)
}

func TestGatewayClient_ContinuesExistingThread(t *testing.T) {
	srv, rec := fakeGatewayServer(t, func(w http.ResponseWriter, req SendRequest) {
		writeSSE(w, "done", map[string]string{"full_response": "ok"})
	})

	client, err := NewGatewayClient(srv.URL, GatewayOptions{})
	require.NoError(t, err)
	res, err := client.Send(context.Background(), SendRequest{ThreadID: "gw-existing", Sender: "a", Content: "b"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "gw-existing", rec.body(0).ThreadID)
	assert.Equal(t, "gw-existing", res.ThreadID, "no started event keeps the requested thread")
	assert.Equal(t, "ok", res.Response)
}

func TestGatewayClient_BearerToken(t *testing.T) {
	srv, rec := fakeGatewayServer(t, func(w http.ResponseWriter, req SendRequest) {
		writeSSE(w, "done", map[string]string{"full_response": "ok"})
	})

	client, err := NewGatewayClient(srv.URL, GatewayOptions{
		JWTSecret:   "test-secret",
		PrincipalID: "relay-principal",
		TokenTTL:    time.Minute,
	})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), SendRequest{Sender: "a", Content: "b"}, nil)
	require.NoError(t, err)

	auth := rec.header(0).Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "Bearer "))

	token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, token.Valid)

	sub, err := token.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "relay-principal", sub)

	exp, err := token.Claims.GetExpirationTime()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp.Time, 5*time.Second)
}

func TestGatewayClient_ErrorEvent(t *testing.T) {
	srv, _ := fakeGatewayServer(t, func(w http.ResponseWriter, req SendRequest) {
		writeSSE(w, "started", map[string]string{"thread_id": "gw-1"})
		writeSSE(w, "error", map[string]string{"error": "agent crashed"})
	})

	client, err := NewGatewayClient(srv.URL, GatewayOptions{})
	require.NoError(t, err)
	res, err := client.Send(context.Background(), SendRequest{Sender: "a", Content: "b"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateway)
	assert.Contains(t, err.Error(), "agent crashed")
	assert.Equal(t, "gw-1", res.ThreadID)
}

func TestGatewayClient_HTTPErrorJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "agent not found"})
	}))
	defer srv.Close()

	client, err := NewGatewayClient(srv.URL, GatewayOptions{})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), SendRequest{Sender: "a", Content: "b"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateway)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "agent not found")
}

func TestGatewayClient_HTTPErrorPlain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewGatewayClient(srv.URL, GatewayOptions{})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), SendRequest{Sender: "a", Content: "b"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateway)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "bad gateway")
}

func TestGatewayClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewGatewayClient(url, GatewayOptions{})
	require.NoError(t, err)
	_, err = client.Send(context.Background(), SendRequest{Sender: "a", Content: "b"}, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrGateway)
}

func TestNewGatewayClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "gateway.local:8080", "ftp://gateway.local", "http://"} {
		_, err := NewGatewayClient(raw, GatewayOptions{})
		assert.Error(t, err, "url %q", raw)
	}
}

func TestParseSSEStream_MultilineDataAndComments(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"event: text",
		`data: {"text":"a"}`,
		"",
		"event: done",
		`data: {"full_response":`,
		`data: "line"}`,
		"",
		"event: text",
		`data: {"text":"after done is ignored"}`,
		"",
	}, "\n")

	var res SendResult
	var events []SSEEvent
	err := parseSSEStream(context.Background(), strings.NewReader(stream), &res, func(e SSEEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, `{"full_response":`+"\n"+`"line"}`, events[1].Data)
	assert.Equal(t, "line", res.Response)
}

func TestParseSSEStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var res SendResult
	err := parseSSEStream(ctx, strings.NewReader("event: text\ndata: {}\n\n"), &res, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
