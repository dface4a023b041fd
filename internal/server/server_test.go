// ABOUTME: Tests for the relay HTTP server routes and lifecycle
// ABOUTME: Uses httptest against the route mux and a loopback listener for Run

package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/threadbuf"
)

func newTestServer(t *testing.T, opts Options) (*Server, *threadbuf.Buffer, *store.MockStore) {
	t.Helper()
	buf := threadbuf.New()
	ledger := store.NewMockStore()
	return New(opts, buf, ledger, nil), buf, ledger
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := get(t, s.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReady(t *testing.T) {
	s, _, ledger := newTestServer(t, Options{})

	rec := get(t, s.Handler(), "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, ledger.Close())
	rec = get(t, s.Handler(), "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestThreads(t *testing.T) {
	s, buf, _ := newTestServer(t, Options{})

	buf.Register("C2", "2.0")
	buf.Register("C1", "1.0")
	buf.Append("C1", "1.0", threadbuf.Message{UserName: "a", Text: "x"})
	buf.Append("C1", "1.0", threadbuf.Message{UserName: "a", Text: "y"})

	rec := get(t, s.Handler(), "/api/threads")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ThreadsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Pending)
	assert.Equal(t, []ThreadInfo{
		{ChannelID: "C1", ThreadTS: "1.0", Pending: 2},
		{ChannelID: "C2", ThreadTS: "2.0", Pending: 0},
	}, resp.Threads)
}

func TestThreads_EmptyIsArray(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := get(t, s.Handler(), "/api/threads")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"threads":[],"pending":0}`, rec.Body.String())
}

func TestThreads_MethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/threads", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBatches(t *testing.T) {
	s, _, ledger := newTestServer(t, Options{})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, r := range []struct{ id, ch, ts string }{
		{"a", "C1", "1.0"},
		{"b", "C1", "2.0"},
		{"c", "C2", "1.0"},
	} {
		require.NoError(t, ledger.RecordBatch(ctx, &store.BatchRecord{
			ID: r.id, Platform: "slack", ChannelID: r.ch, ThreadTS: r.ts,
			MessageCount: 1, Status: store.StatusDelivered,
			DrainedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	decode := func(rec *httptest.ResponseRecorder) []string {
		t.Helper()
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp BatchesResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		var ids []string
		for _, b := range resp.Batches {
			ids = append(ids, b.ID)
		}
		return ids
	}

	assert.Equal(t, []string{"c", "b", "a"}, decode(get(t, s.Handler(), "/api/batches")))
	assert.Equal(t, []string{"b", "a"}, decode(get(t, s.Handler(), "/api/batches?channel=C1")))
	assert.Equal(t, []string{"a"}, decode(get(t, s.Handler(), "/api/batches?channel=C1&thread=1.0")))
	assert.Equal(t, []string{"c"}, decode(get(t, s.Handler(), "/api/batches?limit=1")))
}

func TestBatches_EmptyIsArray(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := get(t, s.Handler(), "/api/batches?channel=C9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"batches":[]}`, rec.Body.String())
}

func TestBatches_BadRequests(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	for _, target := range []string{
		"/api/batches?thread=1.0",
		"/api/batches?limit=abc",
		"/api/batches?limit=0",
		"/api/batches?limit=501",
	} {
		rec := get(t, s.Handler(), target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Contains(t, rec.Body.String(), `"error"`, target)
	}
}

func TestSlackRoute(t *testing.T) {
	hit := 0
	slack := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit++
		w.WriteHeader(http.StatusOK)
	})

	s, _, _ := newTestServer(t, Options{SlackHandler: slack})
	req := httptest.NewRequest(http.MethodPost, "/slack/events", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 1, hit)

	s, _, _ = newTestServer(t, Options{SlackHandler: slack, SlackEventsPath: "/hooks/slack"})
	req = httptest.NewRequest(http.MethodPost, "/hooks/slack", nil)
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, 2, hit)
}

func TestSlackRoute_AbsentWhenDisabled(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/slack/events", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	s, _, _ := newTestServer(t, Options{Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s, _, _ := newTestServer(t, Options{Server: config.ServerConfig{HTTPAddr: ln.Addr().String()}})
	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/srv/ts")
	require.NoError(t, err)
	assert.Equal(t, "/srv/ts", dir)

	t.Setenv("HOME", "/home/relay")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, "/home/relay/.local/share/coven-relay/tailscale", dir)
}

func TestAPIRoutes_RequireBearerWhenConfigured(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte("inspect-secret"))
	require.NoError(t, err)
	s, _, _ := newTestServer(t, Options{APIVerifier: verifier})

	for _, path := range []string{"/api/threads", "/api/batches"} {
		rec := get(t, s.Handler(), path)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		token, err := verifier.Generate("ops", time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, path, nil)
		auth.BearerToken(req, token)
		rec = httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	// Health stays open without a token
	assert.Equal(t, http.StatusOK, get(t, s.Handler(), "/health").Code)
}
