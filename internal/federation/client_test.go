package federation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peerForServer(t *testing.T, srv *httptest.Server) Peer {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Peer{NodeID: "peer", ServerName: "peer.local", Host: u.Hostname(), Port: port}
}

func TestSendEvent_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, APIVersion+"/event/receive", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(ReceiveResponse{Accepted: true})
	}))
	defer srv.Close()

	c := NewClient(DefaultClientConfig(), discardLogger())
	resp, err := c.SendEvent(t.Context(), peerForServer(t, srv), Event{EventID: "$1"})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
}

func TestSendEvent_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	}))
	defer srv.Close()

	c := NewClient(DefaultClientConfig(), discardLogger())
	_, err := c.SendEvent(t.Context(), peerForServer(t, srv), Event{EventID: "$1"})
	assert.Error(t, err)
}

func TestSendEventWithRetry_StopsOnTerminalRejection(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.MaxRetries = 5
	c := NewClient(cfg, discardLogger())
	_, err := c.SendEventWithRetry(t.Context(), peerForServer(t, srv), Event{EventID: "$1"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSendEventWithRetry_RetriesTransientFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(ReceiveResponse{Accepted: true})
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.InitialBackoff = 0
	c := NewClient(cfg, discardLogger())
	resp, err := c.SendEventWithRetry(t.Context(), peerForServer(t, srv), Event{EventID: "$1"})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, 3, calls)
}

func TestBroadcastParallel_AggregatesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(ReceiveResponse{Accepted: true})
	}))
	defer srv.Close()

	peer := peerForServer(t, srv)
	peer.ServerName = "a"
	peer2 := peer
	peer2.ServerName = "b"

	c := NewClient(DefaultClientConfig(), discardLogger())
	results := c.BroadcastParallel(t.Context(), []Peer{peer, peer2}, Event{EventID: "$1"})
	require.Len(t, results, 2)
	assert.True(t, results["a"].Response.Accepted)
	assert.True(t, results["b"].Response.Accepted)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_matrix/key/v2/server", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"server_name": "self"})
	}))
	defer srv.Close()

	c := NewClient(DefaultClientConfig(), discardLogger())
	assert.True(t, c.HealthCheck(t.Context(), peerForServer(t, srv)))
}
