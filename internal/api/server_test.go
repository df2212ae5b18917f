package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/chordsim/internal/sim"
	"github.com/zde37/chordsim/pkg"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(pkg.NewNop())
	require.NoError(t, err)
	srv.wsHub.Start()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.wsHub.Stop()
		ts.Close()
	})
	return srv, ts
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	srv, ts := newTestServer(t)
	require.NoError(t, srv.BroadcastRingUpdate(sim.RingUpdateEvent{Type: sim.EventNodeJoin, NodeID: "5"}))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["updates"])
}

func TestServer_Ring(t *testing.T) {
	srv, ts := newTestServer(t)

	t.Run("no snapshot yet", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/ring")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	snap := &sim.Snapshot{
		Step:   40,
		Digest: 99,
		Nodes: []sim.NodeView{
			{ID: "1", Successor: "3", Predecessor: "6", Successors: []string{"3", "6"}, Fingers: []string{"3", "3", "6"}, Handler: "honest", Joined: true},
		},
	}
	require.NoError(t, srv.BroadcastRingUpdate(sim.RingUpdateEvent{Type: sim.EventSnapshot, Step: 40, Snapshot: snap}))
	require.NoError(t, srv.BroadcastRingUpdate(sim.RingUpdateEvent{Type: sim.EventNodeFail, Step: 41, NodeID: "3"}))

	t.Run("latest snapshot", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/ring")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

		var got sim.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, int64(40), got.Step)
		assert.Equal(t, uint64(99), got.Digest)
		require.Len(t, got.Nodes, 1)
		assert.Equal(t, "3", got.Nodes[0].Successor)
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/ring", "application/json", strings.NewReader("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	t.Run("preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/ring", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_WebSocket(t *testing.T) {
	srv, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.wsHub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.BroadcastRingUpdate(sim.RingUpdateEvent{
		Type:    sim.EventNodeJoin,
		NodeID:  "12",
		Step:    7,
		Message: "JOIN 12 via 0 at 7",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got sim.RingUpdateEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, sim.EventNodeJoin, got.Type)
	assert.Equal(t, "12", got.NodeID)
	assert.Equal(t, int64(7), got.Step)
	assert.Nil(t, got.Snapshot)

	conn.Close()
	assert.Eventually(t, func() bool { return srv.wsHub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StartStop(t *testing.T) {
	srv, err := NewServer(pkg.NewNop())
	require.NoError(t, err)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	assert.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
	_, err = http.Get("http://" + srv.Addr() + "/health")
	assert.Error(t, err)
}

func TestWebSocketHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewWebSocketHub(pkg.NewNop())
	for i := 0; i < 300; i++ {
		require.NoError(t, hub.BroadcastRingUpdate(map[string]int{"i": i}))
	}
	assert.Error(t, hub.BroadcastRingUpdate(func() {}))
	hub.Stop()
}
