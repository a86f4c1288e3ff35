package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func dialStream(t *testing.T, ctx context.Context, baseURL, clientID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/v1/sync/stream/" + clientID
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	var hello StreamEvent
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	require.Equal(t, "hello", hello.Type)
	return conn
}

func postBatch(t *testing.T, baseURL string, body map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(baseURL+"/v1/sync/batch", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamNotifiesOtherClients(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	ts := httptest.NewServer(env.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watcher := dialStream(t, ctx, ts.URL, "tablet-2")
	origin := dialStream(t, ctx, ts.URL, "tablet-1")
	require.Equal(t, 2, env.hub.Subscribers())

	postBatch(t, ts.URL, batchBody("tablet-1",
		workOrderOp("op1", "CREATE", "wo-1", testNow, map[string]any{"title": "Fix pump"})))

	var event StreamEvent
	require.NoError(t, wsjson.Read(ctx, watcher, &event))
	require.Equal(t, "changes", event.Type)
	require.Equal(t, []string{"work_orders"}, event.Tables)

	readCtx, readCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer readCancel()
	err := wsjson.Read(readCtx, origin, &event)
	require.Error(t, err, "the writing client is not notified of its own batch")
}

func TestStreamHubSkipsOriginAndDropsWhenFull(t *testing.T) {
	hub := NewStreamHub(nil)
	defer hub.Close()

	origin, cancelOrigin, ok := hub.subscribe("tablet-1")
	require.True(t, ok)
	defer cancelOrigin()
	other, cancelOther, ok := hub.subscribe("tablet-2")
	require.True(t, ok)
	defer cancelOther()

	for i := 0; i < streamBufferSize+4; i++ {
		hub.NotifyChanges(fieldsync.ChangeNotice{OriginClientID: "tablet-1", Entities: []string{"assets"}, SyncTimestamp: testNow})
	}
	require.Len(t, other.events, streamBufferSize)
	require.Len(t, origin.events, 0)
}

func TestStreamHubRefusesAfterClose(t *testing.T) {
	hub := NewStreamHub(nil)
	hub.Close()
	hub.Close()

	_, _, ok := hub.subscribe("tablet-1")
	require.False(t, ok)

	server := NewServerWithConfig(mustCoordinator(t), ServerConfig{Hub: hub})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/stream/tablet-1"})
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestStreamRequiresClientID(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/sync/stream/%20"})
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func mustCoordinator(t *testing.T) *fieldsync.Coordinator {
	t.Helper()
	backend := fieldsync.NewMemoryBackend(nil)
	coordinator, err := fieldsync.NewCoordinator(fieldsync.CoordinatorOptions{Records: backend, Ledger: backend})
	require.NoError(t, err)
	return coordinator
}
