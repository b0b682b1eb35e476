package testserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	ts := httptest.NewServer(New(hub, logger, prometheus.NewRegistry()).Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return hub, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/broadcast"
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

func postBroadcast(t *testing.T, ts *httptest.Server, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/test/broadcast", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	hub, ts := newTestServer(t)
	dialWS(t, ts)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Connections)
}

func TestBroadcast_OnlySubscribedConnections(t *testing.T) {
	hub, ts := newTestServer(t)
	ctx := context.Background()

	subscribed := dialWS(t, ts)
	other := dialWS(t, ts)

	require.NoError(t, subscribed.Write(ctx, websocket.MessageText, []byte(`{"subscribe":["order"]}`)))
	require.NoError(t, other.Write(ctx, websocket.MessageText, []byte(`{"subscribe":["invoice"]}`)))
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("order") == 1 && hub.SubscriberCount("invoice") == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, body := postBroadcast(t, ts, `{"channel":"order","event_type":"created","payload":{"id":"123"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result BroadcastResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Success)
	assert.Equal(t, "order", result.Channel)
	assert.Equal(t, "created", result.EventType)
	assert.Equal(t, 1, result.SubscriberCount)

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, data, err := subscribed.Read(readCtx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"order","event":"created","payload":{"id":"123"}}`, string(data))

	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	_, _, err = other.Read(shortCtx)
	assert.Error(t, err, "unsubscribed connection received a message")
}

func TestBroadcast_Unsubscribe(t *testing.T) {
	hub, ts := newTestServer(t)
	ctx := context.Background()

	ws := dialWS(t, ts)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"subscribe":["order","invoice"]}`)))
	require.Eventually(t, func() bool { return hub.SubscriberCount("invoice") == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"unsubscribe":["order"]}`)))
	require.Eventually(t, func() bool { return hub.SubscriberCount("order") == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.SubscriberCount("invoice"))
}

func TestBroadcast_Validation(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := postBroadcast(t, ts, `{"channel":"order"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postBroadcast(t, ts, `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := postBroadcast(t, ts, `{"channel":"nobody","event_type":"created"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result BroadcastResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 0, result.SubscriberCount)
}

func TestOnMessage(t *testing.T) {
	hub, ts := newTestServer(t)

	frames := make(chan string, 1)
	hub.OnMessage(func(data []byte) { frames <- string(data) })

	ws := dialWS(t, ts)
	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, []byte(`"hello"`)))

	select {
	case f := <-frames:
		assert.Equal(t, `"hello"`, f)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not observed")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	postBroadcast(t, ts, `{"channel":"order","event_type":"created"}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "broadcast_testserver_broadcasts_total 1")
	assert.Contains(t, string(body), "broadcast_testserver_connections 0")
}
