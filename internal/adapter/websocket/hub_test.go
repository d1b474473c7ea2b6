package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/aggregate"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
	"github.com/couchcryptid/crowdwatch-pipeline/internal/observability"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readView(t *testing.T, conn *websocket.Conn) aggregate.LiveView {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var view aggregate.LiveView
	require.NoError(t, json.Unmarshal(data, &view))
	return view
}

func liveView(total int) aggregate.LiveView {
	return aggregate.LiveView{
		LiveState: aggregate.LiveState{
			Total: total,
			Locations: map[string]domain.LocationState{
				"main_entrance": {Current: total, Status: domain.StatusNormal},
			},
		},
		Series:      []aggregate.SeriesPoint{},
		GeneratedAt: time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
	}
}

func TestHub_SendsLatestOnConnect(t *testing.T) {
	hub, srv, _ := startHub(t)
	hub.PublishView(liveView(120))

	conn := dial(t, srv)

	view := readView(t, conn)
	assert.Equal(t, 120, view.Total)
	assert.Equal(t, 120, view.Locations["main_entrance"].Current)
}

func TestHub_BroadcastsToAllClients(t *testing.T) {
	hub, srv, _ := startHub(t)

	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.PublishView(liveView(451))

	assert.Equal(t, 451, readView(t, a).Total)
	assert.Equal(t, 451, readView(t, b).Total)
}

func TestHub_UnregistersClosedClient(t *testing.T) {
	hub, srv, _ := startHub(t)

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, srv, cancel := startHub(t)

	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestHub_PublishWithoutClientsNeverBlocks(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), observability.NewMetricsForTesting())

	done := make(chan struct{})
	go func() {
		for i := range broadcastQueue * 2 {
			hub.PublishView(liveView(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PublishView blocked without a running hub")
	}
}
