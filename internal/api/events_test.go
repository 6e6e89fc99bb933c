package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bgg-roller/internal/metrics"
	"bgg-roller/internal/models"
	"bgg-roller/internal/selector"
	"bgg-roller/internal/service"
)

func TestEventHub_StreamsRelayProgress(t *testing.T) {
	hub := NewEventHub(zerolog.Nop())
	cfg := testConfig()
	h := NewHandlers(&fakeRelays{}, &fakeGames{}, selector.New(nil), metrics.New(), cfg, zerolog.Nop())
	srv := httptest.NewServer(NewServer(cfg, h, nil, hub).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello models.StatusEvent
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, 1, hub.Subscribers())

	var notifier service.Notifier = hub
	notifier.Notify("Connecting via codetabs...", "info")

	var ev models.StatusEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "status", ev.Type)
	assert.Equal(t, "info", ev.Kind)
	assert.Equal(t, "Connecting via codetabs...", ev.Message)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestEventHub_NotifyWithoutSubscribers(t *testing.T) {
	hub := NewEventHub(zerolog.Nop())
	assert.NotPanics(t, func() { hub.Notify("All proxies failed, retrying in 1s...", "warning") })
}
