package http

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callengine/internal/core/domain"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEventsHandler_StreamsEvents(t *testing.T) {
	events := make(chan domain.Event, 1)
	unsubscribed := make(chan struct{})

	calls := &mockCallService{}
	calls.On("Subscribe").Return((<-chan domain.Event)(events), func() { close(unsubscribed) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewEventsHandler(calls, nil, zap.NewNop().Sugar()).SetupRoutes(router.Group("/api/v1"))
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/events", nil)
	require.NoError(t, err)

	events <- domain.Event{Type: domain.EventCallStateChanged, CallID: "call_1", Status: domain.StatusConnected}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev domain.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, domain.EventCallStateChanged, ev.Type)
	assert.Equal(t, domain.StatusConnected, ev.Status)

	conn.Close()
	select {
	case <-unsubscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not released after disconnect")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest("GET", "/api/v1/events", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://other.example.com")
	assert.False(t, check(req))
}
