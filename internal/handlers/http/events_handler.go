package http

import (
	"net/http"
	"time"

	"callengine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventsWriteTimeout = 10 * time.Second
	eventsPongTimeout  = 60 * time.Second
	eventsPingInterval = 30 * time.Second
)

// EventsHandler streams call events to websocket subscribers.
type EventsHandler struct {
	calls    ports.CallService
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

func NewEventsHandler(calls ports.CallService, allowedOrigins []string, logger *zap.SugaredLogger) *EventsHandler {
	return &EventsHandler{
		calls: calls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

func (h *EventsHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/events", h.Stream)
}

// Stream upgrades the request and writes every event as a JSON text frame
// until the client goes away.
func (h *EventsHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.calls.Subscribe()
	defer unsubscribe()

	// Reader only services control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongTimeout))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingInterval)
	defer ticker.Stop()

	h.logger.Infow("event subscriber connected", "remote", c.ClientIP())
	for {
		select {
		case <-gone:
			h.logger.Infow("event subscriber disconnected", "remote", c.ClientIP())
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(eventsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
