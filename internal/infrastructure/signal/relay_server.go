package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/infrastructure/middleware"
	"callengine/pkg/tracing"
	"callengine/pkg/utils"
	"callengine/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrRecipientOffline = errors.New("recipient is not connected")
	ErrSenderMismatch   = errors.New("from does not match the authenticated user")
)

// RelayConfig tunes the relay's connection handling.
type RelayConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// MessagesPerSecond limits each connection; zero disables limiting.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

// DefaultRelayConfig mirrors the defaults of the signal section in config.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
	}
}

// RelayMetrics is notified of connection and routing activity.
type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageRouted(t domain.MessageType)
	MessageDropped(reason string)
}

// Forwarder hands messages for users connected elsewhere to other relay instances.
type Forwarder interface {
	Forward(ctx context.Context, msg domain.SignalMessage) error
}

// Presence records which users are connected to this relay instance.
type Presence interface {
	Online(ctx context.Context, user domain.UserID) error
	Offline(ctx context.Context, user domain.UserID) error
}

// RelayServer routes SignalMessages between authenticated websocket clients
// by their To field. It never inspects call state.
type RelayServer struct {
	cfg      RelayConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[domain.UserID]*relayClient

	forwarder Forwarder
	presence  Presence
	metrics   RelayMetrics
	logger    *zap.SugaredLogger
}

type relayClient struct {
	user      domain.UserID
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	closeOnce sync.Once
	done      chan struct{}
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func NewRelayServer(cfg RelayConfig, logger *zap.SugaredLogger) *RelayServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	s := &RelayServer{
		cfg:     cfg,
		clients: make(map[domain.UserID]*relayClient),
		metrics: noopRelayMetrics{},
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetForwarder enables cross-instance routing for users not connected here.
func (s *RelayServer) SetForwarder(f Forwarder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarder = f
}

func (s *RelayServer) SetPresence(p Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = p
}

func (s *RelayServer) SetMetrics(m RelayMetrics) {
	if m == nil {
		m = noopRelayMetrics{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

func (s *RelayServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handler serves the websocket endpoint for the user authenticated by
// middleware.AuthMiddleware.
func (s *RelayServer) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.UserFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		s.HandleWebSocket(c.Writer, c.Request, user)
	}
}

func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request, user domain.UserID) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "user_id", user, "error", err)
		return
	}

	client := &relayClient{
		user: user,
		conn: conn,
		send: make(chan []byte, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = int(s.cfg.MessagesPerSecond)
		}
		client.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	// A reconnecting user replaces its previous connection.
	s.mu.Lock()
	previous, isReconnect := s.clients[user]
	s.clients[user] = client
	metrics, presence := s.metrics, s.presence
	s.mu.Unlock()
	if isReconnect {
		previous.close()
		s.logger.Infow("replacing previous connection", "user_id", user)
	}
	metrics.ConnectionOpened()
	s.logger.Infow("user connected", "user_id", user, "reconnect", isReconnect)
	s.updatePresence(presence, user, true)

	s.enqueueFrame(client, Frame{Type: FrameWelcome, UserID: user})

	go s.writePump(client)
	s.readPump(client)

	s.mu.Lock()
	current := s.clients[user] == client
	if current {
		delete(s.clients, user)
	}
	s.mu.Unlock()
	if current {
		s.updatePresence(presence, user, false)
	}
	client.close()
	metrics.ConnectionClosed()
	s.logger.Infow("user disconnected", "user_id", user)
}

func (s *RelayServer) updatePresence(p Presence, user domain.UserID, online bool) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	var err error
	if online {
		err = p.Online(ctx, user)
	} else {
		err = p.Offline(ctx, user)
	}
	if err != nil {
		s.logger.Warnw("failed to update presence", "user_id", user, "online", online, "error", err)
	}
}

func (s *RelayServer) readPump(c *relayClient) {
	defer c.conn.Close()

	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.sendError(c, "", "malformed frame")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from user", "user_id", c.user, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			s.dropped("rate_limited")
			ref := domain.MessageID("")
			if frame.Signal != nil {
				ref = frame.Signal.ID
			}
			s.sendError(c, ref, "rate limit exceeded")
			continue
		}
		if frame.Type != FrameSignal || frame.Signal == nil {
			s.sendError(c, "", fmt.Sprintf("unsupported frame type %q", frame.Type))
			continue
		}
		if err := s.route(c, *frame.Signal); err != nil {
			s.logger.Debugw("message rejected",
				"user_id", c.user,
				"type", frame.Signal.Type,
				"to", frame.Signal.To,
				"error", err,
			)
			s.sendError(c, frame.Signal.ID, err.Error())
		}
	}
}

func (s *RelayServer) writePump(c *relayClient) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to user", "user_id", c.user, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection replaced"),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// route validates msg on behalf of its sender and delivers it.
func (s *RelayServer) route(from *relayClient, msg domain.SignalMessage) error {
	if msg.From == "" {
		msg.From = from.user
	}
	if msg.From != from.user {
		return ErrSenderMismatch
	}
	if msg.ID == "" {
		msg.ID = domain.MessageID(utils.GenerateMessageID())
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if err := ValidateMessage(msg); err != nil {
		s.dropped("invalid")
		return err
	}

	if s.Deliver(msg) {
		return nil
	}

	s.mu.RLock()
	forwarder := s.forwarder
	s.mu.RUnlock()
	if forwarder == nil {
		s.dropped("offline")
		return fmt.Errorf("%w: %s", ErrRecipientOffline, msg.To)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), string(msg.CallID), string(msg.From))
	defer span.End()
	if err := forwarder.Forward(ctx, msg); err != nil {
		tracing.RecordError(ctx, err)
		s.dropped("forward_failed")
		return fmt.Errorf("failed to forward message: %w", err)
	}
	return nil
}

// Deliver hands msg to its recipient if connected to this instance.
func (s *RelayServer) Deliver(msg domain.SignalMessage) bool {
	s.mu.RLock()
	target, ok := s.clients[msg.To]
	metrics := s.metrics
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if !s.enqueueFrame(target, Frame{Type: FrameSignal, Signal: &msg}) {
		return false
	}
	metrics.MessageRouted(msg.Type)
	s.logger.Debugw("routed message",
		"type", msg.Type,
		"call_id", msg.CallID,
		"from", msg.From,
		"to", msg.To,
	)
	return true
}

// enqueueFrame never blocks; a client whose buffer is full is disconnected.
func (s *RelayServer) enqueueFrame(c *relayClient, frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Errorw("failed to encode frame", "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		s.logger.Warnw("send buffer full, disconnecting slow user", "user_id", c.user)
		s.dropped("slow_consumer")
		c.close()
		return false
	}
}

func (s *RelayServer) sendError(c *relayClient, ref domain.MessageID, message string) {
	s.enqueueFrame(c, Frame{Type: FrameError, Ref: ref, Error: message})
}

func (s *RelayServer) dropped(reason string) {
	s.mu.RLock()
	metrics := s.metrics
	s.mu.RUnlock()
	metrics.MessageDropped(reason)
}

func (s *RelayServer) ConnectedUsers() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserID, 0, len(s.clients))
	for user := range s.clients {
		users = append(users, user)
	}
	return users
}

func (s *RelayServer) IsUserConnected(user domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.clients[user]
	return ok
}

// Shutdown closes every client connection.
func (s *RelayServer) Shutdown() {
	s.mu.Lock()
	clients := make([]*relayClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ValidateMessage checks the envelope and the payload the type requires.
func ValidateMessage(msg domain.SignalMessage) error {
	if !domain.KnownMessageTypes[msg.Type] {
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err := validation.ValidateUserID(string(msg.From)); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := validation.ValidateUserID(string(msg.To)); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	if msg.From == msg.To {
		return fmt.Errorf("from and to must differ")
	}
	if err := validation.ValidateCallID(string(msg.CallID)); err != nil {
		return err
	}
	if err := validation.ValidateMessageID(string(msg.ID)); err != nil {
		return err
	}

	switch msg.Type {
	case domain.MsgOffer, domain.MsgAnswer:
		if msg.Description == nil {
			return fmt.Errorf("%s requires a description", msg.Type)
		}
	case domain.MsgICECandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("ice-candidate requires a candidate")
		}
		if err := validation.ValidateCandidate(msg.Candidate.Candidate); err != nil {
			return err
		}
	}
	if msg.Description != nil {
		if err := validation.ValidateSDP(msg.Description.SDP); err != nil {
			return err
		}
	}
	if msg.ShareQuality != "" {
		if err := validation.ValidateQuality(string(msg.ShareQuality)); err != nil {
			return err
		}
	}
	return nil
}

type noopRelayMetrics struct{}

func (noopRelayMetrics) ConnectionOpened()                {}
func (noopRelayMetrics) ConnectionClosed()                {}
func (noopRelayMetrics) MessageRouted(domain.MessageType) {}
func (noopRelayMetrics) MessageDropped(string)            {}
