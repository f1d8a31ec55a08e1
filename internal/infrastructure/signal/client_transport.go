package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/circuitbreaker"
	"callengine/pkg/retry"
	"callengine/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrTransportClosed = errors.New("signaling transport closed")
	ErrNotConnected    = errors.New("signaling relay not connected")
)

// ClientConfig configures a ClientTransport.
type ClientConfig struct {
	URL          string
	Token        string
	InboundSize  int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	// Reconnect schedules redials after the relay connection drops.
	Reconnect retry.Config
	Breaker   circuitbreaker.Config
	Dialer    *websocket.Dialer
}

// DefaultClientConfig returns settings matching the relay defaults.
func DefaultClientConfig(url, token string) ClientConfig {
	reconnect := retry.DefaultConfig()
	reconnect.MaxAttempts = 10
	reconnect.InitialDelay = 250 * time.Millisecond
	reconnect.MaxDelay = 10 * time.Second
	return ClientConfig{
		URL:          url,
		Token:        token,
		InboundSize:  256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongTimeout:  60 * time.Second,
		Reconnect:    reconnect,
		Breaker:      circuitbreaker.DefaultConfig(),
	}
}

// ClientTransport is a SignalingTransport over a websocket connection to
// the relay. It redials with backoff when the connection drops; Send waits
// for a live connection until its context expires.
type ClientTransport struct {
	cfg     ClientConfig
	dialer  *websocket.Dialer
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
	inbound chan domain.SignalMessage

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{}
	writeMu   sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ ports.SignalingTransport = (*ClientTransport)(nil)

// DialClient connects to the relay and starts the receive loop. The initial
// dial is retried according to cfg.Reconnect.
func DialClient(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*ClientTransport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.InboundSize <= 0 {
		cfg.InboundSize = 256
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &ClientTransport{
		cfg:       cfg,
		dialer:    dialer,
		breaker:   circuitbreaker.New(cfg.Breaker),
		logger:    logger.With("relay", cfg.URL),
		inbound:   make(chan domain.SignalMessage, cfg.InboundSize),
		connected: make(chan struct{}),
		ctx:       runCtx,
		cancel:    cancel,
	}
	t.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		t.logger.Warnw("relay circuit breaker state changed", "from", from.String(), "to", to.String(),
			"last_failure", t.breaker.GetStats().LastFailureTime)
	})

	conn, err := t.dialWithRetry(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	t.setConn(conn)

	t.wg.Add(1)
	go t.run(conn)
	return t, nil
}

func (t *ClientTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		header := http.Header{}
		if t.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+t.cfg.Token)
		}
		c, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
		if err != nil {
			if resp != nil {
				return fmt.Errorf("relay handshake failed with status %d: %w", resp.StatusCode, err)
			}
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

func (t *ClientTransport) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	conn, err := retry.RetryWithResult(ctx, t.cfg.Reconnect, func() (*websocket.Conn, error) {
		return t.dial(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", t.cfg.URL, err)
	}
	return conn, nil
}

func (t *ClientTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
	if conn != nil {
		close(t.connected)
	} else {
		t.connected = make(chan struct{})
	}
}

// run reads from conn until it fails, then redials until the transport is closed.
func (t *ClientTransport) run(conn *websocket.Conn) {
	defer t.wg.Done()
	defer close(t.inbound)

	for {
		t.readLoop(conn)

		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
			t.connected = make(chan struct{})
		}
		t.mu.Unlock()

		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warnw("relay connection lost, reconnecting")

		var err error
		conn, err = t.dialWithRetry(t.ctx)
		if err != nil {
			t.logger.Errorw("giving up on relay", "error", err, "breaker", t.breaker.GetState().String())
			return
		}
		t.setConn(conn)
		t.logger.Infow("reconnected to relay")
	}
}

func (t *ClientTransport) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.cfg.WriteTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-t.ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if t.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Infow("relay read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.cfg.PongTimeout))

		switch frame.Type {
		case FrameSignal:
			if frame.Signal == nil {
				continue
			}
			select {
			case t.inbound <- *frame.Signal:
			case <-t.ctx.Done():
				return
			}
		case FrameError:
			t.logger.Warnw("relay rejected message", "ref", frame.Ref, "error", frame.Error)
		case FrameWelcome:
			t.logger.Infow("registered with relay", "user_id", frame.UserID)
		}
	}
}

// Send writes msg to the relay, waiting for a connection if one is being
// re-established.
func (t *ClientTransport) Send(ctx context.Context, msg domain.SignalMessage) (err error) {
	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), string(msg.CallID), string(msg.From))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	for {
		t.mu.Lock()
		conn, connected := t.conn, t.connected
		t.mu.Unlock()

		if t.ctx.Err() != nil {
			return ErrTransportClosed
		}
		if conn != nil {
			return t.write(conn, msg)
		}
		select {
		case <-connected:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
		case <-t.ctx.Done():
			return ErrTransportClosed
		}
	}
}

func (t *ClientTransport) write(conn *websocket.Conn, msg domain.SignalMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := conn.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}); err != nil {
		// The read loop notices the broken connection and redials.
		_ = conn.Close()
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// Connected reports whether a relay connection is currently up.
func (t *ClientTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *ClientTransport) Inbound() <-chan domain.SignalMessage {
	return t.inbound
}

func (t *ClientTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			t.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			t.writeMu.Unlock()
			_ = conn.Close()
		}
		t.wg.Wait()
	})
	return nil
}
