package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callengine/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayTestServer(t *testing.T, cfg RelayConfig) (*RelayServer, *httptest.Server) {
	t.Helper()
	relay := NewRelayServer(cfg, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relay.HandleWebSocket(w, r, domain.UserID(r.URL.Query().Get("user")))
	}))
	t.Cleanup(srv.Close)
	return relay, srv
}

func relayURL(srv *httptest.Server, user string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
}

func dialRelay(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(relayURL(srv, user), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, FrameWelcome, welcome.Type)
	require.Equal(t, domain.UserID(user), welcome.UserID)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func hangup(from, to string) domain.SignalMessage {
	return domain.SignalMessage{
		Type:   domain.MsgHangup,
		CallID: "call_1",
		From:   domain.UserID(from),
		To:     domain.UserID(to),
	}
}

func TestRelay_RoutesByRecipient(t *testing.T) {
	relay, srv := newRelayTestServer(t, DefaultRelayConfig())
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")

	require.Eventually(t, func() bool { return relay.IsUserConnected("bob") }, time.Second, 10*time.Millisecond)

	msg := hangup("alice", "bob")
	msg.Reason = domain.EndReasonHangup
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}))

	frame := readFrame(t, bob)
	require.Equal(t, FrameSignal, frame.Type)
	require.NotNil(t, frame.Signal)
	assert.Equal(t, domain.MsgHangup, frame.Signal.Type)
	assert.Equal(t, domain.UserID("alice"), frame.Signal.From)
	assert.NotEmpty(t, frame.Signal.ID)
	assert.False(t, frame.Signal.SentAt.IsZero())
}

func TestRelay_FillsMissingSender(t *testing.T) {
	_, srv := newRelayTestServer(t, DefaultRelayConfig())
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")

	msg := hangup("", "bob")
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}))

	frame := readFrame(t, bob)
	require.NotNil(t, frame.Signal)
	assert.Equal(t, domain.UserID("alice"), frame.Signal.From)
}

func TestRelay_RejectsSenderMismatch(t *testing.T) {
	_, srv := newRelayTestServer(t, DefaultRelayConfig())
	alice := dialRelay(t, srv, "alice")
	dialRelay(t, srv, "bob")

	msg := hangup("mallory", "bob")
	msg.ID = "msg_1"
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}))

	frame := readFrame(t, alice)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, domain.MessageID("msg_1"), frame.Ref)
	assert.Equal(t, ErrSenderMismatch.Error(), frame.Error)
}

func TestRelay_OfflineRecipient(t *testing.T) {
	_, srv := newRelayTestServer(t, DefaultRelayConfig())
	alice := dialRelay(t, srv, "alice")

	msg := hangup("alice", "carol")
	msg.ID = "msg_2"
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}))

	frame := readFrame(t, alice)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, domain.MessageID("msg_2"), frame.Ref)
	assert.Contains(t, frame.Error, ErrRecipientOffline.Error())
}

type recordingForwarder struct {
	mu   sync.Mutex
	msgs []domain.SignalMessage
}

func (f *recordingForwarder) Forward(_ context.Context, msg domain.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestRelay_ForwardsOfflineRecipient(t *testing.T) {
	relay, srv := newRelayTestServer(t, DefaultRelayConfig())
	forwarder := &recordingForwarder{}
	relay.SetForwarder(forwarder)
	alice := dialRelay(t, srv, "alice")

	msg := hangup("alice", "carol")
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}))

	assert.Eventually(t, func() bool { return forwarder.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRelay_MalformedFrameKeepsConnection(t *testing.T) {
	_, srv := newRelayTestServer(t, DefaultRelayConfig())
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, alice)
	assert.Equal(t, FrameError, frame.Type)

	msg := hangup("alice", "bob")
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}))
	frame = readFrame(t, bob)
	assert.Equal(t, FrameSignal, frame.Type)
}

func TestRelay_UnknownMessageType(t *testing.T) {
	_, srv := newRelayTestServer(t, DefaultRelayConfig())
	alice := dialRelay(t, srv, "alice")
	dialRelay(t, srv, "bob")

	msg := hangup("alice", "bob")
	msg.Type = "teleport"
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}))

	frame := readFrame(t, alice)
	assert.Equal(t, FrameError, frame.Type)
	assert.Contains(t, frame.Error, "unknown message type")
}

func TestRelay_RateLimit(t *testing.T) {
	cfg := DefaultRelayConfig()
	cfg.MessagesPerSecond = 1
	cfg.Burst = 1
	_, srv := newRelayTestServer(t, cfg)
	alice := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")

	first := hangup("alice", "bob")
	second := hangup("alice", "bob")
	second.ID = "msg_limited"
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &first}))
	require.NoError(t, alice.WriteJSON(Frame{Type: FrameSignal, Signal: &second}))

	assert.Equal(t, FrameSignal, readFrame(t, bob).Type)
	frame := readFrame(t, alice)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, domain.MessageID("msg_limited"), frame.Ref)
	assert.Equal(t, "rate limit exceeded", frame.Error)
}

func TestRelay_ReconnectReplacesConnection(t *testing.T) {
	relay, srv := newRelayTestServer(t, DefaultRelayConfig())
	first := dialRelay(t, srv, "alice")
	second := dialRelay(t, srv, "alice")
	bob := dialRelay(t, srv, "bob")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	msg := hangup("bob", "alice")
	require.NoError(t, bob.WriteJSON(Frame{Type: FrameSignal, Signal: &msg}))
	frame := readFrame(t, second)
	assert.Equal(t, FrameSignal, frame.Type)
	assert.Equal(t, []domain.UserID{"alice"}, filterUser(relay.ConnectedUsers(), "alice"))
}

func filterUser(users []domain.UserID, user domain.UserID) []domain.UserID {
	var out []domain.UserID
	for _, u := range users {
		if u == user {
			out = append(out, u)
		}
	}
	return out
}

func TestRelay_CheckOrigin(t *testing.T) {
	relay := NewRelayServer(RelayConfig{AllowedOrigins: []string{"https://app.example.com"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, relay.checkOrigin(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, relay.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, relay.checkOrigin(req))
}

func TestValidateMessage(t *testing.T) {
	valid := hangup("alice", "bob")
	valid.ID = "msg_1"
	assert.NoError(t, ValidateMessage(valid))

	self := valid
	self.To = "alice"
	assert.Error(t, ValidateMessage(self))

	offer := valid
	offer.Type = domain.MsgOffer
	assert.Error(t, ValidateMessage(offer))

	offer.Description = &domain.SessionDescription{Type: domain.SDPTypeOffer, SDP: "v=0\r\n"}
	assert.NoError(t, ValidateMessage(offer))

	candidate := valid
	candidate.Type = domain.MsgICECandidate
	candidate.Candidate = &domain.ICECandidate{Candidate: "bogus"}
	assert.Error(t, ValidateMessage(candidate))
}

func TestClientTransport_SendAndReceive(t *testing.T) {
	relay, srv := newRelayTestServer(t, DefaultRelayConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice, err := DialClient(ctx, DefaultClientConfig(relayURL(srv, "alice"), ""), nil)
	require.NoError(t, err)
	defer alice.Close()
	bob, err := DialClient(ctx, DefaultClientConfig(relayURL(srv, "bob"), ""), nil)
	require.NoError(t, err)
	defer bob.Close()

	require.Eventually(t, func() bool { return relay.IsUserConnected("bob") }, time.Second, 10*time.Millisecond)
	require.NoError(t, alice.Send(ctx, hangup("alice", "bob")))

	select {
	case msg := <-bob.Inbound():
		assert.Equal(t, domain.UserID("alice"), msg.From)
		assert.Equal(t, domain.MsgHangup, msg.Type)
	case <-ctx.Done():
		t.Fatal("no message delivered")
	}
}

func TestClientTransport_CloseEndsInbound(t *testing.T) {
	_, srv := newRelayTestServer(t, DefaultRelayConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := DialClient(ctx, DefaultClientConfig(relayURL(srv, "alice"), ""), nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, open := <-client.Inbound()
	assert.False(t, open)
	assert.ErrorIs(t, client.Send(ctx, hangup("alice", "bob")), ErrTransportClosed)
}
