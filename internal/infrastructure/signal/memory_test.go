package signal

import (
	"context"
	"testing"
	"time"

	"callengine/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, tr *MemoryTransport) domain.SignalMessage {
	t.Helper()
	select {
	case msg := <-tr.Inbound():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return domain.SignalMessage{}
	}
}

func TestNetwork_DeliversInOrder(t *testing.T) {
	network := NewNetwork()
	alice := network.Join("alice")
	bob := network.Join("bob")
	defer alice.Close()
	defer bob.Close()

	ctx := context.Background()
	for _, typ := range []domain.MessageType{domain.MsgInvite, domain.MsgHangup} {
		msg := hangup("alice", "bob")
		msg.Type = typ
		require.NoError(t, alice.Send(ctx, msg))
	}

	assert.Equal(t, domain.MsgInvite, receive(t, bob).Type)
	last := receive(t, bob)
	assert.Equal(t, domain.MsgHangup, last.Type)
	assert.NotEmpty(t, last.ID)
	assert.Equal(t, domain.UserID("alice"), last.From)
}

func TestNetwork_OfflineAndMismatch(t *testing.T) {
	network := NewNetwork()
	alice := network.Join("alice")
	defer alice.Close()

	ctx := context.Background()
	assert.ErrorIs(t, alice.Send(ctx, hangup("alice", "bob")), ErrRecipientOffline)
	assert.ErrorIs(t, alice.Send(ctx, hangup("bob", "alice")), ErrSenderMismatch)
}

func TestNetwork_FilterDropsMessages(t *testing.T) {
	network := NewNetwork()
	alice := network.Join("alice")
	bob := network.Join("bob")
	defer alice.Close()
	defer bob.Close()

	network.SetFilter(func(msg domain.SignalMessage) bool { return msg.Type != domain.MsgInvite })

	ctx := context.Background()
	invite := hangup("alice", "bob")
	invite.Type = domain.MsgInvite
	require.NoError(t, alice.Send(ctx, invite))
	require.NoError(t, alice.Send(ctx, hangup("alice", "bob")))

	assert.Equal(t, domain.MsgHangup, receive(t, bob).Type)
}

func TestNetwork_RejoinClosesPrevious(t *testing.T) {
	network := NewNetwork()
	first := network.Join("alice")
	second := network.Join("alice")
	defer second.Close()

	_, open := <-first.Inbound()
	assert.False(t, open)
	assert.ErrorIs(t, first.Send(context.Background(), hangup("alice", "bob")), ErrTransportClosed)
	assert.Equal(t, domain.UserID("alice"), second.User())
}
