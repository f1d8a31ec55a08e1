package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/core/ports"
	"callengine/pkg/utils"
)

// Network is an in-process relay connecting MemoryTransports. It routes by
// To like RelayServer and is used for tests and single-process demos.
type Network struct {
	mu     sync.RWMutex
	users  map[domain.UserID]*MemoryTransport
	filter func(domain.SignalMessage) bool
}

func NewNetwork() *Network {
	return &Network{users: make(map[domain.UserID]*MemoryTransport)}
}

// SetFilter installs a predicate; messages for which it returns false are
// silently dropped.
func (n *Network) SetFilter(filter func(domain.SignalMessage) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = filter
}

// Join registers user and returns its transport. Joining again replaces
// the previous transport, which is closed.
func (n *Network) Join(user domain.UserID) *MemoryTransport {
	t := &MemoryTransport{
		network: n,
		user:    user,
		out:     make(chan domain.SignalMessage),
		done:    make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)

	n.mu.Lock()
	previous := n.users[user]
	n.users[user] = t
	n.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	go t.pump()
	return t
}

func (n *Network) leave(t *MemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.users[t.user] == t {
		delete(n.users, t.user)
	}
}

func (n *Network) route(msg domain.SignalMessage) error {
	n.mu.RLock()
	target, ok := n.users[msg.To]
	filter := n.filter
	n.mu.RUnlock()

	if filter != nil && !filter(msg) {
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientOffline, msg.To)
	}
	target.enqueue(msg)
	return nil
}

// MemoryTransport is one user's endpoint on a Network. Its inbound queue is
// unbounded so that two sessions sending to each other never deadlock.
type MemoryTransport struct {
	network *Network
	user    domain.UserID

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []domain.SignalMessage
	closed  bool
	out     chan domain.SignalMessage
	done    chan struct{}
	closeMu sync.Once
}

var _ ports.SignalingTransport = (*MemoryTransport)(nil)

func (t *MemoryTransport) User() domain.UserID {
	return t.user
}

func (t *MemoryTransport) Send(ctx context.Context, msg domain.SignalMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}

	if msg.From == "" {
		msg.From = t.user
	}
	if msg.From != t.user {
		return ErrSenderMismatch
	}
	if msg.ID == "" {
		msg.ID = domain.MessageID(utils.GenerateMessageID())
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	return t.network.route(msg)
}

func (t *MemoryTransport) Inbound() <-chan domain.SignalMessage {
	return t.out
}

func (t *MemoryTransport) Close() error {
	t.closeMu.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.cond.Broadcast()
		t.mu.Unlock()
		close(t.done)
		t.network.leave(t)
	})
	return nil
}

func (t *MemoryTransport) enqueue(msg domain.SignalMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, msg)
	t.cond.Signal()
}

func (t *MemoryTransport) pump() {
	defer close(t.out)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed {
			t.mu.Unlock()
			return
		}
		msg := t.queue[0]
		t.queue[0] = domain.SignalMessage{}
		t.queue = t.queue[1:]
		t.mu.Unlock()

		select {
		case t.out <- msg:
		case <-t.done:
			return
		}
	}
}
