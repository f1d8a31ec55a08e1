package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callengine/internal/core/domain"
	"callengine/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingSink struct {
	mu    sync.Mutex
	calls int
}

func (f *failingSink) Publish(context.Context, domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("sink down")
}

func (f *failingSink) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestEventHub_SubscribersReceiveInOrder(t *testing.T) {
	hub := NewEventHub(zap.NewNop().Sugar(), time.Second)
	events, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(domain.Event{Type: domain.EventInvitation, CallID: "c1"})
	hub.Publish(domain.Event{Type: domain.EventCallEnded, CallID: "c1"})

	assert.Equal(t, domain.EventInvitation, (<-events).Type)
	assert.Equal(t, domain.EventCallEnded, (<-events).Type)
}

func TestEventHub_LaggingSubscriberDoesNotBlock(t *testing.T) {
	hub := NewEventHub(zap.NewNop().Sugar(), time.Second)
	events, cancel := hub.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			hub.Publish(domain.Event{Type: domain.EventRosterChanged})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, events, subscriberBuffer)
}

func TestEventHub_CancelClosesChannel(t *testing.T) {
	hub := NewEventHub(zap.NewNop().Sugar(), time.Second)
	events, cancel := hub.Subscribe()
	cancel()
	cancel()

	_, ok := <-events
	assert.False(t, ok)

	hub.Publish(domain.Event{Type: domain.EventRosterChanged})
}

func TestEventHub_SinksGetEveryEventInOrder(t *testing.T) {
	sink := testutil.NewCollectSink(16)
	broken := &failingSink{}
	hub := NewEventHub(zap.NewNop().Sugar(), time.Second, broken, sink)
	hub.AddSink(nil)

	for _, typ := range []domain.EventType{domain.EventInvitation, domain.EventCallStateChanged, domain.EventCallEnded} {
		hub.Publish(domain.Event{Type: typ})
	}

	got := make([]domain.EventType, 0, 3)
	for i := 0; i < 3; i++ {
		ev := testutil.WaitForEvent(t, sink.Events(), time.Second, func(domain.Event) bool { return true })
		got = append(got, ev.Type)
	}
	assert.Equal(t, []domain.EventType{domain.EventInvitation, domain.EventCallStateChanged, domain.EventCallEnded}, got)
	require.Eventually(t, func() bool { return broken.Calls() == 3 }, time.Second, 10*time.Millisecond)
}

func TestSerialExecutor_RunsInSubmissionOrder(t *testing.T) {
	var e serialExecutor
	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		e.Enqueue(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.Zero(t, e.Len())
}
