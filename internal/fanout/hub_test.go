package fanout

import (
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	failWith error
	shutdown bool
}

func (s *memSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *memSubscriber) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
}

func (s *memSubscriber) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.payloads))
	copy(out, s.payloads)
	return out
}

func (s *memSubscriber) wasShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func TestBroadcast_ReachesEverySubscriber(t *testing.T) {
	h := newTestHub()
	a := &memSubscriber{}
	b := &memSubscriber{}
	h.Subscribe(KindTerminal, "t1:s1", a)
	h.Subscribe(KindTerminal, "t1:s1", b)

	delivered := h.Broadcast(KindTerminal, "t1:s1", []byte(`{"data":"hello"}`))
	assert.Equal(t, 2, delivered)
	require.Len(t, a.received(), 1)
	require.Len(t, b.received(), 1)
	assert.Equal(t, `{"data":"hello"}`, string(a.received()[0]))
}

func TestBroadcast_KeyIsolation(t *testing.T) {
	h := newTestHub()
	a := &memSubscriber{}
	b := &memSubscriber{}
	h.Subscribe(KindTerminal, "t1:s1", a)
	h.Subscribe(KindTerminal, "t1:s2", b)
	h.Subscribe(KindRecording, "t1:s1:recording", b)

	h.Broadcast(KindTerminal, "t1:s1", []byte("x"))
	assert.Len(t, a.received(), 1)
	assert.Empty(t, b.received(), "other keys and kinds must not receive")
}

func TestSubscribe_Idempotent(t *testing.T) {
	h := newTestHub()
	a := &memSubscriber{}
	h.Subscribe(KindAgent, "k", a)
	h.Subscribe(KindAgent, "k", a)

	assert.Equal(t, 1, h.SubscriberCount(KindAgent, "k"))
	h.Broadcast(KindAgent, "k", []byte("once"))
	assert.Len(t, a.received(), 1, "duplicate subscribe must not double-deliver")
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	h := newTestHub()
	a := &memSubscriber{}
	h.Subscribe(KindRecording, "k", a)
	h.Broadcast(KindRecording, "k", []byte("one"))

	h.Unsubscribe(KindRecording, "k", a)
	h.Broadcast(KindRecording, "k", []byte("two"))

	assert.Len(t, a.received(), 1)
	assert.Equal(t, 0, h.SubscriberCount(KindRecording, "k"))

	// Unsubscribing again is harmless.
	h.Unsubscribe(KindRecording, "k", a)
}

func TestBroadcast_PrunesFailingSubscriber(t *testing.T) {
	h := newTestHub()
	healthy := &memSubscriber{}
	broken := &memSubscriber{failWith: errors.New("pipe closed")}
	h.Subscribe(KindTerminal, "k", healthy)
	h.Subscribe(KindTerminal, "k", broken)

	delivered := h.Broadcast(KindTerminal, "k", []byte("x"))
	assert.Equal(t, 1, delivered)
	assert.Len(t, healthy.received(), 1, "a failing subscriber must not block the others")

	// The broken subscriber is gone and was shut down.
	assert.Eventually(t, broken.wasShutdown, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.SubscriberCount(KindTerminal, "k"))
}

func TestBroadcast_OrderPreservedPerSubscriber(t *testing.T) {
	h := newTestHub()
	a := &memSubscriber{}
	h.Subscribe(KindTerminal, "k", a)

	for i := byte('a'); i <= 'e'; i++ {
		h.Broadcast(KindTerminal, "k", []byte{i})
	}

	got := a.received()
	require.Len(t, got, 5)
	for i, payload := range got {
		assert.Equal(t, byte('a')+byte(i), payload[0])
	}
}

func TestShutdown_ClosesAllSubscribers(t *testing.T) {
	h := newTestHub()
	a := &memSubscriber{}
	b := &memSubscriber{}
	h.Subscribe(KindTerminal, "k1", a)
	h.Subscribe(KindAgent, "k2", b)

	h.Shutdown()

	assert.True(t, a.wasShutdown())
	assert.True(t, b.wasShutdown())
	assert.Equal(t, 0, h.SubscriberCount(KindTerminal, "k1"))
	assert.Equal(t, 0, h.Broadcast(KindAgent, "k2", []byte("x")))
}

func TestKindEventNames(t *testing.T) {
	assert.Equal(t, "terminal_output", KindTerminal.EventName())
	assert.Equal(t, "recording_output", KindRecording.EventName())
	assert.Equal(t, "agent_event", KindAgent.EventName())
}

func TestSSESubscriber_WiresEventFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	sub, err := NewSSESubscriber(rec, KindRecording.EventName())
	require.NoError(t, err)

	require.NoError(t, sub.Send([]byte(`{"text":"hi"}`)))
	require.NoError(t, sub.Send([]byte(`{"text":"hi again"}`)))

	body := rec.Body.String()
	assert.Contains(t, body, "event: recording_output\ndata: {\"text\":\"hi\"}\n\n")
	assert.Contains(t, body, "data: {\"text\":\"hi again\"}\n\n")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	sub.Shutdown()
	assert.ErrorIs(t, sub.Send([]byte("late")), ErrSubscriberClosed)

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done must be closed after Shutdown")
	}
}
