package fanout

import (
	"fmt"
	"net/http"
	"sync"
)

// SSESubscriber delivers broadcast payloads as server-sent events. The
// implementation is kind-agnostic: the event name is fixed at construction.
type SSESubscriber struct {
	event   string
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	once    sync.Once
}

// NewSSESubscriber prepares an SSE stream on the response writer. Returns an
// error when the writer cannot flush incrementally.
func NewSSESubscriber(w http.ResponseWriter, eventName string) (*SSESubscriber, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESubscriber{
		event:   eventName,
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}, nil
}

// Send writes one event: `event: <name>` followed by a data line with the
// JSON payload.
func (s *SSESubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", s.event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Shutdown ends the event stream; the owning handler unblocks via Done.
func (s *SSESubscriber) Shutdown() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Done is closed when the stream ends.
func (s *SSESubscriber) Done() <-chan struct{} {
	return s.done
}
