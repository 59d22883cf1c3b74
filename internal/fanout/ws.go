package fanout

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsSendBuffer     = 256
	wsWriteWait      = 10 * time.Second
	wsPingInterval   = 20 * time.Second
	wsLivenessWindow = 30 * time.Second
)

// ErrSubscriberBacklogged is returned when a subscriber cannot keep up with
// the broadcast rate and its send buffer overflows.
var ErrSubscriberBacklogged = errors.New("subscriber send buffer full")

// ErrSubscriberClosed is returned once the subscriber has shut down.
var ErrSubscriberClosed = errors.New("subscriber closed")

// WSSubscriber delivers broadcast payloads over a client WebSocket. Each
// subscriber owns its write pump and heartbeat timers; the embedding handler
// owns the read side and reports inbound activity via Touch.
type WSSubscriber struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger

	lastActivity atomic.Int64 // unix nano of last pong or inbound frame
}

// NewWSSubscriber wraps an upgraded connection and starts its write pump.
func NewWSSubscriber(conn *websocket.Conn, logger zerolog.Logger) *WSSubscriber {
	s := &WSSubscriber{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	s.Touch()
	conn.SetPongHandler(func(string) error {
		s.Touch()
		return nil
	})
	go s.writePump()
	return s
}

// Send enqueues one payload without blocking.
func (s *WSSubscriber) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSubscriberBacklogged
	}
}

// Shutdown closes the socket with close code 1001.
func (s *WSSubscriber) Shutdown() {
	s.closeWith(websocket.CloseGoingAway, "server closing")
}

// Touch records inbound activity; called by the read loop for every frame.
func (s *WSSubscriber) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Done is closed when the subscriber is torn down.
func (s *WSSubscriber) Done() <-chan struct{} {
	return s.done
}

func (s *WSSubscriber) closeWith(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		s.conn.Close()
	})
}

// writePump serializes all writes on the socket: queued payloads, the 20 s
// ping and the 30 s liveness check.
func (s *WSSubscriber) writePump() {
	pingTicker := time.NewTicker(wsPingInterval)
	livenessTicker := time.NewTicker(wsLivenessWindow)
	defer func() {
		pingTicker.Stop()
		livenessTicker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return

		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug().Err(err).Msg("Subscriber write failed")
				s.closeWith(websocket.CloseAbnormalClosure, "write failed")
				return
			}

		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.closeWith(websocket.CloseAbnormalClosure, "ping failed")
				return
			}

		case <-livenessTicker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) > wsLivenessWindow {
				s.logger.Debug().Msg("Subscriber missed liveness window, terminating")
				s.closeWith(websocket.CloseGoingAway, "liveness timeout")
				return
			}
		}
	}
}
