package relay

import (
	"sync"

	"github.com/rbarinov/echoshell/internal/protocol"
	"github.com/rs/zerolog"
)

// pendingTable correlates relayed HTTP requests with http_response frames
// arriving on the tunnel. Each waiter channel carries exactly one response;
// a closed channel tells the waiting handler the tunnel is gone.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]*pendingRequest
	closed  bool
	logger  zerolog.Logger
}

type pendingRequest struct {
	tunnelID string
	ch       chan *protocol.HTTPResponse
}

func newPendingTable(logger zerolog.Logger) *pendingTable {
	return &pendingTable{
		waiters: make(map[string]*pendingRequest),
		logger:  logger,
	}
}

// Add registers a waiter. Returns nil when the table is already shut down.
func (p *pendingTable) Add(requestID, tunnelID string) <-chan *protocol.HTTPResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	ch := make(chan *protocol.HTTPResponse, 1)
	p.waiters[requestID] = &pendingRequest{tunnelID: tunnelID, ch: ch}
	return ch
}

// Complete delivers a response to its waiter. At most one waiter completes
// per request id; a response without a waiter (timed out or never issued) is
// dropped and reported to the caller.
func (p *pendingTable) Complete(requestID string, resp *protocol.HTTPResponse) bool {
	p.mu.Lock()
	req, ok := p.waiters[requestID]
	if ok {
		delete(p.waiters, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	req.ch <- resp
	return true
}

// Remove drops a waiter without completing it (timeout or caller gone).
func (p *pendingTable) Remove(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// FailTunnel closes every waiter bound to a tunnel; their handlers answer
// 503 to the mobile client.
func (p *pendingTable) FailTunnel(tunnelID string) {
	p.mu.Lock()
	var failed []*pendingRequest
	for id, req := range p.waiters {
		if req.tunnelID == tunnelID {
			failed = append(failed, req)
			delete(p.waiters, id)
		}
	}
	p.mu.Unlock()

	for _, req := range failed {
		close(req.ch)
	}
	if len(failed) > 0 {
		p.logger.Debug().
			Str("tunnel_id", tunnelID).
			Int("requests", len(failed)).
			Msg("Failed pending requests for disconnected tunnel")
	}
}

// Shutdown closes every waiter and rejects future Adds.
func (p *pendingTable) Shutdown() {
	p.mu.Lock()
	p.closed = true
	waiters := p.waiters
	p.waiters = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, req := range waiters {
		close(req.ch)
	}
}

// Len returns the number of open waiters.
func (p *pendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
