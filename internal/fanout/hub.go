// Package fanout delivers streaming payloads to every live subscriber of a
// stream key. Broadcast is best effort: one failing subscriber never blocks
// the others, and a failed write schedules that subscriber's removal.
package fanout

import (
	"sync"

	"github.com/rs/zerolog"
)

// Kind names one of the three streaming channels.
type Kind string

const (
	KindTerminal  Kind = "terminal"
	KindRecording Kind = "recording"
	KindAgent     Kind = "agent"
)

// EventName returns the server-sent-events event name for a kind.
func (k Kind) EventName() string {
	switch k {
	case KindTerminal:
		return "terminal_output"
	case KindRecording:
		return "recording_output"
	case KindAgent:
		return "agent_event"
	}
	return string(k)
}

// Subscriber is one live consumer of a stream key.
type Subscriber interface {
	// Send delivers one broadcast payload. It must not block indefinitely;
	// an error marks the subscriber dead.
	Send(payload []byte) error
	// Shutdown closes the subscriber (close code 1001 for WebSockets, end of
	// stream for SSE). Safe to call more than once.
	Shutdown()
}

// keySet is the subscriber set of one stream key. Its lock is held across a
// whole broadcast so writes from one broadcast finish before the next
// broadcast on the same key begins.
type keySet struct {
	mu   sync.Mutex
	subs map[Subscriber]struct{}
}

// Hub manages subscriber sets keyed by kind and stream key.
type Hub struct {
	mu     sync.Mutex
	keys   map[Kind]map[string]*keySet
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		keys:   make(map[Kind]map[string]*keySet),
		logger: logger,
	}
}

// Subscribe adds a subscriber to a stream key, creating the set on first use.
// Subscribing the same subscriber twice is a no-op.
func (h *Hub) Subscribe(kind Kind, key string, sub Subscriber) {
	h.mu.Lock()
	byKey, ok := h.keys[kind]
	if !ok {
		byKey = make(map[string]*keySet)
		h.keys[kind] = byKey
	}
	set, ok := byKey[key]
	if !ok {
		set = &keySet{subs: make(map[Subscriber]struct{})}
		byKey[key] = set
	}
	h.mu.Unlock()

	set.mu.Lock()
	set.subs[sub] = struct{}{}
	count := len(set.subs)
	set.mu.Unlock()

	h.logger.Debug().
		Str("kind", string(kind)).
		Str("stream_key", key).
		Int("subscribers", count).
		Msg("Stream subscriber added")
}

// Unsubscribe removes a subscriber; the key disappears with its last
// subscriber. After Unsubscribe returns, no broadcast that starts later can
// reach the subscriber.
func (h *Hub) Unsubscribe(kind Kind, key string, sub Subscriber) {
	h.mu.Lock()
	set := h.lookupLocked(kind, key)
	h.mu.Unlock()
	if set == nil {
		return
	}

	set.mu.Lock()
	delete(set.subs, sub)
	empty := len(set.subs) == 0
	set.mu.Unlock()

	if empty {
		h.mu.Lock()
		// Re-check under the hub lock: a concurrent Subscribe may have
		// repopulated the set since we released its lock.
		set.mu.Lock()
		if len(set.subs) == 0 {
			if byKey, ok := h.keys[kind]; ok && byKey[key] == set {
				delete(byKey, key)
			}
		}
		set.mu.Unlock()
		h.mu.Unlock()
	}
}

// Broadcast delivers one payload to every subscriber of a key. Subscribers
// whose write fails are removed and shut down.
func (h *Hub) Broadcast(kind Kind, key string, payload []byte) int {
	h.mu.Lock()
	set := h.lookupLocked(kind, key)
	h.mu.Unlock()
	if set == nil {
		return 0
	}

	var failed []Subscriber
	set.mu.Lock()
	delivered := 0
	for sub := range set.subs {
		if err := sub.Send(payload); err != nil {
			h.logger.Debug().Err(err).
				Str("kind", string(kind)).
				Str("stream_key", key).
				Msg("Subscriber write failed, pruning")
			failed = append(failed, sub)
			continue
		}
		delivered++
	}
	for _, sub := range failed {
		delete(set.subs, sub)
	}
	set.mu.Unlock()

	for _, sub := range failed {
		go sub.Shutdown()
	}
	return delivered
}

// SubscriberCount returns the current size of a key's subscriber set.
func (h *Hub) SubscriberCount(kind Kind, key string) int {
	h.mu.Lock()
	set := h.lookupLocked(kind, key)
	h.mu.Unlock()
	if set == nil {
		return 0
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.subs)
}

// Shutdown closes every live subscriber and clears all sets.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []Subscriber
	for _, byKey := range h.keys {
		for _, set := range byKey {
			set.mu.Lock()
			for sub := range set.subs {
				all = append(all, sub)
			}
			set.subs = make(map[Subscriber]struct{})
			set.mu.Unlock()
		}
	}
	h.keys = make(map[Kind]map[string]*keySet)
	h.mu.Unlock()

	for _, sub := range all {
		sub.Shutdown()
	}
	h.logger.Info().Int("subscribers", len(all)).Msg("Fanout hub shut down")
}

func (h *Hub) lookupLocked(kind Kind, key string) *keySet {
	byKey, ok := h.keys[kind]
	if !ok {
		return nil
	}
	return byKey[key]
}
