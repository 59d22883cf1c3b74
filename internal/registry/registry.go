// Package registry tracks tunnel registrations and their live WebSocket
// connections. It is the single source of truth for "is this tunnel live";
// every other component asks it.
package registry

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for unknown tunnel ids.
	ErrNotFound = errors.New("tunnel not found")
	// ErrAuthFailed is returned when the presented api key does not match.
	ErrAuthFailed = errors.New("tunnel authentication failed")
)

// Connection is the live socket bound to a tunnel. The registry never
// performs I/O under its lock; Close is invoked after the map is updated.
type Connection interface {
	// Close tears the connection down with the given close code.
	Close(code int, reason string)
}

// Tunnel is a value snapshot of one laptop's registration.
type Tunnel struct {
	ID        string
	Name      string
	APIKey    string
	CreatedAt time.Time
}

type record struct {
	tunnel        Tunnel
	clientAuthKey string
	conn          Connection
}

// Registry holds all known tunnels.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*record
	logger  zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		tunnels: make(map[string]*record),
		logger:  logger,
	}
}

// Create registers a new tunnel or restores one by id.
//
// When suggestedID is supplied and no tunnel with that id is currently live,
// the tunnel keeps that id and gets a freshly generated api key (restored =
// true). A live tunnel with the same id forces a fresh id instead, so a
// stolen id cannot hijack an active laptop.
func (r *Registry) Create(name, suggestedID string) (Tunnel, bool, error) {
	apiKey, err := newAPIKey()
	if err != nil {
		return Tunnel{}, false, fmt.Errorf("generate api key: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := suggestedID
	restored := false
	if id != "" {
		if existing, ok := r.tunnels[id]; ok && existing.conn != nil {
			id = ""
		} else {
			restored = true
		}
	}
	if id == "" {
		id = uuid.NewString()
		restored = false
	}

	tunnel := Tunnel{
		ID:        id,
		Name:      name,
		APIKey:    apiKey,
		CreatedAt: time.Now().UTC(),
	}
	if prev, ok := r.tunnels[id]; ok && restored {
		tunnel.CreatedAt = prev.tunnel.CreatedAt
		if name == "" {
			tunnel.Name = prev.tunnel.Name
		}
	}
	r.tunnels[id] = &record{tunnel: tunnel}

	r.logger.Info().
		Str("tunnel_id", id).
		Str("name", tunnel.Name).
		Bool("restored", restored).
		Msg("Tunnel registered")
	return tunnel, restored, nil
}

// Authenticate verifies the api key for a tunnel id. The comparison is
// constant time.
func (r *Registry) Authenticate(id, apiKey string) (Tunnel, error) {
	r.mu.RLock()
	rec, ok := r.tunnels[id]
	r.mu.RUnlock()
	if !ok {
		return Tunnel{}, ErrNotFound
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(rec.tunnel.APIKey)) != 1 {
		return Tunnel{}, ErrAuthFailed
	}
	return rec.tunnel, nil
}

// Attach binds the live connection for a tunnel. A previous connection, if
// any, is closed with code 1001 after the swap.
func (r *Registry) Attach(id string, conn Connection) error {
	r.mu.Lock()
	rec, ok := r.tunnels[id]
	var previous Connection
	if ok {
		previous = rec.conn
		rec.conn = conn
	}
	r.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if previous != nil {
		r.logger.Info().Str("tunnel_id", id).Msg("Replacing existing tunnel connection")
		previous.Close(1001, "replaced by a newer connection")
	}
	return nil
}

// Detach removes the live connection, leaving the tunnel record for a later
// restore. The conn argument guards against detaching a replacement that
// attached after the caller's connection was already superseded. Returns
// true only when conn was the live connection, so callers can skip teardown
// that belongs to the replacement.
func (r *Registry) Detach(id string, conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.tunnels[id]; ok && rec.conn == conn {
		rec.conn = nil
		return true
	}
	return false
}

// Lookup returns the tunnel record for an id.
func (r *Registry) Lookup(id string) (Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tunnels[id]
	if !ok {
		return Tunnel{}, false
	}
	return rec.tunnel, true
}

// Conn returns the live connection for a tunnel, if any.
func (r *Registry) Conn(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tunnels[id]
	if !ok || rec.conn == nil {
		return nil, false
	}
	return rec.conn, true
}

// IsLive reports whether the tunnel has a bound connection.
func (r *Registry) IsLive(id string) bool {
	_, ok := r.Conn(id)
	return ok
}

// SetClientAuthKey stores the key used to re-authorize mobile clients.
// A second registration overwrites the first: the latest wins.
func (r *Registry) SetClientAuthKey(id, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tunnels[id]
	if !ok {
		return ErrNotFound
	}
	rec.clientAuthKey = key
	return nil
}

// ClientAuthKey returns the stored key and whether one is set.
func (r *Registry) ClientAuthKey(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tunnels[id]
	if !ok || rec.clientAuthKey == "" {
		return "", false
	}
	return rec.clientAuthKey, true
}

// AuthorizeClient verifies a presented client key against the stored one in
// constant time. Tunnels without a stored key accept any client.
func (r *Registry) AuthorizeClient(id, presented string) bool {
	key, set := r.ClientAuthKey(id)
	if !set {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
}

// LiveConnections snapshots every bound connection, for shutdown.
func (r *Registry) LiveConnections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Connection, 0, len(r.tunnels))
	for _, rec := range r.tunnels {
		if rec.conn != nil {
			conns = append(conns, rec.conn)
		}
	}
	return conns
}

// LiveCount returns the number of tunnels with a bound connection.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.tunnels {
		if rec.conn != nil {
			n++
		}
	}
	return n
}

func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
