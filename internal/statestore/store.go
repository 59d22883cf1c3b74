// Package statestore persists the agent's tunnel registration and session
// list as a JSON document. Writes are atomic (temp file plus rename) and
// top-level fields the current version does not know about survive a
// load/save cycle, so older and newer agents can share a state file.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// TunnelState is the persisted registration for one relay tunnel.
type TunnelState struct {
	TunnelID   string    `json:"tunnelId"`
	APIKey     string    `json:"apiKey"`
	PublicURL  string    `json:"publicUrl"`
	WSURL      string    `json:"wsUrl"`
	LaptopName string    `json:"laptopName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Session is one persisted terminal or agent session.
type Session struct {
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// State is the full document.
type State struct {
	Tunnel      *TunnelState `json:"tunnel,omitempty"`
	Sessions    []Session    `json:"sessions,omitempty"`
	LastUpdated time.Time    `json:"lastUpdated"`

	// extra holds top-level fields written by other agent versions.
	extra map[string]json.RawMessage
}

// Store reads and writes one state file.
type Store struct {
	path   string
	logger zerolog.Logger
}

// New creates a store for the given file path. The parent directory is
// created on first save.
func New(path string, logger zerolog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty state.
func (s *Store) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &State{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", s.path, err)
	}

	state := &State{extra: raw}
	if field, ok := raw["tunnel"]; ok {
		if err := json.Unmarshal(field, &state.Tunnel); err != nil {
			return nil, fmt.Errorf("parse tunnel state: %w", err)
		}
		delete(raw, "tunnel")
	}
	if field, ok := raw["sessions"]; ok {
		if err := json.Unmarshal(field, &state.Sessions); err != nil {
			return nil, fmt.Errorf("parse session state: %w", err)
		}
		delete(raw, "sessions")
	}
	if field, ok := raw["lastUpdated"]; ok {
		if err := json.Unmarshal(field, &state.LastUpdated); err != nil {
			return nil, fmt.Errorf("parse lastUpdated: %w", err)
		}
		delete(raw, "lastUpdated")
	}
	return state, nil
}

// Save writes the state atomically, stamping lastUpdated. Fields loaded from
// a newer document version are written back untouched.
func (s *Store) Save(state *State) error {
	state.LastUpdated = time.Now().UTC()

	doc := make(map[string]json.RawMessage, len(state.extra)+3)
	for k, v := range state.extra {
		doc[k] = v
	}
	if err := setField(doc, "tunnel", state.Tunnel); err != nil {
		return err
	}
	if state.Tunnel == nil {
		delete(doc, "tunnel")
	}
	if err := setField(doc, "sessions", state.Sessions); err != nil {
		return err
	}
	if len(state.Sessions) == 0 {
		delete(doc, "sessions")
	}
	if err := setField(doc, "lastUpdated", state.LastUpdated); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	// Write-then-rename so a crash mid-write never truncates the live file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}

	s.logger.Debug().Str("path", s.path).Msg("State saved")
	return nil
}

// UpsertSession adds or refreshes one session entry and saves.
func (s *Store) UpsertSession(state *State, session Session) error {
	for i, existing := range state.Sessions {
		if existing.SessionID == session.SessionID {
			state.Sessions[i] = session
			return s.Save(state)
		}
	}
	state.Sessions = append(state.Sessions, session)
	return s.Save(state)
}

func setField(doc map[string]json.RawMessage, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	doc[key] = data
	return nil
}
