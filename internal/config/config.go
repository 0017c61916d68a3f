// ABOUTME: Connection profiles, session context, and the persisted per-server key-value store
// ABOUTME: Covers spec.md §6's "out of core, included for completeness" persisted state layout
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RoutePreference overrides the Supervisor's deterministic route table.
// See spec.md §4.9.
type RoutePreference string

const (
	PreferAuto       RoutePreference = "auto"
	PreferLocalOnly  RoutePreference = "local_only"
	PreferRemoteOnly RoutePreference = "remote_only"
	PreferProxyOnly  RoutePreference = "proxy_only"
)

// LocalRoute is a direct LAN connection to the receiver's host.
type LocalRoute struct {
	Host string `json:"host"`
	Path string `json:"path"`
}

// RemoteRoute is a WebRTC connection bootstrapped via SignalingClient.
type RemoteRoute struct {
	RemoteID string `json:"remote_id"`
}

// ProxyRoute is a WebSocket connection through a relay/proxy server.
type ProxyRoute struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// ConnectionProfile names one receiver a user can connect to, along with
// every route that might reach it. Each of Local/Remote/Proxy is nil when
// that route has not been configured.
type ConnectionProfile struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Local      *LocalRoute     `json:"local,omitempty"`
	Remote     *RemoteRoute    `json:"remote,omitempty"`
	Proxy      *ProxyRoute     `json:"proxy,omitempty"`
	Preference RoutePreference `json:"preference"`
}

// RouteKind names which concrete route SessionContext ended up selecting.
type RouteKind string

const (
	RouteNone   RouteKind = ""
	RouteLocal  RouteKind = "local"
	RouteRemote RouteKind = "remote"
	RouteProxy  RouteKind = "proxy"
)

// SessionContext is the single active session's live state: which profile,
// which route was selected for it, and the credentials in use. One
// SessionContext is active at a time per spec.md §3.
type SessionContext struct {
	Profile        ConnectionProfile
	SelectedRoute  RouteKind
	TransportToken string
	PlayerID       string
}

// serverState is the persisted record for one profile id: an access token,
// the last player id the user selected, and a default API port. Static
// delay is deliberately absent — per DESIGN.md's Open Question resolution
// it is a live calibration knob, not a saved preference.
type serverState struct {
	AccessToken    string `json:"access_token,omitempty"`
	PlayerID       string `json:"player_id,omitempty"`
	DefaultAPIPort int    `json:"default_api_port,omitempty"`
}

// Store is a JSON-file-backed key-value store of serverState, keyed by
// profile id. The teacher has no persistence layer of its own; this
// follows its general idiom (plain structs, encoding/json, wrapped
// errors) rather than introducing a config framework, since none appears
// anywhere in the retrieval pack for a CLI-sized local store.
type Store struct {
	path string

	mu     sync.Mutex
	states map[string]serverState
}

// OpenStore loads path if it exists, or starts with an empty store if it
// does not. Corrupt files are reported, not silently discarded.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, states: make(map[string]serverState)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.states); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return s, nil
}

// AccessToken returns the persisted access token for profileID, if any.
func (s *Store) AccessToken(profileID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[profileID]
	if !ok || st.AccessToken == "" {
		return "", false
	}
	return st.AccessToken, true
}

// SetAccessToken persists token for profileID and writes the store to disk.
func (s *Store) SetAccessToken(profileID, token string) error {
	return s.mutate(profileID, func(st *serverState) { st.AccessToken = token })
}

// PlayerID returns the persisted selected player id for profileID, if any.
func (s *Store) PlayerID(profileID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[profileID]
	if !ok || st.PlayerID == "" {
		return "", false
	}
	return st.PlayerID, true
}

// SetPlayerID persists the selected player id for profileID.
func (s *Store) SetPlayerID(profileID, playerID string) error {
	return s.mutate(profileID, func(st *serverState) { st.PlayerID = playerID })
}

// DefaultAPIPort returns the persisted default API port for profileID.
func (s *Store) DefaultAPIPort(profileID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[profileID]
	if !ok || st.DefaultAPIPort == 0 {
		return 0, false
	}
	return st.DefaultAPIPort, true
}

// SetDefaultAPIPort persists the default API port for profileID.
func (s *Store) SetDefaultAPIPort(profileID string, port int) error {
	return s.mutate(profileID, func(st *serverState) { st.DefaultAPIPort = port })
}

// Forget removes all persisted state for profileID (used when a profile is
// deleted or credentials are revoked).
func (s *Store) Forget(profileID string) error {
	s.mu.Lock()
	delete(s.states, profileID)
	snapshot := s.cloneLocked()
	s.mu.Unlock()
	return s.write(snapshot)
}

func (s *Store) mutate(profileID string, fn func(*serverState)) error {
	s.mu.Lock()
	st := s.states[profileID]
	fn(&st)
	s.states[profileID] = st
	snapshot := s.cloneLocked()
	s.mu.Unlock()
	return s.write(snapshot)
}

func (s *Store) cloneLocked() map[string]serverState {
	out := make(map[string]serverState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

func (s *Store) write(snapshot map[string]serverState) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("config: renaming %s: %w", tmp, err)
	}
	return nil
}

// DefaultStorePath returns the conventional location for the persisted
// key-value store under the user's config directory.
func DefaultStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving user config dir: %w", err)
	}
	return filepath.Join(dir, "sendspin-receiver", "state.json"), nil
}
