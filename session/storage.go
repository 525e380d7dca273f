package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Well-known storage keys shared by the sign-in flows. Two concurrent sign-in
// attempts against the same storage last-write-win on the state/verifier pair;
// only one attempt should be in flight at a time.
const (
	KeyWasSignedIn  = "was_signed_in"
	KeyAuthState    = "auth_state"
	KeyAuthVerifier = "auth_verifier"
	KeyPostAuthPath = "post_auth_redirect"
	KeyDiscovery    = "idp_discovery"
)

// Storage is the durable client-side store backing the sign-in flows: PKCE
// state, the post-auth return path, the "was signed in" flag, and the cached
// identity-provider discovery document. One file per key, owner-only
// permissions, since verifiers are secrets.
type Storage struct {
	mu  sync.Mutex
	dir string
}

// OpenStorage creates (if needed) and opens a storage directory.
func OpenStorage(dir string) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("storage directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Storage{dir: dir}, nil
}

// Save writes a value under key, replacing any previous value.
func (s *Storage) Save(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path(key), []byte(value), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, reporting whether it exists.
func (s *Storage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(key)
}

// Consume returns the value for key and deletes it in the same step. Used for
// the PKCE state and verifier, which must be read exactly once per callback
// attempt to prevent replay.
func (s *Storage) Consume(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.read(key)
	if ok {
		_ = os.Remove(s.path(key))
	}
	return val, ok
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SetFlag records a boolean flag under key.
func (s *Storage) SetFlag(key string) error {
	return s.Save(key, "true")
}

// Flag reports whether the flag at key is set.
func (s *Storage) Flag(key string) bool {
	val, ok := s.Get(key)
	return ok && val == "true"
}

// ClearFlag removes the flag at key.
func (s *Storage) ClearFlag(key string) error {
	return s.Delete(key)
}

// SaveJSON stores a JSON-encoded value under key.
func (s *Storage) SaveJSON(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Save(key, string(payload))
}

// GetJSON decodes the value at key into v, reporting whether it existed and
// decoded cleanly.
func (s *Storage) GetJSON(key string, v any) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

func (s *Storage) read(key string) (string, bool) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (s *Storage) path(key string) string {
	return filepath.Join(s.dir, key)
}
