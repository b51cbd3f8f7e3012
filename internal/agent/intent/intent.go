// Package intent owns the device-local record of whether the user asked
// to share their location. The persisted copy survives process restarts
// and is the sole basis for auto-resume; it is cleared only by explicit
// stop or sign-out, never by time passing or a write failing.
package intent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type Intent struct {
	WasSharing bool   `json:"was_sharing"`
	UserID     string `json:"user_id"`
}

// Store is a one-file durable KV. Writes go through a temp file and a
// rename, so a crash mid-save leaves the previous intent intact.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted intent. A missing file is not an error, it
// means no intent was ever recorded.
func (s *Store) Load() (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Intent{}, nil
		}
		return Intent{}, fmt.Errorf("read intent: %w", err)
	}
	var it Intent
	if err := json.Unmarshal(buf, &it); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	return it, nil
}

func (s *Store) Save(it Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := json.Marshal(it)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("intent dir: %w", err)
	}
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("write intent: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("commit intent: %w", err)
	}
	return nil
}

// Clear removes the file entirely. Used on sign-out, where even the
// user id must not survive.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear intent: %w", err)
	}
	return nil
}
