package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// State is the locally persisted session.
type State struct {
	Token    string `json:"token"`
	Role     string `json:"role"`
	Username string `json:"username"`
}

// LoggedIn reports whether a token is held.
func (s State) LoggedIn() bool { return s.Token != "" }

// CredentialStore persists State between runs.
type CredentialStore interface {
	Load() (State, error)
	Save(State) error
	Clear() error
}

// MemoryStore keeps State in memory.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

func (m *MemoryStore) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryStore) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

func (m *MemoryStore) Clear() error {
	return m.Save(State{})
}

var stateKeys = []string{"token", "role", "username"}

// FileStore keeps State in a JSON file shared with other settings. Only the
// session keys are written or removed; anything else in the file is kept.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore stores state at path. The file is created with mode 0600.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultStorePath is ~/.config/portalctl/session.json.
func DefaultStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "portalctl", "session.json"), nil
}

func (f *FileStore) Load() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := f.read()
	if err != nil {
		return State{}, err
	}
	var s State
	for key, dst := range map[string]*string{"token": &s.Token, "role": &s.Role, "username": &s.Username} {
		if v, ok := raw[key]; ok {
			if err := json.Unmarshal(v, dst); err != nil {
				return State{}, fmt.Errorf("decode %s: %w", key, err)
			}
		}
	}
	return s, nil
}

func (f *FileStore) Save(s State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := f.read()
	if err != nil {
		return err
	}
	for key, v := range map[string]string{"token": s.Token, "role": s.Role, "username": s.Username} {
		encoded, _ := json.Marshal(v)
		raw[key] = encoded
	}
	return f.write(raw)
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := f.read()
	if err != nil {
		return err
	}
	for _, key := range stateKeys {
		delete(raw, key)
	}
	return f.write(raw)
}

func (f *FileStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	raw := map[string]json.RawMessage{}
	if len(data) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return raw, nil
}

// write replaces the file atomically.
func (f *FileStore) write(raw map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
