package api

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenSource provides the bearer token and forgets it when the backend
// rejects it.
type TokenSource interface {
	Token() string
	Clear() error
}

// StaticToken is a fixed token, typically from configuration or the
// environment. Clear is a no-op.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }
func (t StaticToken) Clear() error  { return nil }

// StoredCredentials is the on-disk form of a login
type StoredCredentials struct {
	AccessToken string    `yaml:"access_token"`
	User        *User     `yaml:"user,omitempty"`
	SavedAt     time.Time `yaml:"saved_at"`
}

// FileToken keeps the token in a YAML file written by login
type FileToken struct {
	path string

	mutex  sync.Mutex
	loaded bool
	creds  StoredCredentials
}

// NewFileToken creates a token source backed by path
func NewFileToken(path string) *FileToken {
	return &FileToken{path: path}
}

// Path returns the token file location
func (f *FileToken) Path() string {
	return f.path
}

func (f *FileToken) load() {
	if f.loaded {
		return
	}
	f.loaded = true

	data, err := os.ReadFile(f.path)
	if err != nil {
		return
	}
	var creds StoredCredentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return
	}
	f.creds = creds
}

func (f *FileToken) Token() string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.load()
	return f.creds.AccessToken
}

// User returns the user stored with the token, if any
func (f *FileToken) User() *User {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.load()
	return f.creds.User
}

// Save writes a new token and user, readable only by the owner
func (f *FileToken) Save(token string, user *User) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	creds := StoredCredentials{AccessToken: token, User: user, SavedAt: time.Now()}
	data, err := yaml.Marshal(&creds)
	if err != nil {
		return fmt.Errorf("failed to encode token file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	f.creds = creds
	f.loaded = true
	return nil
}

// Clear removes the token file
func (f *FileToken) Clear() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.creds = StoredCredentials{}
	f.loaded = true
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
