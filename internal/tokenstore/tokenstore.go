// Package tokenstore manages the bearer tokens this gateway issues to
// downstream clients, backed by a single JSON document.
package tokenstore

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const tokenLength = 32

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Token is one issued downstream bearer token.
type Token struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	CreatedAt int64  `json:"createdAt"`
	LastUsed  int64  `json:"lastUsed,omitempty"`
}

// Store is the issued-token database.
type Store struct {
	mu     sync.Mutex
	path   string
	tokens []*Token
}

// Open loads the token document at path, creating an empty store if absent.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read token db %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.tokens); err != nil {
		return nil, fmt.Errorf("parse token db %s: %w", path, err)
	}
	return s, nil
}

// Issue mints a new named token and persists it.
func (s *Store) Issue(name string) (*Token, error) {
	value, err := randomToken()
	if err != nil {
		return nil, err
	}
	t := &Token{
		ID:        uuid.New().String(),
		Name:      name,
		Value:     value,
		CreatedAt: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, t)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// Validate reports whether value is a known issued token.
func (s *Store) Validate(value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Value == value {
			return true
		}
	}
	return false
}

// Touch records a use of the token. Unknown values are ignored.
func (s *Store) Touch(value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Value == value {
			t.LastUsed = time.Now().UnixMilli()
			// best effort; a lost last_used is harmless
			_ = s.persistLocked()
			return
		}
	}
}

// Delete removes a token by id. Reports whether it existed.
func (s *Store) Delete(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tokens {
		if t.ID == id {
			s.tokens = append(s.tokens[:i], s.tokens[i+1:]...)
			return true, s.persistLocked()
		}
	}
	return false, nil
}

// List returns copies of all issued tokens.
func (s *Store) List() []*Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Token, len(s.tokens))
	for i, t := range s.tokens {
		cp := *t
		out[i] = &cp
	}
	return out
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write token db: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace token db: %w", err)
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	for i := range b {
		b[i] = tokenAlphabet[int(b[i])%len(tokenAlphabet)]
	}
	return string(b), nil
}
