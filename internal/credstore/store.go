package credstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store keeps the account list in memory and mirrors every mutation to a
// single JSON document, rewritten atomically (tmp + rename). A crash between
// mutations may lose the last single update but never corrupts the list.
type Store struct {
	mu       sync.Mutex
	path     string
	accounts []*Account
}

// Open loads the account document at path, creating an empty store if the
// file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read accounts state %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.accounts); err != nil {
		return nil, fmt.Errorf("parse accounts state %s: %w", path, err)
	}
	slog.Info("credential store loaded", slog.String("path", path), slog.Int("accounts", len(s.accounts)))
	return s, nil
}

// Add inserts records, idempotent by username. New records start with
// tokenState=unknown and failedLogin=false. Returns the number added.
func (s *Store) Add(creds []Credential) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := make(map[string]bool, len(s.accounts))
	for _, a := range s.accounts {
		existing[a.Username] = true
	}

	added := 0
	for _, c := range creds {
		if c.Username == "" || existing[c.Username] {
			continue
		}
		existing[c.Username] = true
		s.accounts = append(s.accounts, &Account{
			Credential: c,
			TokenState: TokenUnknown,
		})
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, s.persistLocked()
}

// Delete removes an account by username. Reports whether it existed.
func (s *Store) Delete(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, a := range s.accounts {
		if a.Username == username {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			return true, s.persistLocked()
		}
	}
	return false, nil
}

// Snapshot returns copies of all account records.
func (s *Store) Snapshot() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Account, len(s.accounts))
	for i, a := range s.accounts {
		out[i] = a.Clone()
	}
	return out
}

// Get returns a copy of one account, or nil if absent.
func (s *Store) Get(username string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.Username == username {
			return a.Clone()
		}
	}
	return nil
}

// Update applies mutate to the named account and persists synchronously.
// Writes are serialized by the store mutex.
func (s *Store) Update(username string, mutate func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if a.Username == username {
			mutate(a)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("account %q not found", username)
}

// UpdateAll applies mutate to every account and persists once.
func (s *Store) UpdateAll(mutate func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		mutate(a)
	}
	return s.persistLocked()
}

// Candidates returns login candidates: failedLogin=false, sorted ascending
// by lastUsed with never-used accounts first.
func (s *Store) Candidates() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Account
	for _, a := range s.accounts {
		if !a.FailedLogin {
			out = append(out, a.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUsed < out[j].LastUsed
	})
	return out
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.accounts, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write accounts state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace accounts state: %w", err)
	}
	return nil
}
