package upstream

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anatolykoptev/go-stealth/ratelimit"

	"github.com/anatolykoptev/xgate/internal/credstore"
)

// transportFunc adapts a function to the Transport interface for tests.
type transportFunc func(ctx context.Context, method, url string, headers map[string]string, body io.Reader) ([]byte, map[string]string, int, error)

func (f transportFunc) Do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
	return f(ctx, method, url, headers, body)
}

// stubEstablisher hands out sessions whose transport is supplied per username.
type stubEstablisher struct {
	mu         sync.Mutex
	transports map[string]Transport
	failFor    map[string]error
	calls      []string
}

func (s *stubEstablisher) Establish(ctx context.Context, acct *credstore.Account, proxy string) (*Session, error) {
	s.mu.Lock()
	s.calls = append(s.calls, acct.Username)
	tr := s.transports[acct.Username]
	err := s.failFor[acct.Username]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	jar := NewJar()
	jar.Set("auth_token", "tok-"+acct.Username)
	jar.Set("ct0", "csrf-"+acct.Username)
	return NewSession(acct.Username, jar, tr, proxy, "", ratelimit.DefaultConfig), nil
}

func newTestStore(t *testing.T, usernames ...string) *credstore.Store {
	t.Helper()
	store, err := credstore.Open(filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatal(err)
	}
	creds := make([]credstore.Credential, 0, len(usernames))
	for _, u := range usernames {
		creds = append(creds, credstore.Credential{Username: u, Password: "pw"})
	}
	if _, err := store.Add(creds); err != nil {
		t.Fatal(err)
	}
	return store
}

// warmPool builds a pool over the given establisher and waits until the
// initial fill has produced want sessions. Waiting on the count rather than
// dispatching keeps the round-robin position untouched.
func warmPool(t *testing.T, store *credstore.Store, est SessionEstablisher, size, want int) *Pool {
	t.Helper()
	pool := NewPool(store, est, PoolConfig{Size: size})
	pool.Start()
	if want == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := pool.Next(ctx, nil); err != ErrPoolEmpty {
			t.Fatalf("expected empty pool, got %v", err)
		}
		return pool
	}
	deadline := time.Now().Add(2 * time.Second)
	for pool.ActiveCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("pool warm-up stalled: %d of %d sessions", pool.ActiveCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return pool
}

// stampLastUsed pins candidate ordering so tests can rely on which account
// the pool dispatches first.
func stampLastUsed(t *testing.T, store *credstore.Store, usernames ...string) {
	t.Helper()
	for i, u := range usernames {
		if err := store.Update(u, func(a *credstore.Account) { a.LastUsed = int64(i + 1) }); err != nil {
			t.Fatal(err)
		}
	}
}
