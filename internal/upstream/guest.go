package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	stealth "github.com/anatolykoptev/go-stealth"
)

// guestTokenTTL is how long an acquired guest token stays usable.
const guestTokenTTL = 3 * time.Hour

// GuestAuth acquires and lazily refreshes the anonymous guest token used for
// login flows and unauthenticated tweet fetches.
type GuestAuth struct {
	tr      Transport
	timeout time.Duration

	mu         sync.Mutex
	token      string
	acquiredAt time.Time
}

// NewGuestAuth wraps a transport with guest-token management. timeout bounds
// a single activation call (default 10s).
func NewGuestAuth(tr Transport, timeout time.Duration) *GuestAuth {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GuestAuth{tr: tr, timeout: timeout}
}

// Token returns a usable guest token, refreshing first when the cached one
// is absent or older than its TTL.
func (g *GuestAuth) Token(ctx context.Context) (string, error) {
	g.mu.Lock()
	token, age := g.token, time.Since(g.acquiredAt)
	g.mu.Unlock()

	if token != "" && age < guestTokenTTL {
		return token, nil
	}
	return g.refresh(ctx)
}

// Invalidate drops the cached token so the next use refreshes.
func (g *GuestAuth) Invalidate() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}

// refresh fetches a fresh guest token with exponential backoff.
func (g *GuestAuth) refresh(ctx context.Context) (string, error) {
	backoff := stealth.BackoffConfig{
		InitialWait: 2 * time.Second,
		MaxWait:     60 * time.Second,
		Multiplier:  2.0,
		JitterPct:   0.3,
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff.Duration(attempt)):
			}
		}
		token, err := g.activate(ctx)
		if err == nil {
			g.mu.Lock()
			g.token = token
			g.acquiredAt = time.Now()
			g.mu.Unlock()
			slog.Debug("guest token acquired")
			return token, nil
		}
		lastErr = err
		slog.Warn("guest activate failed", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return "", lastErr
}

func (g *GuestAuth) activate(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	headers := map[string]string{
		"authorization": "Bearer " + BearerToken,
		"content-type":  "application/json",
		"user-agent":    defaultUserAgent,
	}
	body, _, status, err := g.tr.Do(ctx, "POST", apiBase+guestActivatePath, headers, nil)
	if err != nil {
		return "", fmt.Errorf("guest activate: %w", err)
	}
	if status != 200 {
		return "", fmt.Errorf("guest activate: HTTP %d", status)
	}
	var resp struct {
		GuestToken string `json:"guest_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("guest activate: %w", err)
	}
	if resp.GuestToken == "" {
		return "", fmt.Errorf("guest activate: empty guest token")
	}
	return resp.GuestToken, nil
}
