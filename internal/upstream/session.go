package upstream

import (
	"sync/atomic"
	"time"

	"github.com/anatolykoptev/go-stealth/pool"
	"github.com/anatolykoptev/go-stealth/ratelimit"
)

// Session is a live, logged-in upstream identity: cookie jar, tokens, proxy,
// and the per-account transport they ride on. Sessions are created during
// pool warm-up and destroyed only on explicit failure; rate-limited sessions
// are skipped but retained.
type Session struct {
	Username  string
	Jar       *Jar
	Transport Transport
	Proxy     string
	UserAgent string

	limiter *ratelimit.Limiter

	// rate-limit window mirror; source of truth is the credential store
	rateLimitedUntil atomic.Int64

	active       bool
	reactivateAt time.Time

	pool.HealthTracker
}

// ID implements pool.Identity.
func (s *Session) ID() string { return s.Username }

// IsActive implements pool.Identity.
func (s *Session) IsActive() bool { return s.active }

// SetActive implements pool.Identity.
func (s *Session) SetActive(v bool) { s.active = v }

// ReactivateAt implements pool.Identity.
func (s *Session) ReactivateAt() time.Time { return s.reactivateAt }

// SetReactivateAt implements pool.Identity.
func (s *Session) SetReactivateAt(t time.Time) { s.reactivateAt = t }

// RateLimitedUntil returns the current rate-limit window end, zero when none.
func (s *Session) RateLimitedUntil() time.Time {
	ms := s.rateLimitedUntil.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SetRateLimitedUntil sets or clears (zero time) the rate-limit window.
func (s *Session) SetRateLimitedUntil(t time.Time) {
	if t.IsZero() {
		s.rateLimitedUntil.Store(0)
		return
	}
	s.rateLimitedUntil.Store(t.UnixMilli())
}

// NewSession bundles a warm jar and transport for one account.
func NewSession(username string, jar *Jar, tr Transport, proxy, userAgent string, rl ratelimit.Config) *Session {
	return &Session{
		Username:      username,
		Jar:           jar,
		Transport:     tr,
		Proxy:         proxy,
		UserAgent:     userAgent,
		active:        true,
		limiter:       ratelimit.NewLimiter(rl),
		HealthTracker: pool.DefaultHealthTracker(),
	}
}

// AuthToken returns the session cookie, "" when the session was torn down.
func (s *Session) AuthToken() string { return s.Jar.Get("auth_token") }

// CSRFToken returns the ct0 cookie value.
func (s *Session) CSRFToken() string { return s.Jar.Get("ct0") }

// InstallHeaders sets the authenticated request headers for a call to rawurl:
// bearer authorization, serialized cookie header, x-csrf-token from ct0, and
// the upstream's active-user and language markers.
func (s *Session) InstallHeaders(h map[string]string, rawurl string) {
	ua := s.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	for k, v := range baseHeaders(ua) {
		h[k] = v
	}
	h["x-twitter-auth-type"] = "OAuth2Session"
	h["sec-fetch-dest"] = "empty"
	h["sec-fetch-mode"] = "cors"
	h["sec-fetch-site"] = "same-origin"
	if c := s.Jar.Header(); c != "" {
		h["cookie"] = c
	}
	if ct0 := s.CSRFToken(); ct0 != "" {
		h["x-csrf-token"] = ct0
	}
	clientHints(h, ua)
}

// AllowRequest checks the per-endpoint limiter for this session.
func (s *Session) AllowRequest(endpoint string) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow(endpoint)
}

// MarkEndpointRateLimited blocks one endpoint for this session until t.
func (s *Session) MarkEndpointRateLimited(endpoint string, t time.Time) {
	if s.limiter != nil {
		s.limiter.MarkRateLimited(endpoint, t)
	}
}

// AbsorbResponse folds response cookies back into the jar.
func (s *Session) AbsorbResponse(respHeaders map[string]string) {
	if respHeaders == nil {
		return
	}
	s.Jar.Absorb(respHeaders["set-cookie"])
}
