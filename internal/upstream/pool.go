package upstream

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/anatolykoptev/go-stealth/pool"

	"github.com/anatolykoptev/xgate/internal/credstore"
)

// arkoseCandidateWait is the pause after an Arkose login failure before the
// warm-up moves on to the next candidate.
const arkoseCandidateWait = 5 * time.Second

// SessionEstablisher turns one stored account into a warm session.
// *LoginFlow is the production implementation.
type SessionEstablisher interface {
	Establish(ctx context.Context, acct *credstore.Account, proxy string) (*Session, error)
}

// PoolConfig sizes the pool and supplies proxy sources.
type PoolConfig struct {
	Size      int
	ProxyURI  string // single fallback proxy
	ProxyList string // newline-separated list, '#' comments
}

// Pool maintains up to Size warm sessions drawn from the credential store and
// replenishes in the background when sessions die. Rotation, soft cooldowns,
// and per-session health live in the underlying dispatch pool; this wrapper
// owns warm-up, proxy assignment, and credential-store persistence. The mutex
// guards only the session registry and the warm-up bookkeeping; it is never
// held across logins or disk writes.
type Pool struct {
	store    *credstore.Store
	flow     SessionEstablisher
	cfg      PoolConfig
	dispatch *pool.Pool[*Session]

	mu          sync.Mutex
	sessions    map[string]*Session
	initialized bool
	warming     bool
	warmDone    chan struct{}
}

// NewPool builds a pool over the store; call Start to warm it eagerly.
func NewPool(store *credstore.Store, flow SessionEstablisher, cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 5
	}
	dispatch := pool.New([]*Session{}, pool.Config{
		AlertHook: func(topic string, payload any) {
			slog.Warn("pool alert", slog.String("topic", topic), slog.Any("payload", payload))
		},
		ProxyBackoff: pool.BackoffConfig{
			InitialWait: 2 * time.Second,
			MaxWait:     60 * time.Second,
			Multiplier:  2.0,
			JitterPct:   0.3,
		},
	})
	return &Pool{
		store:    store,
		flow:     flow,
		cfg:      cfg,
		dispatch: dispatch,
		sessions: make(map[string]*Session),
	}
}

// Start launches the initial warm-up as a background task.
func (p *Pool) Start() { p.Replenish() }

// Replenish triggers a warm-up. Concurrent calls coalesce into a single
// in-flight initialization; late callers share its completion.
func (p *Pool) Replenish() {
	done, leader := p.beginWarm()
	if leader {
		go p.runFill(done)
	}
}

func (p *Pool) beginWarm() (chan struct{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warming {
		return p.warmDone, false
	}
	p.warming = true
	p.warmDone = make(chan struct{})
	return p.warmDone, true
}

// runFill runs to completion regardless of downstream cancellation.
func (p *Pool) runFill(done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.warming = false
		p.initialized = true
		p.mu.Unlock()
		close(done)
	}()
	p.fill(context.Background())
}

// fill logs in candidates until the pool reaches its target size.
func (p *Pool) fill(ctx context.Context) {
	candidates := p.store.Candidates()

	for _, cand := range candidates {
		p.mu.Lock()
		full := len(p.sessions) >= p.cfg.Size
		_, inPool := p.sessions[cand.Username]
		p.mu.Unlock()
		if full {
			break
		}
		if inPool {
			continue
		}

		proxy := cand.AssignedProxy
		if proxy == "" {
			proxy = p.pickProxy()
			if proxy != "" {
				cand.AssignedProxy = proxy
				if err := p.store.Update(cand.Username, func(a *credstore.Account) {
					a.AssignedProxy = proxy
				}); err != nil {
					slog.Warn("persist proxy assignment failed", slog.String("user", cand.Username), slog.Any("error", err))
				}
			}
		}

		sess, err := p.flow.Establish(ctx, cand, proxy)
		if err != nil {
			slog.Warn("login failed", slog.String("user", cand.Username), slog.Any("error", err))
			now := time.Now().UnixMilli()
			if uerr := p.store.Update(cand.Username, func(a *credstore.Account) {
				a.FailedLogin = true
				a.TokenState = credstore.TokenFailed
				a.LastFailedAt = now
				a.AuthToken = cand.AuthToken // cleared by a failed token path
			}); uerr != nil {
				slog.Warn("persist login failure failed", slog.String("user", cand.Username), slog.Any("error", uerr))
			}
			if IsArkoseError(err) {
				time.Sleep(arkoseCandidateWait)
			}
			continue
		}

		now := time.Now().UnixMilli()
		authToken := sess.AuthToken()
		if err := p.store.Update(cand.Username, func(a *credstore.Account) {
			a.AuthToken = authToken
			a.TokenState = credstore.TokenWorking
			a.FailedLogin = false
			a.LastUsed = now
		}); err != nil {
			slog.Warn("persist login success failed", slog.String("user", cand.Username), slog.Any("error", err))
		}

		p.mu.Lock()
		p.sessions[cand.Username] = sess
		size := len(p.sessions)
		p.mu.Unlock()
		p.dispatch.Add(sess)
		slog.Info("session warmed", slog.String("user", cand.Username), slog.Int("active", size))
	}
}

// pickProxy selects a proxy for a new account: a uniform random entry from
// the list when one is configured, otherwise the single fallback URI.
func (p *Pool) pickProxy() string {
	var list []string
	for _, line := range strings.Split(p.cfg.ProxyList, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	if len(list) > 0 {
		return list[rand.Intn(len(list))]
	}
	return p.cfg.ProxyURI
}

// awaitReady blocks until an initialization has completed or a session is
// available. After a completed initialization an empty pool fails fast.
func (p *Pool) awaitReady(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.sessions) > 0 {
			p.mu.Unlock()
			return nil
		}
		if p.warming {
			ch := p.warmDone
			p.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if p.initialized {
			p.mu.Unlock()
			return ErrPoolEmpty
		}
		p.mu.Unlock()
		// No warm-up started yet; kick one and wait for it.
		p.Replenish()
	}
}

// Next dispatches a session from the rotation, skipping rate-limited sessions
// (clearing the mark once it has expired) and any the filter rejects.
// Returns ErrPoolEmpty when nothing usable is available.
func (p *Pool) Next(ctx context.Context, filter func(*Session) bool) (*Session, error) {
	if err := p.awaitReady(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	var expired []string
	picked, err := p.dispatch.Next(func(s *Session) bool {
		if until := s.RateLimitedUntil(); !until.IsZero() {
			if until.After(now) {
				return false
			}
			s.SetRateLimitedUntil(time.Time{})
			expired = append(expired, s.Username)
		}
		return filter == nil || filter(s)
	})

	for _, username := range expired {
		if uerr := p.store.Update(username, func(a *credstore.Account) {
			a.RateLimitedUntil = 0
		}); uerr != nil {
			slog.Warn("clear rate limit failed", slog.String("user", username), slog.Any("error", uerr))
		}
	}

	if err != nil {
		return nil, ErrPoolEmpty
	}
	if uerr := p.store.Update(picked.Username, func(a *credstore.Account) {
		a.LastUsed = now.UnixMilli()
	}); uerr != nil {
		slog.Warn("persist last_used failed", slog.String("user", picked.Username), slog.Any("error", uerr))
	}
	return picked, nil
}

// MarkRateLimited sets (or with a zero time clears) the account's rate-limit
// window. The session stays registered and is soft-cooled in the dispatch
// rotation until expiry.
func (p *Pool) MarkRateLimited(username string, until time.Time) {
	p.mu.Lock()
	sess := p.sessions[username]
	p.mu.Unlock()
	if sess != nil {
		sess.SetRateLimitedUntil(until)
		if until.After(time.Now()) {
			p.dispatch.SoftDeactivate(sess, time.Until(until))
		}
	}

	ms := int64(0)
	if !until.IsZero() {
		ms = until.UnixMilli()
	}
	if err := p.store.Update(username, func(a *credstore.Account) {
		a.RateLimitedUntil = ms
	}); err != nil {
		slog.Warn("persist rate limit failed", slog.String("user", username), slog.Any("error", err))
	}
}

// MarkFailed drops the session, marks the account failed in the store, and
// triggers background replenishment.
func (p *Pool) MarkFailed(username string) {
	p.removeSession(username)
	now := time.Now().UnixMilli()
	if err := p.store.Update(username, func(a *credstore.Account) {
		a.FailedLogin = true
		a.TokenState = credstore.TokenFailed
		a.LastFailedAt = now
	}); err != nil {
		slog.Warn("persist account failure failed", slog.String("user", username), slog.Any("error", err))
	}
	slog.Warn("account marked failed", slog.String("user", username))
	p.Replenish()
}

// Retire drops an unhealthy session from the rotation without flagging the
// account's credentials; the next warm-up may log it in again.
func (p *Pool) Retire(username string) {
	p.removeSession(username)
	slog.Warn("session retired as unhealthy", slog.String("user", username))
	p.Replenish()
}

// Delete removes the account from the store and the rotation.
func (p *Pool) Delete(username string) (bool, error) {
	p.removeSession(username)
	existed, err := p.store.Delete(username)
	p.Replenish()
	return existed, err
}

// ResetFailed clears failure and rate-limit state on every account,
// reassigns proxies when a list is configured, and rebuilds the pool.
func (p *Pool) ResetFailed() error {
	err := p.store.UpdateAll(func(a *credstore.Account) {
		a.FailedLogin = false
		a.TokenState = credstore.TokenUnknown
		a.RateLimitedUntil = 0
		a.LastFailedAt = 0
		if p.cfg.ProxyList != "" {
			a.AssignedProxy = p.pickProxy()
		}
	})

	p.mu.Lock()
	dropped := make([]*Session, 0, len(p.sessions))
	for _, sess := range p.sessions {
		dropped = append(dropped, sess)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	for _, sess := range dropped {
		p.dispatch.DeactivateItem(sess)
	}

	p.Replenish()
	return err
}

// ActiveCount returns the number of warm sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) removeSession(username string) {
	p.mu.Lock()
	sess := p.sessions[username]
	delete(p.sessions, username)
	p.mu.Unlock()
	if sess != nil {
		p.dispatch.DeactivateItem(sess)
	}
}
