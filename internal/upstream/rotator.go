package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	stealth "github.com/anatolykoptev/go-stealth"
)

// Rotator multiplexes upstream requests over the warm pool. It picks a
// session per call, installs its headers, interprets the response status as
// pool feedback, and retries on another session until success or exhaustion.
type Rotator struct {
	pool *Pool
	tx   TransactionIDSource
}

// NewRotator wraps the pool as a single request fabric.
func NewRotator(pool *Pool, tx TransactionIDSource) *Rotator {
	return &Rotator{pool: pool, tx: tx}
}

// IsLoggedIn reports whether the warm pool currently has any session.
func (r *Rotator) IsLoggedIn() bool { return r.pool.ActiveCount() > 0 }

// Do issues one upstream request with account rotation. op names the
// operation for per-endpoint rate limiting and logs.
func (r *Rotator) Do(ctx context.Context, op, method, rawurl string, body []byte) ([]byte, map[string]string, error) {
	// Anti-fingerprint jitter
	if err := stealth.DefaultJitter.Sleep(ctx); err != nil {
		return nil, nil, err
	}

	maxRetries := r.pool.ActiveCount()
	if maxRetries < 1 {
		maxRetries = 1
	}

	tried := make(map[string]bool)

	// Round-robin may hand back an already-tried session once others are
	// rate-limited mid-call; the iteration cap keeps that finite.
	for iter := 0; iter < 2*maxRetries+2 && len(tried) < maxRetries; iter++ {
		sess, err := r.pool.Next(ctx, func(s *Session) bool { return s.AllowRequest(op) })
		if err != nil {
			if errors.Is(err, ErrPoolEmpty) {
				break
			}
			return nil, nil, err
		}
		if tried[sess.Username] {
			continue
		}
		tried[sess.Username] = true

		headers := make(map[string]string)
		sess.InstallHeaders(headers, rawurl)
		attachTransactionID(r.tx, headers, method, rawurl)

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		respBody, respHdrs, status, err := sess.Transport.Do(ctx, method, rawurl, headers, reqBody)
		if err != nil {
			// Cancellation aborts the call without disqualifying the account.
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			slog.Warn("upstream call failed", slog.String("op", op), slog.String("user", sess.Username), slog.Any("error", err))
			if sess.RecordFailure() {
				r.pool.Retire(sess.Username)
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			if isAccessDenied(respBody) {
				slog.Warn("access denied in body, session invalid", slog.String("op", op), slog.String("user", sess.Username))
				r.pool.MarkFailed(sess.Username)
				continue
			}
			sess.AbsorbResponse(respHdrs)
			sess.RecordSuccess()
			return respBody, respHdrs, nil

		case status == 429:
			var reset string
			if respHdrs != nil {
				reset = respHdrs["x-rate-limit-reset"]
			}
			until := parseRateLimitReset(reset)
			slog.Info("session rate limited", slog.String("op", op), slog.String("user", sess.Username),
				slog.Time("until", until))
			sess.MarkEndpointRateLimited(op, until)
			r.pool.MarkRateLimited(sess.Username, until)
			continue

		case status == 401 || status == 403:
			slog.Warn("session rejected", slog.String("op", op), slog.String("user", sess.Username), slog.Int("status", status))
			r.pool.MarkFailed(sess.Username)
			continue

		default:
			// Not an account problem; note the failure, try another session.
			slog.Warn("upstream non-2xx", slog.String("op", op), slog.String("user", sess.Username),
				slog.Int("status", status), slog.String("body", truncateBytes(respBody, 200)))
			if sess.RecordFailure() {
				r.pool.Retire(sess.Username)
			}
			continue
		}
	}

	return nil, nil, &ExhaustedAccountsError{URL: rawurl, Attempts: len(tried)}
}
