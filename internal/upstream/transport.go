package upstream

import (
	"context"
	"fmt"
	"io"
	"time"

	stealth "github.com/anatolykoptev/go-stealth"
)

// Transport issues one upstream HTTP call. No implicit retry; retry policy
// lives in the rotating authenticator.
type Transport interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (respBody []byte, respHeaders map[string]string, status int, err error)
}

// stealthTransport wraps a stealth.BrowserClient. Each session owns one,
// created with the session's proxy, so the jar and TLS fingerprint stay
// per-account.
type stealthTransport struct {
	bc      *stealth.BrowserClient
	timeout time.Duration
}

// DefaultProfile returns the browser profile used for sessionless transports
// such as the guest token path.
func DefaultProfile() stealth.BrowserProfile {
	return stealth.BuiltinProfiles[0]
}

// NewTransport builds a proxied transport with the upstream header order.
// An empty proxy means direct.
func NewTransport(proxy string, profile stealth.BrowserProfile, timeout time.Duration) (Transport, error) {
	opts := []stealth.ClientOption{
		stealth.WithHeaderOrder(upstreamHeaderOrder),
		stealth.WithProfile(profile.TLSProfile),
	}
	if proxy != "" {
		opts = append(opts, stealth.WithProxy(proxy))
	}
	bc, err := stealth.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("stealth client: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &stealthTransport{bc: bc, timeout: timeout}, nil
}

type callResult struct {
	body    []byte
	headers map[string]string
	status  int
	err     error
}

// Do runs the call under the per-call timeout. On cancellation the in-flight
// call is abandoned and ctx.Err() is returned, so callers can tell
// cancellation apart from a network failure.
func (t *stealthTransport) Do(ctx context.Context, method, url string, headers map[string]string, body io.Reader) ([]byte, map[string]string, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		b, h, s, err := t.bc.DoWithHeaderOrder(method, url, headers, body, upstreamHeaderOrder)
		ch <- callResult{body: b, headers: h, status: s, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, nil, 0, ctx.Err()
	case r := <-ch:
		return r.body, r.headers, r.status, r.err
	}
}
