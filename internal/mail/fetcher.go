package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	pollAttempts = 5
	pollWait     = 3 * time.Second
)

// HTTPFetcher reads confirmation codes through a mailbox vendor's HTTP API,
// the usual access path for bulk-purchased account inboxes. The endpoint is
// expected to return the newest message for an email/password pair as JSON
// with subject and body fields.
type HTTPFetcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPFetcher(baseURL, apiKey string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchCode polls the mailbox until a code-bearing message shows up. The
// upstream mails codes with a delay of a few seconds, so empty mailboxes are
// retried, transport errors are not.
func (f *HTTPFetcher) FetchCode(ctx context.Context, email, password string) (string, error) {
	for attempt := 0; attempt < pollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(pollWait):
			}
		}
		code, err := f.poll(ctx, email, password)
		if err != nil {
			return "", err
		}
		if code != "" {
			return code, nil
		}
	}
	return "", fmt.Errorf("no confirmation code for %s after %d polls", email, pollAttempts)
}

func (f *HTTPFetcher) poll(ctx context.Context, email, password string) (string, error) {
	q := url.Values{}
	q.Set("email", email)
	q.Set("password", password)
	req, err := http.NewRequestWithContext(ctx, "GET", f.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	if f.apiKey != "" {
		req.Header.Set("X-API-Key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mailbox api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil // mailbox empty, poll again
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mailbox api: HTTP %d", resp.StatusCode)
	}

	var msg struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return "", fmt.Errorf("mailbox api: %w", err)
	}
	if code := ExtractCode(msg.Subject); code != "" {
		return code, nil
	}
	return ExtractCode(msg.Body), nil
}
