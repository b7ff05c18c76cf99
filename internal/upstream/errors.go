package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors surfaced to the downstream boundary.
var (
	// ErrNotFound means the upstream positively reported the object missing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidHandle means the caller-supplied handle is neither @name nor
	// an all-digit id.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrPoolEmpty means the warm pool finished initializing with no usable
	// sessions.
	ErrPoolEmpty = errors.New("account pool is empty")
)

// ExhaustedAccountsError is returned when every active session was tried for
// one request without success.
type ExhaustedAccountsError struct {
	URL      string
	Attempts int
}

func (e *ExhaustedAccountsError) Error() string {
	return fmt.Sprintf("all accounts exhausted after %d attempts for %s", e.Attempts, e.URL)
}

// ParseError wraps an upstream body we could not make sense of. The server
// boundary maps it to 502 to keep "upstream gave us nothing usable" distinct
// from "no account worked".
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %s: %v", e.Op, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// accessDeniedNeedle in errors[0].message means the session is dead even when
// the HTTP status says otherwise.
const accessDeniedNeedle = "Authorization: Denied by access control"

// upstreamErrors extracts the errors[] messages from a response body, if any.
func upstreamErrors(body []byte) []string {
	var raw struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &raw) != nil {
		return nil
	}
	msgs := make([]string, 0, len(raw.Errors))
	for _, e := range raw.Errors {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

// isAccessDenied reports whether the body carries the access-control denial
// that must be treated as a 403.
func isAccessDenied(body []byte) bool {
	msgs := upstreamErrors(body)
	return len(msgs) > 0 && strings.Contains(msgs[0], accessDeniedNeedle)
}

// parseRateLimitReset parses the x-rate-limit-reset unix-seconds header.
// Falls back to now + 5 minutes when missing or invalid.
func parseRateLimitReset(v string) time.Time {
	if ts, err := strconv.ParseInt(v, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0)
	}
	return time.Now().Add(5 * time.Minute)
}
