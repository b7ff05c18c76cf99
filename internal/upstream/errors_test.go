package upstream

import (
	"fmt"
	"testing"
	"time"
)

func TestIsAccessDenied(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected bool
	}{
		{"denied first", `{"errors":[{"message":"Authorization: Denied by access control: unspecified"}]}`, true},
		{"denied not first", `{"errors":[{"message":"other"},{"message":"Authorization: Denied by access control"}]}`, false},
		{"other error", `{"errors":[{"message":"Rate limit exceeded"}]}`, false},
		{"no errors", `{"data":{}}`, false},
		{"empty errors", `{"errors":[]}`, false},
		{"invalid json", `{invalid`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAccessDenied([]byte(tt.body)); got != tt.expected {
				t.Fatalf("isAccessDenied(%s) = %v, want %v", tt.body, got, tt.expected)
			}
		})
	}
}

func TestParseRateLimitReset(t *testing.T) {
	reset := time.Now().Add(time.Minute).Unix()
	got := parseRateLimitReset(fmt.Sprintf("%d", reset))
	if got.Unix() != reset {
		t.Fatalf("reset = %v, want unix %d", got, reset)
	}

	// Missing or garbage headers fall back to a five minute hold.
	for _, v := range []string{"", "soon", "-5"} {
		got = parseRateLimitReset(v)
		until := time.Until(got)
		if until < 4*time.Minute || until > 6*time.Minute {
			t.Fatalf("parseRateLimitReset(%q) = %v, want ~5m fallback", v, until)
		}
	}
}

func TestExhaustedAccountsErrorMessage(t *testing.T) {
	err := &ExhaustedAccountsError{URL: "https://x.com/u", Attempts: 3}
	want := "all accounts exhausted after 3 attempts for https://x.com/u"
	if err.Error() != want {
		t.Fatalf("error = %q", err.Error())
	}
}
