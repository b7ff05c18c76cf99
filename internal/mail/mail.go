// Package mail defines the interface to the email collaborator used for
// login confirmation codes. The actual IMAP dialing lives outside the core;
// the login flow only needs "give me the latest code for this inbox".
package mail

import (
	"context"
	"regexp"
)

// CodeFetcher retrieves the most recent upstream confirmation code sent to
// an account's email inbox.
type CodeFetcher interface {
	FetchCode(ctx context.Context, email, password string) (string, error)
}

// codeRe matches the 6-8 character alphanumeric codes the upstream mails out.
var codeRe = regexp.MustCompile(`\b([a-z0-9]{6,8})\b`)

// ExtractCode pulls a confirmation code out of a message subject or body.
// Returns "" when no code-shaped token is present.
func ExtractCode(text string) string {
	m := codeRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}
