// Package captcha abstracts CAPTCHA solving services for login challenges.
package captcha

import "context"

// Solver solves an Arkose/FunCaptcha challenge and returns the token the
// login flow forwards to the upstream.
type Solver interface {
	Solve(ctx context.Context, siteKey, pageURL string) (token string, err error)
}
