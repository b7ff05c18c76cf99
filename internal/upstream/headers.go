package upstream

import stealth "github.com/anatolykoptev/go-stealth"

// defaultUserAgent is the fallback User-Agent when no per-account UA is set.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// baseHeaders are common to every request shape.
func baseHeaders(userAgent string) map[string]string {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return map[string]string{
		"authorization":             "Bearer " + BearerToken,
		"content-type":              "application/json",
		"x-twitter-active-user":     "yes",
		"x-twitter-client-language": "en",
		"user-agent":                userAgent,
		"accept":                    "*/*",
		"accept-language":           "en-US,en;q=0.9",
		"accept-encoding":           "gzip, deflate, br",
		"referer":                   "https://x.com/",
		"origin":                    "https://x.com",
	}
}

// guestHeaders returns headers for unauthenticated (guest token) requests.
// The csrf header rides along when the jar already holds a ct0 cookie.
func guestHeaders(guestToken string, jar *Jar) map[string]string {
	h := baseHeaders("")
	h["x-guest-token"] = guestToken
	if jar != nil {
		if c := jar.Header(); c != "" {
			h["cookie"] = c
		}
		if ct0 := jar.Get("ct0"); ct0 != "" {
			h["x-csrf-token"] = ct0
		}
	}
	return h
}

// loginFlowHeaders returns headers for the onboarding task endpoint.
func loginFlowHeaders(guestToken string, jar *Jar) map[string]string {
	return guestHeaders(guestToken, jar)
}

// upstreamHeaderOrder keeps the header order consistent with the TLS
// fingerprint the transport presents.
var upstreamHeaderOrder = []string{
	"authorization",
	"content-type",
	"x-csrf-token",
	"x-guest-token",
	"x-twitter-active-user",
	"x-twitter-auth-type",
	"x-twitter-client-language",
	"x-client-transaction-id",
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"sec-fetch-dest",
	"sec-fetch-mode",
	"sec-fetch-site",
	"cookie",
	"user-agent",
	"accept",
	"accept-language",
	"accept-encoding",
}

// clientHints merges stealth client-hint headers for the given UA.
func clientHints(h map[string]string, userAgent string) {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if ch := stealth.ClientHintsHeaders(userAgent); ch != nil {
		for k, v := range ch {
			h[k] = v
		}
	}
}
